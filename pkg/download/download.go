// Package download watches the browser's download directory for a file that
// has finished writing.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/hwgrade/hwgrade/internal/poll"
)

// ErrTimeout is returned when no settled file appeared in time.
var ErrTimeout = errors.New("download did not complete")

// partialSuffixes mark files the browser or site is still writing.
var partialSuffixes = []string{".crdownload", ".tmp"}

const (
	defaultTimeout      = 60 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultSettleRounds = 3
)

// Options tunes the completion wait.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// SettleRounds is how many consecutive polls must see the same file
	// with the same size.
	SettleRounds int
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.SettleRounds <= 0 {
		o.SettleRounds = defaultSettleRounds
	}
}

// Detector waits for downloads in one directory.
type Detector struct {
	fs   afero.Fs
	opts Options

	// afterPoll, when set, runs after every directory listing.
	afterPoll func(round int)
}

// NewDetector builds a Detector over fs. A nil fs means the OS filesystem.
func NewDetector(fs afero.Fs, opts Options) *Detector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	opts.defaults()
	return &Detector{fs: fs, opts: opts}
}

// Fs returns the filesystem the detector watches.
func (d *Detector) Fs() afero.Fs {
	return d.fs
}

// IsPartial reports whether name carries an in-progress download suffix.
func IsPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Clear removes every entry in dir, creating dir if it is missing. It runs
// before each download so the newest file is unambiguously the one just
// triggered.
func (d *Detector) Clear(dir string) error {
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		return fmt.Errorf("list download dir: %w", err)
	}
	for _, e := range entries {
		if err := d.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Await polls dir until the most recently modified non-partial file keeps the
// same size for SettleRounds consecutive polls, and returns its path.
func (d *Detector) Await(ctx context.Context, dir string) (string, error) {
	var (
		lastPath string
		lastSize int64
		stable   int
		round    int
		found    string
	)

	err := poll.Until(ctx, d.opts.Timeout, d.opts.PollInterval, func(context.Context) (bool, error) {
		round++
		path, size, ok := d.newest(dir)
		if d.afterPoll != nil {
			d.afterPoll(round)
		}
		if !ok {
			lastPath, stable = "", 0
			return false, nil
		}

		if path == lastPath && size == lastSize {
			stable++
		} else {
			lastPath, lastSize, stable = path, size, 1
		}
		if stable >= d.opts.SettleRounds {
			found = path
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return "", fmt.Errorf("%s after %s: %w", dir, d.opts.Timeout, ErrTimeout)
		}
		return "", err
	}
	return found, nil
}

// newest returns the most recently modified settled-candidate file in dir.
func (d *Detector) newest(dir string) (string, int64, bool) {
	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		return "", 0, false
	}

	var files []os.FileInfo
	for _, e := range entries {
		if e.IsDir() || IsPartial(e.Name()) {
			continue
		}
		files = append(files, e)
	}
	if len(files) == 0 {
		return "", 0, false
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime().After(files[j].ModTime())
	})

	path := filepath.Join(dir, files[0].Name())
	// Stat again: the listing may be stale by the time we look.
	info, err := d.fs.Stat(path)
	if err != nil {
		return "", 0, false
	}
	return path, info.Size(), true
}

// ReadCapped reads at most limit+1 bytes of path so callers can tell the file
// was larger than limit.
func ReadCapped(fs afero.Fs, path string, limit int) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, int64(limit)+1))
}
