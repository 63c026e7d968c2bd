package download

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const dir = "/downloads"

func fastOptions() Options {
	return Options{Timeout: 2 * time.Second, PollInterval: time.Millisecond, SettleRounds: 3}
}

func writeSize(t *testing.T, fs afero.Fs, name string, size int) {
	t.Helper()
	if err := afero.WriteFile(fs, filepath.Join(dir, name), bytes.Repeat([]byte("x"), size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// awaitSequence replays one observed size per poll and reports the path and
// the number of polls Await needed.
func awaitSequence(t *testing.T, sizes []int) (string, int, error) {
	t.Helper()
	fs := afero.NewMemMapFs()
	writeSize(t, fs, "hw.cpp", sizes[0])

	d := NewDetector(fs, fastOptions())
	polls := 0
	d.afterPoll = func(round int) {
		polls = round
		if round < len(sizes) {
			writeSize(t, fs, "hw.cpp", sizes[round])
		}
	}
	path, err := d.Await(context.Background(), dir)
	return path, polls, err
}

func TestAwait_StableFromTheStart(t *testing.T) {
	path, polls, err := awaitSequence(t, []int{100, 100, 100})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if path != filepath.Join(dir, "hw.cpp") {
		t.Fatalf("unexpected path %s", path)
	}
	if polls != 3 {
		t.Fatalf("expected completion on poll 3, got %d", polls)
	}
}

func TestAwait_IgnoresChangingObservation(t *testing.T) {
	path, polls, err := awaitSequence(t, []int{100, 150, 150, 150})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if path != filepath.Join(dir, "hw.cpp") {
		t.Fatalf("unexpected path %s", path)
	}
	if polls != 4 {
		t.Fatalf("expected completion on poll 4 once the size settled, got %d", polls)
	}
}

func TestAwait_SkipsPartialFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSize(t, fs, "hw.cpp.crdownload", 10)
	writeSize(t, fs, "upload.TMP", 10)

	opts := fastOptions()
	opts.Timeout = 30 * time.Millisecond
	d := NewDetector(fs, opts)

	_, err := d.Await(context.Background(), dir)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAwait_PicksMostRecentlyModified(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSize(t, fs, "old.cpp", 10)
	writeSize(t, fs, "new.cpp", 20)

	now := time.Now()
	if err := fs.Chtimes(filepath.Join(dir, "old.cpp"), now, now.Add(-time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := fs.Chtimes(filepath.Join(dir, "new.cpp"), now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	path, err := NewDetector(fs, fastOptions()).Await(context.Background(), dir)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if filepath.Base(path) != "new.cpp" {
		t.Fatalf("expected new.cpp, got %s", path)
	}
}

func TestAwait_MissingDirTimesOut(t *testing.T) {
	opts := fastOptions()
	opts.Timeout = 20 * time.Millisecond
	_, err := NewDetector(afero.NewMemMapFs(), opts).Await(context.Background(), dir)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClear(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSize(t, fs, "a.cpp", 1)
	writeSize(t, fs, "b.tmp", 1)
	if err := fs.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := NewDetector(fs, fastOptions())
	if err := d.Clear(dir); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}

	if err := d.Clear("/fresh"); err != nil {
		t.Fatalf("Clear on missing dir: %v", err)
	}
	if ok, _ := afero.DirExists(fs, "/fresh"); !ok {
		t.Fatalf("Clear must create a missing dir")
	}
}

func TestIsPartial(t *testing.T) {
	for name, want := range map[string]bool{
		"a.crdownload": true,
		"a.CRDOWNLOAD": true,
		"a.tmp":        true,
		"a.cpp":        false,
		"tmp.cpp":      false,
	} {
		if got := IsPartial(name); got != want {
			t.Fatalf("IsPartial(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestReadCapped(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSize(t, fs, "big.cpp", 100)

	data, err := ReadCapped(fs, filepath.Join(dir, "big.cpp"), 10)
	if err != nil {
		t.Fatalf("ReadCapped: %v", err)
	}
	if len(data) != 11 {
		t.Fatalf("expected limit+1 bytes, got %d", len(data))
	}
}
