package grading

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hwgrade/hwgrade/internal/poll"
	"github.com/hwgrade/hwgrade/internal/utils"
	"github.com/hwgrade/hwgrade/pkg/attachment"
	"github.com/hwgrade/hwgrade/pkg/download"
	"github.com/hwgrade/hwgrade/pkg/oracle"
	"github.com/hwgrade/hwgrade/pkg/textdecode"
)

// Options tunes the per-row pipeline. Zero values take the defaults below.
type Options struct {
	DetailColumn string
	ScoreColumn  string

	// NoSkip processes rows that already carry a score.
	NoSkip bool

	OpenAttempts    int
	OpenTimeout     time.Duration
	DiscoverTimeout time.Duration
	ScrollSteps     int
	ScrollPause     time.Duration
	PostClickWait   time.Duration
	ControlTimeout  time.Duration
	CloseTimeout    time.Duration
	PollInterval    time.Duration
	StaleRetries    int
}

const (
	DefaultDetailColumn = "field_5"
	DefaultScoreColumn  = "field_11"
)

func (o *Options) defaults() {
	if o.DetailColumn == "" {
		o.DetailColumn = DefaultDetailColumn
	}
	if o.ScoreColumn == "" {
		o.ScoreColumn = DefaultScoreColumn
	}
	if o.OpenAttempts <= 0 {
		o.OpenAttempts = 4
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 8 * time.Second
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = 20 * time.Second
	}
	if o.ScrollSteps <= 0 {
		o.ScrollSteps = 10
	}
	if o.ScrollPause <= 0 {
		o.ScrollPause = 200 * time.Millisecond
	}
	if o.PostClickWait < 0 {
		o.PostClickWait = 0
	} else if o.PostClickWait == 0 {
		o.PostClickWait = 2 * time.Second
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.StaleRetries <= 0 {
		o.StaleRetries = 3
	}
}

// Config holds everything NewPipeline needs.
type Config struct {
	Session     Session
	Scorer      oracle.Scorer
	DownloadDir string
	Detector    *download.Detector   // nil = OS filesystem with default timings
	Resolver    *textdecode.Resolver // nil = default resolver
	Options     Options
	Log         Logger // optional; nil = no logging
}

// Pipeline runs the per-row state machine.
type Pipeline struct {
	session  Session
	scorer   oracle.Scorer
	dir      string
	detector *download.Detector
	resolver *textdecode.Resolver
	opts     Options
	log      Logger
}

// NewPipeline validates cfg and fills in defaults.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Session == nil {
		return nil, errors.New("grading: session is required")
	}
	if cfg.Scorer == nil {
		return nil, errors.New("grading: scorer is required")
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		return nil, errors.New("grading: download dir is required")
	}
	p := &Pipeline{
		session:  cfg.Session,
		scorer:   cfg.Scorer,
		dir:      cfg.DownloadDir,
		detector: cfg.Detector,
		resolver: cfg.Resolver,
		opts:     cfg.Options,
		log:      cfg.Log,
	}
	if p.log == nil {
		p.log = nopLogger{}
	}
	if p.detector == nil {
		p.detector = download.NewDetector(nil, download.Options{})
	}
	if p.resolver == nil {
		p.resolver = textdecode.NewResolver(p.log)
	}
	p.opts.defaults()
	return p, nil
}

// rowJob carries the handles for the row being processed. Both handles are
// replaced, never patched, when they go stale.
type rowJob struct {
	p       *Pipeline
	index   int
	row     Row
	surface Surface
	out     *Outcome

	// opened is set once this row's own detail view is up. Until then any
	// visible surface belongs to another row.
	opened bool
}

// Process runs one row through the pipeline. Every row-level problem is
// recorded in the returned Outcome rather than returned.
func (p *Pipeline) Process(ctx context.Context, index int) Outcome {
	out := Outcome{Index: index, State: Located}
	j := &rowJob{p: p, index: index, out: &out}

	row, err := p.session.Row(ctx, index)
	if err != nil {
		return j.fail(ctx, Located, fmt.Errorf("resolve row: %w", err))
	}
	j.row = row

	if !p.opts.NoSkip {
		text := j.scoreText(ctx)
		out.Existing = text
		if utils.HasDigit(text) {
			p.log.Infof("row %d: already scored (%s), skipping", index+1, text)
			out.State = Skipped
			return out
		}
	}
	p.log.Infof("row %d: processing", index+1)

	if err := j.openDetail(ctx); err != nil {
		return j.fail(ctx, Located, err)
	}
	out.State = DetailOpened

	controls, err := j.discover(ctx)
	if err != nil {
		return j.fail(ctx, DetailOpened, err)
	}
	out.State = AttachmentsDiscovered

	path, err := j.download(ctx, controls)
	if err != nil {
		return j.fail(ctx, AttachmentsDiscovered, err)
	}
	out.File = path
	out.State = Downloaded

	text, err := j.decode(path)
	if err != nil {
		return j.fail(ctx, Downloaded, err)
	}
	out.State = Decoded

	decision, err := p.scorer.Score(ctx, text)
	if err != nil {
		return j.fail(ctx, Decoded, fmt.Errorf("score: %w", err))
	}
	out.Decision = decision
	out.State = Scored
	p.log.Infof("row %d: score=%s comment=%s", index+1, decision.Score, decision.Comment)

	if err := j.writeBack(ctx, decision.Score); err != nil {
		return j.fail(ctx, Scored, err)
	}
	out.State = WrittenBack

	if err := j.close(ctx); err != nil {
		// The score is already saved; the next row closes the leftover
		// before opening its own.
		p.log.Warnf("row %d: submitted but could not close the detail view: %v", index+1, err)
		return out
	}
	out.State = Closed
	return out
}

// fail records err and closes the row's detail view if it got that far, so
// the next row never works inside this row's surface.
func (j *rowJob) fail(ctx context.Context, at State, err error) Outcome {
	j.out.State = Failed
	j.out.FailedAt = at
	j.out.Err = err
	j.p.log.Warnf("row %d: failed after %s: %v", j.index+1, at, err)
	if j.opened && at >= DetailOpened {
		// Tidy up even when the walk is being cancelled.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.p.opts.CloseTimeout)
		defer cancel()
		if cerr := j.close(cctx); cerr != nil {
			j.p.log.Warnf("row %d: could not close the detail view after failure: %v", j.index+1, cerr)
		}
	}
	return *j.out
}

// withRow runs step, re-resolving the row by index whenever the step
// reports a stale handle.
func (j *rowJob) withRow(ctx context.Context, step func(Row) error) error {
	var err error
	for i := 0; i <= j.p.opts.StaleRetries; i++ {
		if err = step(j.row); !errors.Is(err, ErrStale) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		j.p.log.Debugf("row %d: stale row handle, re-resolving", j.index+1)
		row, rerr := j.p.session.Row(ctx, j.index)
		if rerr != nil {
			return fmt.Errorf("re-resolve row: %w", rerr)
		}
		j.row = row
	}
	return err
}

// withSurface runs step against the current surface, re-acquiring it when
// the step reports a stale handle.
func (j *rowJob) withSurface(ctx context.Context, step func(Surface) error) error {
	var err error
	for i := 0; i <= j.p.opts.StaleRetries; i++ {
		if err = step(j.surface); !errors.Is(err, ErrStale) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		j.p.log.Debugf("row %d: stale detail view, re-acquiring", j.index+1)
		if rerr := j.openDetail(ctx); rerr != nil {
			return rerr
		}
	}
	return err
}

func (j *rowJob) scoreText(ctx context.Context) string {
	var text string
	err := j.withRow(ctx, func(r Row) error {
		t, err := r.CellText(ctx, j.p.opts.ScoreColumn)
		text = t
		return err
	})
	if err != nil {
		j.p.log.Debugf("row %d: score cell unreadable, treating as empty: %v", j.index+1, err)
		return ""
	}
	return strings.TrimSpace(text)
}

// openDetail returns the row's detail view. Once the row has opened its own
// view it is re-acquired as is; before that, a surface left behind by an
// earlier row is closed and the row's detail cell is clicked until a new one
// appears.
func (j *rowJob) openDetail(ctx context.Context) error {
	if j.opened {
		if s, err := j.p.session.TopSurface(ctx); err == nil {
			j.surface = s
			return nil
		} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStale) {
			return fmt.Errorf("look up detail view: %w", err)
		}
	} else if err := j.dismissLeftover(ctx); err != nil {
		return err
	}

	o := j.p.opts
	err := poll.Attempts(ctx, o.OpenAttempts, o.PollInterval, func(attempt int) error {
		err := j.withRow(ctx, func(r Row) error {
			if err := r.ScrollIntoView(ctx); err != nil {
				return err
			}
			return r.ClickCell(ctx, o.DetailColumn)
		})
		if err != nil {
			j.p.log.Debugf("row %d: open attempt %d: %v", j.index+1, attempt, err)
			return err
		}
		return poll.Until(ctx, o.OpenTimeout, o.PollInterval, func(ctx context.Context) (bool, error) {
			s, err := j.p.session.TopSurface(ctx)
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			j.surface = s
			j.opened = true
			return true, nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("detail view did not open after %d attempts: %w", o.OpenAttempts, err)
	}
	return nil
}

// discover scrolls the surface body until download controls render and
// returns the ones that look like C++ sources.
func (j *rowJob) discover(ctx context.Context) ([]AttachmentControl, error) {
	o := j.p.opts
	var visible []AttachmentControl

	err := poll.Until(ctx, o.DiscoverTimeout, o.PollInterval, func(ctx context.Context) (bool, error) {
		err := j.withSurface(ctx, func(s Surface) error {
			if err := j.scrollToEnd(ctx, s); err != nil {
				return err
			}
			found, err := s.Attachments(ctx)
			visible = found
			return err
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		return len(visible) > 0, nil
	})
	if err != nil && !errors.Is(err, poll.ErrTimeout) {
		return nil, fmt.Errorf("discover attachments: %w", err)
	}

	cands := make([]attachment.Candidate, len(visible))
	for i, c := range visible {
		cands[i] = c.Candidate()
	}
	var cpp []AttachmentControl
	for _, i := range attachment.Filter(cands) {
		cpp = append(cpp, visible[i])
	}
	if len(cpp) == 0 {
		return nil, fmt.Errorf("%d download controls, none C++: %w", len(visible), ErrNoAttachment)
	}
	if len(cpp) > 1 {
		names := make([]string, len(cpp))
		for i, c := range cpp {
			names[i] = c.Candidate().String()
		}
		j.p.log.Infof("row %d: %d possible C++ attachments, trying in order: %s", j.index+1, len(cpp), strings.Join(names, ", "))
	}
	return cpp, nil
}

// scrollToEnd scrolls the body down until the offset stops moving.
func (j *rowJob) scrollToEnd(ctx context.Context, s Surface) error {
	last := -1.0
	for i := 0; i < j.p.opts.ScrollSteps; i++ {
		pos, err := s.ScrollBodyToEnd(ctx)
		if err != nil {
			return err
		}
		if err := poll.Sleep(ctx, j.p.opts.ScrollPause); err != nil {
			return err
		}
		if pos == last {
			return nil
		}
		last = pos
	}
	return nil
}

// download tries each candidate in order and returns the first file that is
// accepted as C++ source.
func (j *rowJob) download(ctx context.Context, controls []AttachmentControl) (string, error) {
	d := j.p.detector
	for i, c := range controls {
		cand := c.Candidate()
		j.p.log.Infof("row %d: downloading candidate %d/%d: %s", j.index+1, i+1, len(controls), cand)

		if err := d.Clear(j.p.dir); err != nil {
			return "", fmt.Errorf("clear download dir: %w", err)
		}
		if err := c.Click(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			j.p.log.Warnf("row %d: click on %s failed, trying next: %v", j.index+1, cand, err)
			continue
		}
		if err := poll.Sleep(ctx, j.p.opts.PostClickWait); err != nil {
			return "", err
		}

		path, err := d.Await(ctx, j.p.dir)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			j.p.log.Warnf("row %d: %v, trying next", j.index+1, err)
			continue
		}

		base := filepath.Base(path)
		ok, renamed := attachment.AcceptDownload(base, cand)
		if !ok {
			j.p.log.Warnf("row %d: downloaded %s is not C++, trying next", j.index+1, base)
			if err := d.Fs().Remove(path); err != nil {
				j.p.log.Debugf("row %d: remove %s: %v", j.index+1, base, err)
			}
			continue
		}
		if renamed {
			j.p.log.Warnf("row %d: saved as %s but the link said %s, reading it as text", j.index+1, base, cand.NameHint())
		}
		j.p.log.Infof("row %d: downloaded %s", j.index+1, base)
		return path, nil
	}
	return "", ErrDownloadFailed
}

func (j *rowJob) decode(path string) (string, error) {
	limit := j.p.resolver.MaxBytes
	if limit <= 0 {
		limit = textdecode.DefaultMaxBytes
	}
	data, err := download.ReadCapped(j.p.detector.Fs(), path, limit)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	res, err := j.p.resolver.Resolve(data)
	if err != nil {
		return "", err
	}
	j.out.Encoding = res.Encoding
	j.p.log.Debugf("row %d: decoded as %s %s", j.index+1, res.Encoding, res.Score)
	return res.Text, nil
}
