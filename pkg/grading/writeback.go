package grading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hwgrade/hwgrade/internal/poll"
)

// NearestOption picks the option label for score. An exact label match wins;
// otherwise the label whose numeric value is closest to score is used, with
// ties going to the earlier label. Out-of-range scores still map to the
// closest end of the list. It returns -1 when nothing can be matched.
func NearestOption(labels []string, score string) (index int, exact bool) {
	score = strings.TrimSpace(score)
	for i, l := range labels {
		if strings.TrimSpace(l) == score {
			return i, true
		}
	}

	target, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return -1, false
	}
	best, bestDiff := -1, math.Inf(1)
	for i, l := range labels {
		v, err := strconv.ParseFloat(strings.TrimSpace(l), 64)
		if err != nil {
			continue
		}
		if d := math.Abs(v - target); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best, false
}

// waitControl retries action while it reports ErrControlMissing or a stale
// surface, up to ControlTimeout. A control that never shows up is reported as
// ErrControlMissing.
func (j *rowJob) waitControl(ctx context.Context, what string, action func(Surface) error) error {
	o := j.p.opts
	var last error
	err := poll.Until(ctx, o.ControlTimeout, o.PollInterval, func(ctx context.Context) (bool, error) {
		last = j.withSurface(ctx, action)
		if last == nil {
			return true, nil
		}
		if errors.Is(last, ErrControlMissing) || errors.Is(last, ErrNotFound) {
			return false, nil
		}
		return false, last
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%s: %w", what, ErrControlMissing)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// writeBack selects score in the detail view's score chooser and submits.
func (j *rowJob) writeBack(ctx context.Context, score string) error {
	if strings.TrimSpace(score) == "" {
		return errors.New("write back: empty score")
	}
	// The surface may have been replaced while downloading.
	if err := j.openDetail(ctx); err != nil {
		return fmt.Errorf("write back: %w", err)
	}

	if err := j.waitControl(ctx, "edit button", func(s Surface) error {
		return s.ClickEdit(ctx)
	}); err != nil {
		return err
	}

	var options []Option
	if err := j.waitControl(ctx, "score chooser", func(s Surface) error {
		opts, err := s.OpenValueChooser(ctx)
		if err != nil {
			return err
		}
		if len(opts) == 0 {
			return ErrControlMissing
		}
		options = opts
		return nil
	}); err != nil {
		return err
	}

	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = strings.TrimSpace(o.Label())
	}
	idx, exact := NearestOption(labels, score)
	switch {
	case idx < 0:
		idx = 0
		j.p.log.Warnf("row %d: no option label parses as a number, choosing the first option %q", j.index+1, labels[0])
	case !exact:
		j.p.log.Infof("row %d: score %s is not an option, choosing nearest %s", j.index+1, score, labels[idx])
	}

	if err := options[idx].Choose(ctx); err != nil {
		return fmt.Errorf("choose option %q: %w", labels[idx], err)
	}
	j.out.Chosen = labels[idx]

	err := j.waitControl(ctx, "submit button", func(s Surface) error {
		err := s.Submit(ctx)
		if errors.Is(err, ErrStale) {
			// The click landed and the page re-rendered underneath us.
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	j.p.log.Infof("row %d: wrote back %s", j.index+1, labels[idx])
	return nil
}

// close dismisses the detail view after submission and waits for it to go.
// Stale handles here mean the page already re-rendered and count as closed.
func (j *rowJob) close(ctx context.Context) error {
	s, err := j.p.session.TopSurface(ctx)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	return j.closeSurface(ctx, s)
}

// dismissLeftover closes a detail view that is still up from an earlier row.
func (j *rowJob) dismissLeftover(ctx context.Context) error {
	s, err := j.p.session.TopSurface(ctx)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up detail view: %w", err)
	}
	j.p.log.Warnf("row %d: a detail view from an earlier row is still open, closing it", j.index+1)
	if err := j.closeSurface(ctx, s); err != nil {
		return fmt.Errorf("close leftover detail view: %w", err)
	}
	return nil
}

func (j *rowJob) closeSurface(ctx context.Context, s Surface) error {
	if err := s.Close(ctx); err != nil {
		if errors.Is(err, ErrStale) {
			return nil
		}
		return err
	}
	err := poll.Until(ctx, j.p.opts.CloseTimeout, j.p.opts.PollInterval, func(ctx context.Context) (bool, error) {
		closed, err := s.Closed(ctx)
		if errors.Is(err, ErrStale) {
			return true, nil
		}
		return closed, err
	})
	if err != nil {
		return fmt.Errorf("wait for detail view to close: %w", err)
	}
	return nil
}
