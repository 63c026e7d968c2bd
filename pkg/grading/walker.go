package grading

import (
	"context"
	"fmt"
	"time"

	"github.com/hwgrade/hwgrade/internal/poll"
)

// WalkOptions bounds the grid walk.
type WalkOptions struct {
	MaxIterations int           // defaults to 9999 if <= 0
	ScrollSettle  time.Duration // defaults to 2s if <= 0

	// OnOutcome is called after every processed row. Nil = no callback.
	OnOutcome func(Outcome)
}

// Report summarises one walk.
type Report struct {
	Processed  *ProcessedSet
	Outcomes   []Outcome
	Iterations int
	// Exhausted is true when the walk ended at the bottom of the grid rather
	// than on the iteration bound.
	Exhausted bool
}

// Count returns how many outcomes ended in state s.
func (r *Report) Count(s State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

// Graded returns how many rows had a score written back.
func (r *Report) Graded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State.Graded() {
			n++
		}
	}
	return n
}

// Failures returns the failed outcomes in processing order.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.State == Failed {
			out = append(out, o)
		}
	}
	return out
}

// Walker drives the pipeline over every row of the grid.
type Walker struct {
	session  Session
	pipeline *Pipeline
	opts     WalkOptions
	log      Logger
}

func NewWalker(session Session, pipeline *Pipeline, opts WalkOptions, log Logger) *Walker {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 9999
	}
	if opts.ScrollSettle <= 0 {
		opts.ScrollSettle = 2 * time.Second
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Walker{session: session, pipeline: pipeline, opts: opts, log: log}
}

// Walk processes rows in render order, scrolling the grid until the bottom
// is reached and no unseen rows remain. Each row is attempted at most once
// per walk. Only session-level errors (listing rows, scrolling) and context
// cancellation end the walk early; the partial report is returned with them.
func (w *Walker) Walk(ctx context.Context) (*Report, error) {
	rep := &Report{Processed: NewProcessedSet()}

	for rep.Iterations < w.opts.MaxIterations {
		rep.Iterations++

		indices, err := w.session.RowIndices(ctx)
		if err != nil {
			return rep, fmt.Errorf("list rows: %w", err)
		}

		newRows := 0
		for _, idx := range indices {
			if !rep.Processed.Add(idx) {
				continue
			}
			newRows++

			out := w.pipeline.Process(ctx, idx)
			rep.Outcomes = append(rep.Outcomes, out)
			if w.opts.OnOutcome != nil {
				w.opts.OnOutcome(out)
			}
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}

		bottom, err := w.session.ViewportAtBottom(ctx)
		if err != nil {
			return rep, fmt.Errorf("check grid bottom: %w", err)
		}
		if bottom && newRows == 0 {
			w.log.Infof("reached the bottom of the grid, %d rows processed", rep.Processed.Len())
			rep.Exhausted = true
			return rep, nil
		}

		w.log.Debugf("iteration %d: %d new rows, scrolling", rep.Iterations, newRows)
		if err := w.session.ScrollViewport(ctx); err != nil {
			return rep, fmt.Errorf("scroll grid: %w", err)
		}
		if err := poll.Sleep(ctx, w.opts.ScrollSettle); err != nil {
			return rep, err
		}
	}

	w.log.Warnf("stopped after %d iterations without reaching the bottom", rep.Iterations)
	return rep, nil
}
