// Package grading walks a submission grid row by row, downloads each row's
// C++ attachment, scores it and writes the score back.
//
// The package only talks to the page through the Session, Row and Surface
// interfaces. Handles obtained from them may go stale whenever the page
// re-renders; rows are always re-acquired by their index, never reused
// across mutations.
package grading

import (
	"context"
	"errors"
	"sort"

	"github.com/hwgrade/hwgrade/pkg/attachment"
	"github.com/hwgrade/hwgrade/pkg/oracle"
)

var (
	// ErrStale reports a handle invalidated by a re-render.
	ErrStale = errors.New("stale element handle")
	// ErrNotFound reports an element that is not (yet) rendered.
	ErrNotFound = errors.New("element not found")
	// ErrNoAttachment is returned when the detail view offers no C++ download.
	ErrNoAttachment = errors.New("no C++ attachment found")
	// ErrDownloadFailed is returned when every C++ candidate failed to download.
	ErrDownloadFailed = errors.New("no candidate produced a C++ download")
	// ErrControlMissing is returned when a write-back control never appeared.
	ErrControlMissing = errors.New("write-back control missing")
)

// Session is the grid page.
type Session interface {
	// RowIndices lists the indices of the rows currently rendered.
	RowIndices(ctx context.Context) ([]int, error)
	// Row resolves a fresh handle for index, or ErrNotFound.
	Row(ctx context.Context, index int) (Row, error)
	ViewportAtBottom(ctx context.Context) (bool, error)
	// ScrollViewport scrolls the grid body down by one viewport height.
	ScrollViewport(ctx context.Context) error
	// TopSurface returns the top-most visible detail surface, or ErrNotFound.
	TopSurface(ctx context.Context) (Surface, error)
}

// Row is a handle to one rendered grid row.
type Row interface {
	Index() int
	// CellText returns the visible text of the cell in column colID.
	CellText(ctx context.Context, colID string) (string, error)
	ScrollIntoView(ctx context.Context) error
	// ClickCell clicks the cell in column colID, or the first interactive
	// control nested inside it.
	ClickCell(ctx context.Context, colID string) error
}

// Surface is an open detail view (modal, drawer or dialog).
type Surface interface {
	// ScrollBodyToEnd scrolls the surface body to its end and returns the
	// resulting scroll offset.
	ScrollBodyToEnd(ctx context.Context) (float64, error)
	// Attachments lists the visible download controls.
	Attachments(ctx context.Context) ([]AttachmentControl, error)
	// ClickEdit clicks the edit affordance, or returns ErrControlMissing.
	ClickEdit(ctx context.Context) error
	// OpenValueChooser opens the score select and returns its options, or
	// ErrControlMissing.
	OpenValueChooser(ctx context.Context) ([]Option, error)
	Submit(ctx context.Context) error
	Close(ctx context.Context) error
	// Closed reports whether the surface is no longer visible.
	Closed(ctx context.Context) (bool, error)
}

// AttachmentControl is one download link or button inside a surface.
type AttachmentControl interface {
	Candidate() attachment.Candidate
	Click(ctx context.Context) error
}

// Option is one entry of the score select.
type Option interface {
	Label() string
	Choose(ctx context.Context) error
}

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// State is a step of the per-row state machine.
type State int

const (
	Located State = iota
	DetailOpened
	AttachmentsDiscovered
	Downloaded
	Decoded
	Scored
	WrittenBack
	Closed
	Skipped
	Failed
)

var stateNames = [...]string{
	Located:               "located",
	DetailOpened:          "detail-opened",
	AttachmentsDiscovered: "attachments-discovered",
	Downloaded:            "downloaded",
	Decoded:               "decoded",
	Scored:                "scored",
	WrittenBack:           "written-back",
	Closed:                "closed",
	Skipped:               "skipped",
	Failed:                "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Graded reports whether the score reached the grid.
func (s State) Graded() bool {
	return s == WrittenBack || s == Closed
}

// Outcome is the result of processing one row.
type Outcome struct {
	Index int
	State State
	// FailedAt is the last state reached before a failure.
	FailedAt State
	Err      error

	Existing string // score cell text seen by the skip check
	Decision oracle.Decision
	Chosen   string // option label written back
	Encoding string
	File     string
}

// ProcessedSet holds the row indices attempted during one walk.
type ProcessedSet struct {
	seen map[int]struct{}
}

func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{seen: make(map[int]struct{})}
}

// Add records index and reports whether it was new.
func (p *ProcessedSet) Add(index int) bool {
	if _, ok := p.seen[index]; ok {
		return false
	}
	p.seen[index] = struct{}{}
	return true
}

func (p *ProcessedSet) Has(index int) bool {
	_, ok := p.seen[index]
	return ok
}

func (p *ProcessedSet) Len() int {
	return len(p.seen)
}

// Indices returns the recorded indices in ascending order.
func (p *ProcessedSet) Indices() []int {
	out := make([]int, 0, len(p.seen))
	for i := range p.seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
