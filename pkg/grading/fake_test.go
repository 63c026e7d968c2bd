package grading

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/hwgrade/hwgrade/pkg/attachment"
	"github.com/hwgrade/hwgrade/pkg/download"
	"github.com/hwgrade/hwgrade/pkg/oracle"
)

const testDir = "/downloads"

// fakeFile is what clicking a fake attachment saves.
type fakeFile struct {
	cand  attachment.Candidate
	saved string
	data  []byte
}

type fakeRowState struct {
	index int
	score string
	files []fakeFile

	// deadClicks swallows that many detail-cell clicks.
	deadClicks int
	// staleHandles makes the next N Row() lookups return stale handles.
	staleHandles int
	noEdit       bool
	submitStale  bool
}

// fakeGrid is an in-memory virtualized grid: only window rows starting at
// offset are rendered.
type fakeGrid struct {
	rows    []*fakeRowState
	window  int
	offset  int
	options []string
	fs      afero.Fs

	surface *fakeSurface

	rowLookups  int
	detailClick int
	downloads   int
	writes      int
	scrolls     int

	listErr error
}

func newFakeGrid(n int) *fakeGrid {
	g := &fakeGrid{
		window:  n,
		options: []string{"7", "7.5", "8", "8.5", "9"},
		fs:      afero.NewMemMapFs(),
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("hw%d.cpp", i+1)
		g.rows = append(g.rows, &fakeRowState{
			index: i,
			files: []fakeFile{{
				cand:  attachment.Candidate{Download: name, Href: "https://files.example.com/download?attname=" + name},
				saved: name,
				data:  []byte("#include <iostream>\nint main() { return 0; }\n"),
			}},
		})
	}
	return g
}

func (g *fakeGrid) RowIndices(ctx context.Context) ([]int, error) {
	if g.listErr != nil {
		return nil, g.listErr
	}
	var out []int
	for i := g.offset; i < len(g.rows) && i < g.offset+g.window; i++ {
		out = append(out, g.rows[i].index)
	}
	return out, nil
}

func (g *fakeGrid) rendered(index int) bool {
	return index >= g.offset && index < g.offset+g.window && index < len(g.rows)
}

func (g *fakeGrid) Row(ctx context.Context, index int) (Row, error) {
	g.rowLookups++
	if !g.rendered(index) {
		return nil, ErrNotFound
	}
	st := g.rows[index]
	stale := false
	if st.staleHandles > 0 {
		st.staleHandles--
		stale = true
	}
	return &fakeRow{grid: g, st: st, stale: stale}, nil
}

func (g *fakeGrid) ViewportAtBottom(ctx context.Context) (bool, error) {
	return g.offset+g.window >= len(g.rows), nil
}

func (g *fakeGrid) ScrollViewport(ctx context.Context) error {
	g.scrolls++
	g.offset += g.window
	if last := len(g.rows) - g.window; g.offset > last {
		g.offset = max(last, 0)
	}
	return nil
}

func (g *fakeGrid) TopSurface(ctx context.Context) (Surface, error) {
	if g.surface == nil || g.surface.closed {
		return nil, ErrNotFound
	}
	return g.surface, nil
}

func (g *fakeGrid) open(st *fakeRowState) {
	g.surface = &fakeSurface{grid: g, st: st}
}

type fakeRow struct {
	grid  *fakeGrid
	st    *fakeRowState
	stale bool
}

func (r *fakeRow) Index() int { return r.st.index }

func (r *fakeRow) CellText(ctx context.Context, colID string) (string, error) {
	if r.stale {
		return "", ErrStale
	}
	if colID != DefaultScoreColumn {
		return "", nil
	}
	return r.st.score, nil
}

func (r *fakeRow) ScrollIntoView(ctx context.Context) error {
	if r.stale {
		return ErrStale
	}
	return nil
}

func (r *fakeRow) ClickCell(ctx context.Context, colID string) error {
	if r.stale {
		return ErrStale
	}
	if colID != DefaultDetailColumn {
		return fmt.Errorf("unexpected column %s", colID)
	}
	r.grid.detailClick++
	if r.st.deadClicks > 0 {
		r.st.deadClicks--
		return nil
	}
	r.grid.open(r.st)
	return nil
}

type fakeSurface struct {
	grid    *fakeGrid
	st      *fakeRowState
	editing bool
	chosen  string
	closed  bool
}

func (s *fakeSurface) ScrollBodyToEnd(ctx context.Context) (float64, error) {
	return 480, nil
}

func (s *fakeSurface) Attachments(ctx context.Context) ([]AttachmentControl, error) {
	var out []AttachmentControl
	for _, f := range s.st.files {
		out = append(out, &fakeControl{grid: s.grid, file: f})
	}
	return out, nil
}

func (s *fakeSurface) ClickEdit(ctx context.Context) error {
	if s.st.noEdit {
		return ErrControlMissing
	}
	s.editing = true
	return nil
}

func (s *fakeSurface) OpenValueChooser(ctx context.Context) ([]Option, error) {
	if !s.editing {
		return nil, ErrControlMissing
	}
	var out []Option
	for _, l := range s.grid.options {
		out = append(out, &fakeOption{surface: s, label: l})
	}
	return out, nil
}

func (s *fakeSurface) Submit(ctx context.Context) error {
	if s.chosen == "" {
		return ErrControlMissing
	}
	s.st.score = s.chosen
	s.grid.writes++
	if s.st.submitStale {
		s.closed = true
		return ErrStale
	}
	return nil
}

func (s *fakeSurface) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (s *fakeSurface) Closed(ctx context.Context) (bool, error) {
	return s.closed, nil
}

type fakeControl struct {
	grid *fakeGrid
	file fakeFile
}

func (c *fakeControl) Candidate() attachment.Candidate { return c.file.cand }

func (c *fakeControl) Click(ctx context.Context) error {
	c.grid.downloads++
	return afero.WriteFile(c.grid.fs, filepath.Join(testDir, c.file.saved), c.file.data, 0o644)
}

type fakeOption struct {
	surface *fakeSurface
	label   string
}

func (o *fakeOption) Label() string { return o.label }

func (o *fakeOption) Choose(ctx context.Context) error {
	o.surface.chosen = o.label
	return nil
}

// fakeScorer replies with a fixed oracle response. Queued errs are returned
// first, one per call.
type fakeScorer struct {
	reply   string
	err     error
	errs    []error
	sources []string
}

func (s *fakeScorer) Score(ctx context.Context, source string) (oracle.Decision, error) {
	s.sources = append(s.sources, source)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return oracle.Decision{}, err
	}
	if s.err != nil {
		return oracle.Decision{}, s.err
	}
	return oracle.ParseResponse(s.reply)
}

func fastOptions() Options {
	return Options{
		OpenAttempts:    4,
		OpenTimeout:     20 * time.Millisecond,
		DiscoverTimeout: 20 * time.Millisecond,
		ScrollSteps:     10,
		ScrollPause:     time.Millisecond,
		PostClickWait:   -1,
		ControlTimeout:  20 * time.Millisecond,
		CloseTimeout:    20 * time.Millisecond,
		PollInterval:    time.Millisecond,
	}
}

func newTestPipeline(g *fakeGrid, scorer oracle.Scorer, opts Options) (*Pipeline, error) {
	det := download.NewDetector(g.fs, download.Options{
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		SettleRounds: 3,
	})
	return NewPipeline(Config{
		Session:     g,
		Scorer:      scorer,
		DownloadDir: testDir,
		Detector:    det,
		Options:     opts,
	})
}

func outcomeIndices(outs []Outcome) []int {
	var idx []int
	for _, o := range outs {
		idx = append(idx, o.Index)
	}
	sort.Ints(idx)
	return idx
}
