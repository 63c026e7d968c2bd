package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-rod/rod"

	"github.com/hwgrade/hwgrade/pkg/grading"
)

// Session is the grid page seen through grading.Session. Every call looks
// elements up afresh; only Row and Surface values hold element handles.
type Session struct {
	page *rod.Page
	sel  Selectors
}

var _ grading.Session = (*Session)(nil)

// RowIndices reads the row-index attribute of every rendered centre row.
func (s *Session) RowIndices(ctx context.Context) ([]int, error) {
	res, err := s.page.Context(ctx).Eval(`(sel, attr) => Array.from(document.querySelectorAll(sel))
		.map(r => r.getAttribute(attr))
		.filter(v => v !== null && v !== '')`, s.sel.Rows, s.sel.RowIndexAttr)
	if err != nil {
		return nil, classify(err)
	}
	var out []int
	for _, v := range res.Value.Arr() {
		n, err := strconv.Atoi(strings.TrimSpace(v.Str()))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Row resolves the centre-container row carrying index.
func (s *Session) Row(ctx context.Context, index int) (grading.Row, error) {
	els, err := s.page.Context(ctx).Elements(s.sel.rowSelector(index))
	if err != nil {
		return nil, classify(err)
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("row %d: %w", index, grading.ErrNotFound)
	}
	return &row{session: s, el: els.First(), index: index}, nil
}

func (s *Session) viewport(ctx context.Context) (*rod.Element, error) {
	els, err := s.page.Context(ctx).Elements(s.sel.Viewport)
	if err != nil {
		return nil, classify(err)
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("grid viewport: %w", grading.ErrNotFound)
	}
	return els.First(), nil
}

func (s *Session) ViewportAtBottom(ctx context.Context) (bool, error) {
	vp, err := s.viewport(ctx)
	if err != nil {
		return false, err
	}
	res, err := vp.Context(ctx).Eval(`(threshold) => this.scrollTop + this.clientHeight >= this.scrollHeight - threshold`, s.sel.BottomThreshold)
	if err != nil {
		return false, classify(err)
	}
	return res.Value.Bool(), nil
}

func (s *Session) ScrollViewport(ctx context.Context) error {
	vp, err := s.viewport(ctx)
	if err != nil {
		return err
	}
	_, err = vp.Context(ctx).Eval(`() => { this.scrollTop += this.clientHeight }`)
	return classify(err)
}

// TopSurface returns the last visible match of the first surface selector
// that has one.
func (s *Session) TopSurface(ctx context.Context) (grading.Surface, error) {
	page := s.page.Context(ctx)
	for _, sel := range s.sel.Surfaces {
		els, err := page.Elements(sel)
		if err != nil {
			return nil, classify(err)
		}
		if el := lastVisible(els); el != nil {
			return &surface{session: s, el: el}, nil
		}
	}
	return nil, fmt.Errorf("detail view: %w", grading.ErrNotFound)
}

// lastVisible returns the top-most visible element of els.
func lastVisible(els rod.Elements) *rod.Element {
	for i := len(els) - 1; i >= 0; i-- {
		if ok, err := els[i].Visible(); err == nil && ok {
			return els[i]
		}
	}
	return nil
}

// firstVisible prefers the first visible element and falls back to the
// first one.
func firstVisible(els rod.Elements) *rod.Element {
	for _, el := range els {
		if ok, err := el.Visible(); err == nil && ok {
			return el
		}
	}
	return els.First()
}

// attached reports errDetached once el has left the document.
func attached(ctx context.Context, el *rod.Element) error {
	res, err := el.Context(ctx).Eval(`() => this.isConnected`)
	if err != nil {
		return classify(err)
	}
	if !res.Value.Bool() {
		return errDetached
	}
	return nil
}

// jsClick clicks through the DOM, which works for elements partly covered
// by sticky headers.
func jsClick(ctx context.Context, el *rod.Element) error {
	_, err := el.Context(ctx).Eval(`() => this.click()`)
	return classify(err)
}

type row struct {
	session *Session
	el      *rod.Element
	index   int
}

func (r *row) Index() int { return r.index }

// CellText returns the cell's value text, falling back to its whole text
// and then its title attribute.
func (r *row) CellText(ctx context.Context, colID string) (string, error) {
	if err := attached(ctx, r.el); err != nil {
		return "", err
	}
	sel := r.session.sel
	res, err := r.el.Context(ctx).Eval(`(cellSel, valueSel) => {
		const cell = this.querySelector(cellSel);
		if (!cell) return '';
		const val = cell.querySelector(valueSel);
		let txt = ((val ? val.innerText : cell.innerText) || '').trim();
		if (!txt) txt = (cell.getAttribute('title') || '').trim();
		return txt;
	}`, fmt.Sprintf("[%s='%s']", sel.ColIDAttr, cssEscape(colID)), sel.CellValue)
	if err != nil {
		return "", classify(err)
	}
	return res.Value.Str(), nil
}

func (r *row) ScrollIntoView(ctx context.Context) error {
	if err := attached(ctx, r.el); err != nil {
		return err
	}
	_, err := r.el.Context(ctx).Eval(`() => this.scrollIntoView({block: 'center', inline: 'nearest'})`)
	return classify(err)
}

// ClickCell finds the cell by row index and column anywhere in the grid,
// preferring a visible copy, and clicks its first visible nested link or
// button before falling back to the cell itself.
func (r *row) ClickCell(ctx context.Context, colID string) error {
	page := r.session.page.Context(ctx)
	cells, err := page.Elements(r.session.sel.cellSelector(r.index, colID))
	if err != nil {
		return classify(err)
	}
	if len(cells) == 0 {
		return fmt.Errorf("row %d cell %s: %w", r.index, colID, grading.ErrNotFound)
	}
	cell := firstVisible(cells)
	if _, err := cell.Context(ctx).Eval(`() => this.scrollIntoView({block: 'center', inline: 'center'})`); err != nil {
		return classify(err)
	}

	for _, sel := range []string{"a", "button", "[role='button']"} {
		inner, err := cell.Context(ctx).Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range inner {
			if ok, err := el.Visible(); err == nil && ok {
				return jsClick(ctx, el)
			}
		}
	}
	return jsClick(ctx, cell)
}
