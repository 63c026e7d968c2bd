package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hwgrade/hwgrade/internal/poll"
	"github.com/hwgrade/hwgrade/pkg/attachment"
	"github.com/hwgrade/hwgrade/pkg/grading"
)

const listboxWait = 3 * time.Second

type surface struct {
	session *Session
	el      *rod.Element
}

func (s *surface) body(ctx context.Context) *rod.Element {
	for _, sel := range s.session.sel.SurfaceBodies {
		if els, err := s.el.Context(ctx).Elements(sel); err == nil && len(els) > 0 {
			return els.First()
		}
	}
	return s.el
}

func (s *surface) ScrollBodyToEnd(ctx context.Context) (float64, error) {
	if err := attached(ctx, s.el); err != nil {
		return 0, err
	}
	res, err := s.body(ctx).Context(ctx).Eval(`() => { this.scrollTop = this.scrollHeight; return this.scrollTop }`)
	if err != nil {
		return 0, classify(err)
	}
	return res.Value.Num(), nil
}

func (s *surface) Attachments(ctx context.Context) ([]grading.AttachmentControl, error) {
	if err := attached(ctx, s.el); err != nil {
		return nil, err
	}
	els, err := s.el.Context(ctx).ElementsX(s.session.sel.DownloadsXPath)
	if err != nil {
		return nil, classify(err)
	}
	var out []grading.AttachmentControl
	for _, el := range els {
		if ok, err := el.Visible(); err != nil || !ok {
			continue
		}
		html, err := el.HTML()
		if err != nil {
			continue
		}
		cand, err := attachment.ParseCandidate(html)
		if err != nil {
			continue
		}
		// Resolve relative links the way the page would.
		if res, err := el.Eval(`() => this.href || ''`); err == nil && res.Value.Str() != "" {
			cand.Href = res.Value.Str()
		}
		out = append(out, &control{el: el, cand: cand})
	}
	return out, nil
}

// button finds a visible, enabled button labelled label inside the surface,
// then anywhere on the page.
func (s *surface) button(ctx context.Context, label string) (*rod.Element, error) {
	for _, scope := range []func() (rod.Elements, error){
		func() (rod.Elements, error) { return s.el.Context(ctx).ElementsX(buttonXPath(".", label)) },
		func() (rod.Elements, error) { return s.session.page.Context(ctx).ElementsX(buttonXPath("", label)) },
	} {
		els, err := scope()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for _, el := range els {
			if usable(el) {
				return el, nil
			}
		}
	}
	return nil, fmt.Errorf("button %q: %w", label, grading.ErrControlMissing)
}

func usable(el *rod.Element) bool {
	if ok, err := el.Visible(); err != nil || !ok {
		return false
	}
	res, err := el.Eval(`() => !this.disabled`)
	return err == nil && res.Value.Bool()
}

func (s *surface) ClickEdit(ctx context.Context) error {
	btn, err := s.button(ctx, s.session.sel.EditLabel)
	if err != nil {
		return err
	}
	return jsClick(ctx, btn)
}

func (s *surface) Submit(ctx context.Context) error {
	btn, err := s.button(ctx, s.session.sel.SubmitLabel)
	if err != nil {
		return err
	}
	return jsClick(ctx, btn)
}

// OpenValueChooser opens the score select and waits briefly for its options
// to render.
func (s *surface) OpenValueChooser(ctx context.Context) ([]grading.Option, error) {
	if lb := s.listbox(ctx); lb == nil {
		input, err := s.chooserInput(ctx)
		if err != nil {
			return nil, err
		}
		// A real mouse click: the select ignores synthetic DOM clicks.
		if err := input.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, classify(err)
		}
	}

	var lb *rod.Element
	err := poll.Until(ctx, listboxWait, 100*time.Millisecond, func(ctx context.Context) (bool, error) {
		lb = s.listbox(ctx)
		return lb != nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("score options: %w", grading.ErrControlMissing)
	}

	opts, err := lb.Context(ctx).Elements(s.session.sel.Option)
	if err != nil {
		return nil, classify(err)
	}
	var out []grading.Option
	for _, o := range opts {
		label := s.optionLabel(ctx, o)
		if label == "" {
			continue
		}
		out = append(out, &option{el: o, label: label})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("score options have no labels: %w", grading.ErrControlMissing)
	}
	return out, nil
}

func (s *surface) chooserInput(ctx context.Context) (*rod.Element, error) {
	for _, sel := range s.session.sel.ChooserInputs {
		els, err := s.el.Context(ctx).Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if ok, err := el.Visible(); err == nil && ok {
				return el, nil
			}
		}
	}
	return nil, fmt.Errorf("score chooser input: %w", grading.ErrControlMissing)
}

// listbox returns the top-most visible listbox that already has options.
func (s *surface) listbox(ctx context.Context) *rod.Element {
	boxes, err := s.session.page.Context(ctx).Elements(s.session.sel.Listbox)
	if err != nil {
		return nil
	}
	for i := len(boxes) - 1; i >= 0; i-- {
		b := boxes[i]
		if ok, err := b.Visible(); err != nil || !ok {
			continue
		}
		if opts, err := b.Elements(s.session.sel.Option); err == nil && len(opts) > 0 {
			return b
		}
	}
	return nil
}

func (s *surface) optionLabel(ctx context.Context, o *rod.Element) string {
	if els, err := o.Context(ctx).Elements(s.session.sel.OptionLabel); err == nil && len(els) > 0 {
		if t, err := els.First().Text(); err == nil && strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
	}
	t, err := o.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}

func (s *surface) Close(ctx context.Context) error {
	if err := attached(ctx, s.el); err != nil {
		return err
	}
	for _, sel := range s.session.sel.CloseButtons {
		els, err := s.el.Context(ctx).Elements(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		return jsClick(ctx, els.First())
	}
	return fmt.Errorf("close button: %w", grading.ErrControlMissing)
}

func (s *surface) Closed(ctx context.Context) (bool, error) {
	res, err := s.el.Context(ctx).Eval(`() => !this.isConnected`)
	if err != nil {
		return false, classify(err)
	}
	if res.Value.Bool() {
		return true, nil
	}
	visible, err := s.el.Context(ctx).Visible()
	if err != nil {
		return false, classify(err)
	}
	return !visible, nil
}

type control struct {
	el   *rod.Element
	cand attachment.Candidate
}

func (c *control) Candidate() attachment.Candidate { return c.cand }

func (c *control) Click(ctx context.Context) error {
	if _, err := c.el.Context(ctx).Eval(`() => this.scrollIntoView({block: 'center'})`); err != nil {
		return classify(err)
	}
	return jsClick(ctx, c.el)
}

type option struct {
	el    *rod.Element
	label string
}

func (o *option) Label() string { return o.label }

func (o *option) Choose(ctx context.Context) error {
	return jsClick(ctx, o.el)
}
