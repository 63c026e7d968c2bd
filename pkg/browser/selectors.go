package browser

import (
	"fmt"
	"strings"
)

// Selectors describes the hosting grid's markup. The defaults match an AG
// Grid table whose detail views are Ant Design modals or drawers.
type Selectors struct {
	GridRoot     string `mapstructure:"grid_root"`
	Viewport     string `mapstructure:"viewport"`
	Rows         string `mapstructure:"rows"`
	RowIndexAttr string `mapstructure:"row_index_attr"`
	ColIDAttr    string `mapstructure:"col_id_attr"`
	CellValue    string `mapstructure:"cell_value"`

	// Surfaces are tried in order; within one selector the last visible
	// match is the top-most surface.
	Surfaces      []string `mapstructure:"surfaces"`
	SurfaceBodies []string `mapstructure:"surface_bodies"`
	CloseButtons  []string `mapstructure:"close_buttons"`

	// DownloadsXPath is evaluated relative to the surface.
	DownloadsXPath string `mapstructure:"downloads_xpath"`

	EditLabel     string   `mapstructure:"edit_label"`
	SubmitLabel   string   `mapstructure:"submit_label"`
	ChooserInputs []string `mapstructure:"chooser_inputs"`
	Listbox       string   `mapstructure:"listbox"`
	Option        string   `mapstructure:"option"`
	OptionLabel   string   `mapstructure:"option_label"`

	// BottomThreshold is how close, in pixels, the viewport must be to its
	// end to count as scrolled to the bottom.
	BottomThreshold int `mapstructure:"bottom_threshold"`
}

// DefaultSelectors returns the selectors for the grading site the tool was
// written against.
func DefaultSelectors() Selectors {
	return Selectors{
		GridRoot:     ".ag-root",
		Viewport:     ".ag-body-viewport",
		Rows:         ".ag-center-cols-container [role='row']",
		RowIndexAttr: "row-index",
		ColIDAttr:    "col-id",
		CellValue:    ".ag-cell-value",

		Surfaces:      []string{".ant-modal", ".ant-drawer", "[role='dialog'], [aria-modal='true']"},
		SurfaceBodies: []string{".ant-modal-body", ".ant-drawer-body"},
		CloseButtons:  []string{"button.ant-modal-close", "button.ant-drawer-close", "button[type='button'][aria-label='Close']"},

		DownloadsXPath: ".//a[contains(@href,'download')] | .//button[contains(.,'下载')] | .//*[contains(@class,'download')]",

		EditLabel:   "修改",
		SubmitLabel: "提交",
		ChooserInputs: []string{
			"input[placeholder='请选择']:not([disabled])",
			"input.ant-select-selection-search-input:not([disabled])",
		},
		Listbox:     "div[role='listbox'][class*='SelectOptions-module']",
		Option:      "[role='option']",
		OptionLabel: "[class*='SelectOptions-module__optionLabel']",

		BottomThreshold: 50,
	}
}

// WithDefaults fills every empty field from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	d := DefaultSelectors()
	str := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	list := func(v *[]string, def []string) {
		if len(*v) == 0 {
			*v = def
		}
	}
	str(&s.GridRoot, d.GridRoot)
	str(&s.Viewport, d.Viewport)
	str(&s.Rows, d.Rows)
	str(&s.RowIndexAttr, d.RowIndexAttr)
	str(&s.ColIDAttr, d.ColIDAttr)
	str(&s.CellValue, d.CellValue)
	list(&s.Surfaces, d.Surfaces)
	list(&s.SurfaceBodies, d.SurfaceBodies)
	list(&s.CloseButtons, d.CloseButtons)
	str(&s.DownloadsXPath, d.DownloadsXPath)
	str(&s.EditLabel, d.EditLabel)
	str(&s.SubmitLabel, d.SubmitLabel)
	list(&s.ChooserInputs, d.ChooserInputs)
	str(&s.Listbox, d.Listbox)
	str(&s.Option, d.Option)
	str(&s.OptionLabel, d.OptionLabel)
	if s.BottomThreshold <= 0 {
		s.BottomThreshold = d.BottomThreshold
	}
	return s
}

// cellSelector finds a row's cell anywhere in the grid, pinned containers
// included.
func (s Selectors) cellSelector(index int, colID string) string {
	return fmt.Sprintf("[role='row'][%s='%d'] [%s='%s']", s.RowIndexAttr, index, s.ColIDAttr, cssEscape(colID))
}

func (s Selectors) rowSelector(index int) string {
	return fmt.Sprintf("%s[%s='%d']", s.Rows, s.RowIndexAttr, index)
}

// buttonXPath matches an enabled button whose span carries label.
func buttonXPath(prefix, label string) string {
	return fmt.Sprintf("%s//button[.//span[normalize-space()=%s]]", prefix, xpathLiteral(label))
}

func cssEscape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}

// xpathLiteral quotes v for use inside an XPath expression.
func xpathLiteral(v string) string {
	if !strings.Contains(v, "'") {
		return "'" + v + "'"
	}
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	parts := strings.Split(v, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}
