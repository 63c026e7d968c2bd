package browser

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hwgrade/hwgrade/pkg/grading"
)

func TestWithDefaults(t *testing.T) {
	got := Selectors{Rows: "tr.row", EditLabel: "Edit"}.WithDefaults()
	want := DefaultSelectors()
	want.Rows = "tr.row"
	want.EditLabel = "Edit"
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("WithDefaults mismatch:\n got %#v\nwant %#v", got, want)
	}

	if !reflect.DeepEqual(Selectors{}.WithDefaults(), DefaultSelectors()) {
		t.Fatalf("empty selectors must equal the defaults")
	}
}

func TestSelectorBuilders(t *testing.T) {
	s := DefaultSelectors()
	if got, want := s.cellSelector(7, "field_5"), "[role='row'][row-index='7'] [col-id='field_5']"; got != want {
		t.Fatalf("cellSelector = %q, want %q", got, want)
	}
	if got, want := s.rowSelector(3), ".ag-center-cols-container [role='row'][row-index='3']"; got != want {
		t.Fatalf("rowSelector = %q, want %q", got, want)
	}
	if got, want := buttonXPath(".", "提交"), ".//button[.//span[normalize-space()='提交']]"; got != want {
		t.Fatalf("buttonXPath = %q, want %q", got, want)
	}
}

func TestXPathLiteral(t *testing.T) {
	tests := map[string]string{
		"修改":    "'修改'",
		"it's":  `"it's"`,
		`a'b"c`: `concat('a', "'", 'b"c')`,
		"":      "''",
	}
	for in, want := range tests {
		if got := xpathLiteral(in); got != want {
			t.Fatalf("xpathLiteral(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}

	stale := []error{
		&cdp.Error{Code: -32000, Message: "Could not find node with given id"},
		&cdp.Error{Code: -32000, Message: "Cannot find context with specified id"},
		fmt.Errorf("wrapped: %w", &cdp.Error{Code: -32000, Message: "Execution context was destroyed."}),
		&rod.ObjectNotFoundError{RuntimeRemoteObject: &proto.RuntimeRemoteObject{}},
		errDetached,
	}
	for _, err := range stale {
		if got := classify(err); !errors.Is(got, grading.ErrStale) {
			t.Fatalf("classify(%v) = %v, want ErrStale", err, got)
		}
	}

	if got := classify(&rod.ElementNotFoundError{}); !errors.Is(got, grading.ErrNotFound) {
		t.Fatalf("element not found must map to ErrNotFound, got %v", got)
	}

	other := &cdp.Error{Code: -32601, Message: "method not found"}
	if got := classify(other); errors.Is(got, grading.ErrStale) || errors.Is(got, grading.ErrNotFound) {
		t.Fatalf("unrelated cdp error must pass through, got %v", got)
	}
	if got := classify(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Fatalf("context errors must pass through, got %v", got)
	}
}
