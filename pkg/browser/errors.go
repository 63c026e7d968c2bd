package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"

	"github.com/hwgrade/hwgrade/pkg/grading"
)

// staleMessages are DevTools error texts raised when a node or its
// execution context went away underneath a held handle.
var staleMessages = []string{
	"could not find node",
	"could not find object",
	"cannot find context",
	"execution context was destroyed",
	"does not belong to the document",
	"node is detached",
	"no node with given id",
}

// classify maps rod and DevTools errors onto the grading sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, grading.ErrStale) || errors.Is(err, grading.ErrNotFound) || errors.Is(err, grading.ErrControlMissing) {
		return err
	}

	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", grading.ErrNotFound, err)
	}
	var objNotFound *rod.ObjectNotFoundError
	if errors.As(err, &objNotFound) {
		return fmt.Errorf("%w: %v", grading.ErrStale, err)
	}
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		msg := strings.ToLower(cdpErr.Message)
		for _, m := range staleMessages {
			if strings.Contains(msg, m) {
				return fmt.Errorf("%w: %v", grading.ErrStale, err)
			}
		}
	}
	return err
}

// errDetached is returned when a held element is no longer in the document.
var errDetached = fmt.Errorf("%w: element detached from the document", grading.ErrStale)
