// Package poll holds the bounded wait and retry primitives every UI and
// filesystem wait goes through. Each helper either succeeds or returns an
// error; nothing is swallowed.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when a condition did not hold before its deadline.
var ErrTimeout = errors.New("timed out")

var errNotYet = errors.New("condition not met")

// Stop marks err as permanent so Until and Attempts return it immediately.
func Stop(err error) error {
	return backoff.Permanent(err)
}

// Until evaluates cond immediately and then every interval until it reports
// true, returns an error, or timeout elapses. A timeout yields ErrTimeout;
// cancellation of the parent context yields the context's error.
func Until(ctx context.Context, timeout, interval time.Duration, cond func(context.Context) (bool, error)) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), wctx)
	err := backoff.Retry(func() error {
		ok, err := cond(wctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, b)
	return translate(ctx, wctx, err)
}

// Attempts runs fn up to n times, waiting interval between failures. fn
// receives the 1-based attempt number. The last error is returned when every
// attempt fails.
func Attempts(ctx context.Context, n int, interval time.Duration, fn func(attempt int) error) error {
	if n <= 0 {
		n = 1
	}
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(n-1)), ctx)
	err := backoff.Retry(func() error {
		attempt++
		return fn(attempt)
	}, b)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func translate(parent, wctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, errNotYet) || errors.Is(err, context.DeadlineExceeded) {
		if wctx.Err() != nil {
			return ErrTimeout
		}
	}
	return err
}
