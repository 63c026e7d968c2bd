package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil_SucceedsAfterSomePolls(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Second, time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestUntil_Timeout(t *testing.T) {
	err := Until(context.Background(), 20*time.Millisecond, 2*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestUntil_ConditionErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Until(context.Background(), time.Second, time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("a condition error must stop polling, got %d calls", calls)
	}
}

func TestUntil_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, time.Second, time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAttempts(t *testing.T) {
	flaky := errors.New("flaky")

	t.Run("stops on first success", func(t *testing.T) {
		var seen []int
		err := Attempts(context.Background(), 4, time.Millisecond, func(attempt int) error {
			seen = append(seen, attempt)
			if attempt < 2 {
				return flaky
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
			t.Fatalf("unexpected attempts: %v", seen)
		}
	})

	t.Run("bounded", func(t *testing.T) {
		calls := 0
		err := Attempts(context.Background(), 3, time.Millisecond, func(int) error {
			calls++
			return flaky
		})
		if !errors.Is(err, flaky) {
			t.Fatalf("expected last error, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("stop is not retried", func(t *testing.T) {
		hard := errors.New("hard")
		calls := 0
		err := Attempts(context.Background(), 5, time.Millisecond, func(int) error {
			calls++
			return Stop(hard)
		})
		if !errors.Is(err, hard) || calls != 1 {
			t.Fatalf("expected single hard failure, got %v after %d calls", err, calls)
		}
	})
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
