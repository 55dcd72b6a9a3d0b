package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  1.5,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errFlaky) },
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var delays []time.Duration
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, d time.Duration, err error) {
		if attempt != len(delays)+1 {
			t.Errorf("OnRetry attempt = %d, want %d", attempt, len(delays)+1)
		}
		delays = append(delays, d)
	}

	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 {
		t.Fatalf("OnRetry called %d times, want 2", len(delays))
	}
	if delays[1] <= delays[0] {
		t.Errorf("delays should grow: %v", delays)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(4), func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("err = %v, want errFlaky", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	for _, attempts := range []int{1, 3} {
		calls := 0
		_, err := Do(context.Background(), fastPolicy(attempts), func(context.Context) (int, error) {
			calls++
			return 0, errFatal
		})
		if err != errFatal {
			t.Errorf("attempts=%d: err = %#v, want bare errFatal", attempts, err)
		}
		if calls != 1 {
			t.Errorf("attempts=%d: calls = %d, want 1", attempts, calls)
		}
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(10)
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, _ = Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
