package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	tests := []struct {
		name    string
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt", 1, 0, 100 * time.Millisecond},
		{"zero attempt treated as first", 0, 0, 100 * time.Millisecond},
		{"third attempt", 3, 0, 400 * time.Millisecond},
		{"full jitter", 2, 1, 300 * time.Millisecond},
		{"capped", 10, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.delayWithRand(tt.attempt, tt.random); got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}

	if got := (Policy{}).Delay(3); got != 0 {
		t.Errorf("zero policy delay = %v", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep ignored cancellation")
	}
}

func TestRetry(t *testing.T) {
	fast := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		got, err := Retry(context.Background(), fast, 3, nil, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, transient
			}
			return 42, nil
		})
		if err != nil || got != 42 || calls != 3 {
			t.Errorf("Retry() = %d, %v after %d calls", got, err, calls)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, 5, func(err error) bool { return errors.Is(err, transient) }, func(context.Context) (int, error) {
			calls++
			return 0, fatal
		})
		if !errors.Is(err, fatal) || calls != 1 {
			t.Errorf("Retry() error = %v after %d calls", err, calls)
		}
	})

	t.Run("gives up at max attempts", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, 2, nil, func(context.Context) (string, error) {
			calls++
			return "", transient
		})
		if !errors.Is(err, transient) || calls != 2 {
			t.Errorf("Retry() error = %v after %d calls", err, calls)
		}
	})
}
