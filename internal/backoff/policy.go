// Package backoff computes retry delays for tool executions and transport
// reconnects.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential backoff with jitter. Attempt numbers start
// at 1; attempt n waits Initial * Factor^(n-1), plus up to Jitter of that,
// capped at Max.
type Policy struct {
	Initial time.Duration `yaml:"initial" json:"initial"`
	Max     time.Duration `yaml:"max" json:"max"`
	Factor  float64       `yaml:"factor" json:"factor"`
	Jitter  float64       `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy waits 200ms, 400ms, 800ms... up to 5s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(total).Round(time.Millisecond)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait sleeps for the delay of the given attempt.
func Wait(ctx context.Context, p Policy, attempt int) error {
	return Sleep(ctx, p.Delay(attempt))
}

// Retry calls fn until it succeeds, maxAttempts is reached, retryable reports
// false or ctx ends. It returns the last result and error.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == maxAttempts || (retryable != nil && !retryable(err)) {
			break
		}
		if sleepErr := Wait(ctx, p, attempt); sleepErr != nil {
			return result, err
		}
	}
	return result, err
}
