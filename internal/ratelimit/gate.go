package ratelimit

import (
	"context"
	"time"
)

type gate interface {
	kind() Kind
	acquire(ctx context.Context, cost int) (release func(), err error)
	status() GateStatus
}

func newGate(p Policy) gate {
	switch p.Kind {
	case KindConcurrency:
		return &concurrencyGate{limit: p.Limit, slots: make(chan struct{}, int(p.Limit))}
	case KindTokensPerMinute:
		return &bucketGate{policy: p, bucket: NewBucket(p.Limit), weighted: true}
	default:
		return &bucketGate{policy: p, bucket: NewBucket(p.Limit)}
	}
}

// concurrencyGate is a channel semaphore. Blocked senders are queued by the
// runtime, which gives roughly arrival-order admission.
type concurrencyGate struct {
	limit float64
	slots chan struct{}
}

func (g *concurrencyGate) kind() Kind { return KindConcurrency }

func (g *concurrencyGate) acquire(ctx context.Context, _ int) (func(), error) {
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *concurrencyGate) status() GateStatus {
	inFlight := len(g.slots)
	return GateStatus{
		Kind:      KindConcurrency,
		Limit:     g.limit,
		InFlight:  inFlight,
		Available: float64(cap(g.slots) - inFlight),
	}
}

// bucketGate admits calls against a per-minute token bucket. Request
// policies charge one token per call, token policies charge the estimate.
// Each caller reserves its cost on arrival and sleeps off the deficit, so a
// large request is never overtaken by smaller ones that arrive later.
type bucketGate struct {
	policy   Policy
	bucket   *Bucket
	weighted bool
}

func (g *bucketGate) kind() Kind { return g.policy.Kind }

func (g *bucketGate) acquire(ctx context.Context, cost int) (func(), error) {
	n := 1.0
	if g.weighted {
		n = float64(cost)
	}
	wait := g.bucket.Reserve(n)
	if wait <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		g.bucket.Cancel(n)
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (g *bucketGate) status() GateStatus {
	return GateStatus{
		Kind:      g.policy.Kind,
		Limit:     g.policy.Limit,
		Available: max(g.bucket.Tokens(), 0),
	}
}
