package relay

import (
	"context"
	"time"
)

// VerifyPool bounds concurrent signature verification so that a burst
// of EVENT submissions cannot saturate every core. Validation is
// CPU-bound; the pool caps how many run at once rather than queuing
// unboundedly behind a single worker.
type VerifyPool struct {
	sem chan struct{}
}

// NewVerifyPool returns a pool allowing at most workers concurrent
// Validate calls. workers <= 0 means unbounded (no pool).
func NewVerifyPool(workers int) *VerifyPool {
	if workers <= 0 {
		return nil
	}
	return &VerifyPool{sem: make(chan struct{}, workers)}
}

// Verify validates raw through the bounded pool, blocking until a slot
// is free or ctx is done.
func (p *VerifyPool) Verify(ctx context.Context, validator *Validator, raw *Event, now time.Time) (*Event, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	return validator.Validate(raw, now)
}
