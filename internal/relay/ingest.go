package relay

import (
	"context"
	"sync"
	"time"
)

// IngestResult is the pipeline's outward-facing acknowledgement for
// one submitted event.
type IngestResult struct {
	Accepted bool
	Reason   string
	Seq      int64 // 0 when not persisted (ephemeral, or rejected)
	Event    *Event
}

// StoreOutcome is the persistence layer's verdict for one ingest.
// Defined here (not in internal/store) so that
// internal/store can depend on internal/relay without creating an
// import cycle back from relay to store.
type StoreOutcome struct {
	Accepted bool
	Reason   string
	Seq      int64
}

// EventStore is the subset of *store.Store the pipeline depends on,
// narrowed for testability.
type EventStore interface {
	Ingest(e *Event, kind Kind) (StoreOutcome, error)
}

// Pipeline validates, classifies, and applies retention policy to
// inbound events. It is the only component allowed to call
// Store.Ingest; everything upstream (transport) only ever calls
// Pipeline.Submit.
type Pipeline struct {
	store     EventStore
	validator *Validator
	pool      *VerifyPool
	onAccept  func(e *Event, seq int64)

	// commitMu serializes the commit+broadcast section so that events
	// are published in seq order: the store alone serializes commits,
	// but without holding a lock across commit and fan-out, two
	// concurrent submits could publish in the opposite order to their
	// assigned seqs. Signature verification runs outside this lock.
	commitMu sync.Mutex
}

// NewPipeline constructs a Pipeline. onAccept is invoked after a
// successful ingest (persisted or ephemeral) for broadcast fan-out; it
// runs synchronously on the caller's goroutine. pool may be
// nil, in which case signature verification runs inline.
func NewPipeline(st EventStore, validator *Validator, pool *VerifyPool, onAccept func(e *Event, seq int64)) *Pipeline {
	return &Pipeline{store: st, validator: validator, pool: pool, onAccept: onAccept}
}

// Submit runs the full ingest algorithm for one raw event: validate,
// classify, apply retention, broadcast on success.
func (p *Pipeline) Submit(ctx context.Context, raw *Event) IngestResult {
	valid, err := p.verify(ctx, raw)
	if err != nil {
		reason := err.Error()
		return IngestResult{Accepted: false, Reason: reason, Event: raw}
	}

	kind := Classify(valid.Kind)
	if kind == KindInvalid {
		return IngestResult{Accepted: false, Reason: "invalid: unknown kind", Event: valid}
	}

	if kind == KindEphemeral {
		if p.onAccept != nil {
			p.commitMu.Lock()
			p.onAccept(valid, 0)
			p.commitMu.Unlock()
		}
		return IngestResult{Accepted: true, Event: valid}
	}

	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	sres, err := p.store.Ingest(valid, kind)
	if err != nil {
		return IngestResult{Accepted: false, Reason: "error: " + err.Error(), Event: valid}
	}

	result := IngestResult{Accepted: sres.Accepted, Reason: sres.Reason, Seq: sres.Seq, Event: valid}

	// Broadcast only on a genuinely new commit, not on a duplicate /
	// superseded outcome.
	if sres.Accepted && sres.Reason == "" && p.onAccept != nil {
		p.onAccept(valid, sres.Seq)
	}

	return result
}

// verify runs validation, offloading signature verification to the
// worker pool when configured.
func (p *Pipeline) verify(ctx context.Context, raw *Event) (*Event, error) {
	now := time.Now()
	if p.pool != nil {
		return p.pool.Verify(ctx, p.validator, raw, now)
	}
	return p.validator.Validate(raw, now)
}
