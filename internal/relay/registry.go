package relay

import (
	"sort"
	"sync"
)

// Subscriber is anything the registry can deliver frames to. Connection
// implements this; tests can supply a fake. Delivery must never block
// the caller for long; implementations are expected to buffer or drop
// rather than stall the broadcaster.
type Subscriber interface {
	// DeliverEvent sends an EVENT frame for subID carrying e.
	DeliverEvent(subID string, e *Event)
	// DeliverChangesEvent sends a CHANGES_EVENT frame for subID.
	DeliverChangesEvent(subID string, seq int64, e *Event)
}

// connState holds one connection's live subscriptions.
type connState struct {
	sub        Subscriber
	filters    map[string][]Filter   // subscription id -> filters
	changeSubs map[string]*changeSub // change-feed sub id -> spec
}

// changeSub tracks one change-feed subscription. While buffering is
// true (between SubscribeChangesBuffered and FlushChangesReplay),
// Publish appends matching events to buffered instead of delivering
// them directly; see FlushChangesReplay for why this closes the
// replay/live race instead of just hoping it doesn't happen.
type changeSub struct {
	mu sync.Mutex

	since   int64
	kinds   []int
	authors []string

	buffering bool
	buffered  []StoredEvent
}

func (c *changeSub) matches(e *Event) bool {
	if len(c.kinds) > 0 && !containsInt(c.kinds, e.Kind) {
		return false
	}
	if len(c.authors) > 0 && !containsString(c.authors, e.PubKey) {
		return false
	}
	return true
}

// Registry is the shared, concurrent-safe map of every connection's
// active subscriptions, two-tier per connection: regular subscriptions
// and change-feed subscriptions. Connections are snapshotted under a
// read lock for broadcast, and a connection's own state is mutated only
// from that connection's own goroutine
// (REQ/CLOSE/CHANGES_SUB/CHANGES_UNSUB handling).
type Registry struct {
	mu    sync.RWMutex
	conns map[Subscriber]*connState
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[Subscriber]*connState)}
}

// Register adds a connection to the registry with no subscriptions.
// Safe to call more than once for the same Subscriber (no-op after the
// first).
func (r *Registry) Register(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[s]; ok {
		return
	}
	r.conns[s] = &connState{
		filters:    make(map[string][]Filter),
		changeSubs: make(map[string]*changeSub),
		sub:        s,
	}
}

// Unregister removes a connection and all its subscriptions, called on
// connection close.
func (r *Registry) Unregister(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, s)
}

// Subscribe replaces (or creates) subscription id on connection s with
// filters.
func (r *Registry) Subscribe(s Subscriber, id string, filters []Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[s]
	if !ok {
		return
	}
	cs.filters[id] = filters
}

// Unsubscribe removes subscription id from connection s. Silent if
// absent.
func (r *Registry) Unsubscribe(s Subscriber, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[s]
	if !ok {
		return
	}
	delete(cs.filters, id)
}

// SubscribeChangesBuffered registers a change-feed subscription in
// buffering mode: until FlushChangesReplay is called for the same id,
// Publish holds matching events in memory instead of delivering them.
// Callers replaying persisted changes must call this
// before running their replay query, then call FlushChangesReplay once
// the replay scan's snapshot seq is known; see FlushChangesReplay.
func (r *Registry) SubscribeChangesBuffered(s Subscriber, id string, since int64, kinds []int, authors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[s]
	if !ok {
		return
	}
	cs.changeSubs[id] = &changeSub{since: since, kinds: kinds, authors: authors, buffering: true}
}

// UnsubscribeChanges removes a change-feed subscription. Silent if
// absent.
func (r *Registry) UnsubscribeChanges(s Subscriber, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[s]
	if !ok {
		return
	}
	delete(cs.changeSubs, id)
}

// FlushChangesReplay ends the buffering window opened by
// SubscribeChangesBuffered. lastSeq is the snapshot seq the caller's
// replay scan used (store.ChangesResult.LastSeq): every persisted
// change with seq <= lastSeq is assumed already delivered by that
// scan, so only buffered events with seq > lastSeq are forwarded here,
// in seq order, before the subscription switches to direct live
// delivery.
//
// This is what makes CHANGES_SUB's replay-then-live handoff race-free:
// any event committed after SubscribeChangesBuffered and before the
// replay query's snapshot lands in both the replay results and the
// buffer, but its seq is <= lastSeq so it's dropped here; no
// duplicate. Any event committed after the snapshot lands only in the
// buffer, with seq > lastSeq, delivered exactly once, here. No window
// exists where an event could be missed by both paths, because
// buffering starts before the replay query runs.
func (r *Registry) FlushChangesReplay(s Subscriber, id string, lastSeq int64) {
	r.mu.RLock()
	cs, ok := r.conns[s]
	var cf *changeSub
	if ok {
		cf, ok = cs.changeSubs[id]
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	// Deliver the buffered backlog while still holding cf.mu, and only
	// then clear buffering: a concurrent Publish blocks on the lock
	// rather than slipping a newer live seq out ahead of the backlog.
	cf.mu.Lock()
	defer cf.mu.Unlock()

	pending := cf.buffered
	cf.buffered = nil
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	for _, se := range pending {
		if se.Seq <= lastSeq {
			continue
		}
		cs.sub.DeliverChangesEvent(id, se.Seq, &se.Event)
	}
	cf.buffering = false
}

// Publish fans out a successfully ingested event to every matching
// subscription:
//   - at most one EVENT delivery per connection for regular subs,
//     however many of that connection's subscriptions match;
//   - independently, every matching change-feed subscription on a
//     connection delivers (no per-connection cap);
//   - ephemeral events (seq == 0, hasSeq == false) never reach
//     change-feed subscriptions.
//
// The registry is enumerated under a read lock (snapshot iteration);
// delivery itself happens outside any lock the connection might also
// need, since Subscriber implementations own their own write
// synchronization.
func (r *Registry) Publish(e *Event, seq int64, hasSeq bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cs := range r.conns {
		for id, filters := range cs.filters {
			if Matches(e, filters) {
				cs.sub.DeliverEvent(id, e)
				break
			}
		}

		if !hasSeq {
			continue
		}
		for id, cf := range cs.changeSubs {
			if !cf.matches(e) {
				continue
			}
			cf.mu.Lock()
			if cf.buffering {
				cf.buffered = append(cf.buffered, StoredEvent{Seq: seq, Event: *e})
				cf.mu.Unlock()
				continue
			}
			cf.mu.Unlock()
			cs.sub.DeliverChangesEvent(id, seq, e)
		}
	}
}
