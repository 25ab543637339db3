// Package metrics aggregates the relay's own operational telemetry
// (internal/events.Bus subscriber) into lifetime counters served as
// JSON over an optional HTTP endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/eventrelay/internal/events"
)

// Counters is a copy-safe snapshot of the relay's lifetime counters.
type Counters struct {
	EventsAccepted      int64 `json:"events_accepted"`
	EventsDuplicate     int64 `json:"events_duplicate"`
	EventsRejected      int64 `json:"events_rejected"`
	SubscriptionsOpened int64 `json:"subscriptions_opened"`
	SubscriptionsClosed int64 `json:"subscriptions_closed"`
	ChangesSubsOpened   int64 `json:"changes_subs_opened"`
	ChangesSubsClosed   int64 `json:"changes_subs_closed"`
	ConnectionsOpened   int64 `json:"connections_opened"`
	ConnectionsClosed   int64 `json:"connections_closed"`
}

// Collector drains an events.Bus subscription and maintains lifetime
// counters. Construct with New, start with Run (blocks until ctx is
// done or the bus subscription is closed), and read Snapshot at any
// time from any goroutine.
type Collector struct {
	bus *events.Bus
	ch  <-chan events.Event

	mu       sync.Mutex
	counters Counters
}

// New returns a Collector subscribed to bus. The subscription is taken
// here rather than in Run, so events published between New and Run are
// buffered (up to 256) and counted once Run starts draining them.
// bus may be nil, in which case Run returns immediately and Snapshot
// always reports zero counters; the metrics endpoint is a no-op when
// telemetry is disabled.
func New(bus *events.Bus) *Collector {
	c := &Collector{bus: bus}
	if bus != nil {
		c.ch = bus.Subscribe(256)
	}
	return c
}

// Run processes events from the subscription taken by New until ctx is
// done, then unsubscribes. Intended to be run in its own goroutine from
// server startup.
func (c *Collector) Run(ctx context.Context) {
	if c.bus == nil {
		return
	}
	defer c.bus.Unsubscribe(c.ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-c.ch:
			if !ok {
				return
			}
			c.apply(e)
		}
	}
}

func (c *Collector) apply(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case events.KindEventAccepted:
		c.counters.EventsAccepted++
		if reason, _ := e.Data["reason"].(string); strings.HasPrefix(reason, "duplicate:") {
			c.counters.EventsDuplicate++
		}
	case events.KindEventRejected:
		c.counters.EventsRejected++
	case events.KindSubscriptionOpened:
		c.counters.SubscriptionsOpened++
	case events.KindSubscriptionClosed:
		c.counters.SubscriptionsClosed++
	case events.KindChangesSubOpened:
		c.counters.ChangesSubsOpened++
	case events.KindChangesSubClosed:
		c.counters.ChangesSubsClosed++
	case events.KindConnectionOpened:
		c.counters.ConnectionsOpened++
	case events.KindConnectionClosed:
		c.counters.ConnectionsClosed++
	}
}

// Snapshot returns a copy-safe view of the current counters.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Handler serves the current snapshot as JSON. Mounted on the metrics
// listener only when config enables it.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	})
}
