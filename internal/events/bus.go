// Package events provides a publish/subscribe bus for operational
// telemetry about the relay's own behavior, distinct from the
// protocol-level Subscription Registry in internal/relay, which fans
// out client-visible EVENT/CHANGES_EVENT frames. This bus carries
// internal signals (ingest outcomes, subscription churn, connection
// lifecycle) to observers such as internal/metrics. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks when telemetry is disabled.
package events

import (
	"sync"
	"time"
)

// Source constants identify which relay component published an event.
const (
	// SourceIngest identifies events from the ingest pipeline.
	SourceIngest = "ingest"
	// SourceSubscription identifies events from the subscription registry.
	SourceSubscription = "subscription"
	// SourceConnection identifies events from a connection handler.
	SourceConnection = "connection"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventAccepted signals a client EVENT was accepted (stored or
	// ephemeral). Data: kind, seq (0 if ephemeral), reason ("" on a
	// clean new commit, "duplicate: ..." otherwise).
	KindEventAccepted = "event_accepted"
	// KindEventRejected signals a client EVENT failed validation or
	// storage. Data: reason.
	KindEventRejected = "event_rejected"

	// KindSubscriptionOpened signals a REQ registered a subscription.
	// Data: sub_id, filter_count.
	KindSubscriptionOpened = "subscription_opened"
	// KindSubscriptionClosed signals a CLOSE removed a subscription.
	// Data: sub_id.
	KindSubscriptionClosed = "subscription_closed"
	// KindChangesSubOpened signals a CHANGES_SUB registered a
	// change-feed subscription. Data: sub_id, since.
	KindChangesSubOpened = "changes_sub_opened"
	// KindChangesSubClosed signals a CHANGES_UNSUB removed a change-feed
	// subscription. Data: sub_id.
	KindChangesSubClosed = "changes_sub_closed"

	// KindConnectionOpened signals a client connection was accepted.
	// Data: remote_addr.
	KindConnectionOpened = "connection_opened"
	// KindConnectionClosed signals a client connection was torn down.
	// Data: remote_addr.
	KindConnectionClosed = "connection_closed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
