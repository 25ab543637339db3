// Package transport implements the connection handler: parsing client
// frames, dispatching to command handlers, and serializing responses
// over a framed duplex WebSocket connection.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/eventrelay/internal/events"
	"github.com/nugget/eventrelay/internal/relay"
	"github.com/nugget/eventrelay/internal/store"
)

// outboxSize bounds the per-connection buffered write queue. Broadcast
// deliveries must never block the broadcaster for long, so
// DeliverEvent/DeliverChangesEvent send non-blocking and drop on
// overflow; command responses send with a short grace period since
// they correspond to a request the client is actively waiting on.
const outboxSize = 256

// QueryStore is the subset of *store.Store the connection handler
// needs for REQ/CHANGES/LASTSEQ, narrowed for testability.
type QueryStore interface {
	Query(filters []relay.Filter) ([]relay.Event, error)
	QueryChanges(sinceSeq int64, opts store.ChangesOptions) (store.ChangesResult, error)
	LastSeq() (int64, error)
}

// Connection is one client's framed duplex session: it owns the
// WebSocket, dispatches inbound commands, and implements
// relay.Subscriber so the Registry/Broadcaster can deliver to it.
type Connection struct {
	id       string
	conn     *websocket.Conn
	pipeline *relay.Pipeline
	store    QueryStore
	registry *relay.Registry
	logger   *slog.Logger
	bus      *events.Bus

	outbox chan []any
	done   chan struct{}
}

// NewConnection wraps an upgraded WebSocket connection. Call Serve to
// run its read loop; Serve registers and unregisters the connection
// with registry on entry/exit.
func NewConnection(conn *websocket.Conn, pipeline *relay.Pipeline, st QueryStore, registry *relay.Registry, logger *slog.Logger, bus *events.Bus) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:       uuid.NewString(),
		conn:     conn,
		pipeline: pipeline,
		store:    st,
		registry: registry,
		logger:   logger,
		bus:      bus,
		outbox:   make(chan []any, outboxSize),
		done:     make(chan struct{}),
	}
}

// Serve runs the write pump and read loop until the connection closes
// or ctx is done. It registers the connection with the registry on
// entry and unregisters (removing all subscriptions) on exit.
func (c *Connection) Serve(ctx context.Context) {
	c.registry.Register(c)
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceConnection, Kind: events.KindConnectionOpened, Data: map[string]any{"remote_addr": c.conn.RemoteAddr().String()}})

	defer func() {
		c.registry.Unregister(c)
		close(c.done)
		c.conn.Close()
		c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceConnection, Kind: events.KindConnectionClosed, Data: map[string]any{"remote_addr": c.conn.RemoteAddr().String()}})
	}()

	go c.writePump(ctx)
	c.readLoop(ctx)
}

// writePump is the sole goroutine that calls conn.WriteJSON, so frame
// bytes from command responses and broadcast deliveries never
// interleave on the wire.
func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed, closing connection", "conn_id", c.id, "error", err)
				return
			}
		}
	}
}

// send enqueues a response frame, blocking briefly if the outbox is
// full. Used for direct command responses (OK, EOSE, CLOSED, NOTICE,
// CHANGES, LASTSEQ, CHANGES_EOSE) which correspond to a request the
// client is actively waiting on, unlike broadcast deliveries.
func (c *Connection) send(frame []any) {
	select {
	case c.outbox <- frame:
	case <-time.After(5 * time.Second):
		c.logger.Warn("outbox full, dropping response frame", "conn_id", c.id)
	case <-c.done:
	}
}

// DeliverEvent implements relay.Subscriber. It must not block the
// caller for long: a full outbox drops the frame rather than stalling
// every other connection's delivery.
func (c *Connection) DeliverEvent(subID string, e *relay.Event) {
	select {
	case c.outbox <- []any{"EVENT", subID, e}:
	default:
		c.logger.Warn("outbox full, dropping EVENT delivery", "conn_id", c.id, "sub_id", subID)
	}
}

// DeliverChangesEvent implements relay.Subscriber.
func (c *Connection) DeliverChangesEvent(subID string, seq int64, e *relay.Event) {
	select {
	case c.outbox <- []any{"CHANGES_EVENT", subID, changesEventPayload{Seq: seq, Event: e}}:
	default:
		c.logger.Warn("outbox full, dropping CHANGES_EVENT delivery", "conn_id", c.id, "sub_id", subID)
	}
}

type changesEventPayload struct {
	Seq   int64        `json:"seq"`
	Event *relay.Event `json:"event"`
}

// readLoop reads and dispatches frames in arrival order. Each command
// is handled to completion before the next frame is read, so
// per-connection ordering is automatic.
func (c *Connection) readLoop(ctx context.Context) {
	for {
		var raw []json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			switch err.(type) {
			case *json.UnmarshalTypeError:
				c.notice("malformed frame: expected a JSON array")
				continue
			case *json.SyntaxError:
				// The rest of the bad message is discarded by the next
				// NextReader call inside ReadJSON.
				c.notice("malformed frame: " + err.Error())
				continue
			}
			// Any other read error (EOF, connection reset, protocol
			// violation) ends the session; transport-level errors are
			// not recoverable per-frame.
			return
		}
		if len(raw) == 0 {
			c.notice("malformed frame: empty array")
			continue
		}

		var cmd string
		if err := json.Unmarshal(raw[0], &cmd); err != nil {
			c.notice("malformed frame: first element must be a command name string")
			continue
		}

		c.dispatch(ctx, cmd, raw[1:])
	}
}

func (c *Connection) notice(text string) {
	c.send([]any{"NOTICE", text})
}

func (c *Connection) dispatch(ctx context.Context, cmd string, args []json.RawMessage) {
	switch cmd {
	case "EVENT":
		c.handleEvent(ctx, args)
	case "REQ":
		c.handleReq(args)
	case "CLOSE":
		c.handleClose(args)
	case "CHANGES":
		c.handleChanges(args)
	case "LASTSEQ":
		c.handleLastSeq(args)
	case "CHANGES_SUB":
		c.handleChangesSub(args)
	case "CHANGES_UNSUB":
		c.handleChangesUnsub(args)
	default:
		c.notice(fmt.Sprintf("unknown command: %s", cmd))
	}
}

func (c *Connection) handleEvent(ctx context.Context, args []json.RawMessage) {
	if len(args) != 1 {
		c.notice("EVENT requires exactly one argument")
		return
	}
	var e relay.Event
	if err := json.Unmarshal(args[0], &e); err != nil {
		c.send([]any{"OK", "", false, "invalid: malformed event: " + err.Error()})
		return
	}

	// Pipeline.Submit's onAccept hook (wired once at startup in
	// cmd/relay/main.go) performs the registry broadcast synchronously
	// before Submit returns; the handler here only needs to answer this
	// connection's OK frame, not re-publish.
	result := c.pipeline.Submit(ctx, &e)
	c.send([]any{"OK", result.Event.ID, result.Accepted, result.Reason})

	if result.Accepted {
		c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceIngest, Kind: events.KindEventAccepted, Data: map[string]any{"kind": result.Event.Kind, "seq": result.Seq, "reason": result.Reason}})
	} else {
		c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceIngest, Kind: events.KindEventRejected, Data: map[string]any{"reason": result.Reason}})
	}
}

func (c *Connection) handleReq(args []json.RawMessage) {
	if len(args) < 2 {
		c.notice("REQ requires a subscription id and at least one filter")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil {
		c.notice("REQ subscription id must be a string")
		return
	}
	if len(subID) < 1 || len(subID) > 64 {
		c.send([]any{"CLOSED", subID, "invalid: subscription id must be 1-64 characters"})
		return
	}

	filters := make([]relay.Filter, 0, len(args)-1)
	for _, raw := range args[1:] {
		var f relay.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.send([]any{"CLOSED", subID, "invalid: malformed filter: " + err.Error()})
			return
		}
		if err := f.ValidateShape(); err != nil {
			c.send([]any{"CLOSED", subID, err.Error()})
			return
		}
		filters = append(filters, f)
	}

	c.registry.Subscribe(c, subID, filters)
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSubscription, Kind: events.KindSubscriptionOpened, Data: map[string]any{"sub_id": subID, "filter_count": len(filters)}})

	results, err := c.store.Query(filters)
	if err != nil {
		c.logger.Error("query failed", "conn_id", c.id, "sub_id", subID, "error", err)
		c.send([]any{"EOSE", subID})
		return
	}
	for i := range results {
		c.send([]any{"EVENT", subID, &results[i]})
	}
	c.send([]any{"EOSE", subID})
}

func (c *Connection) handleClose(args []json.RawMessage) {
	if len(args) != 1 {
		c.notice("CLOSE requires exactly one argument")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil {
		c.notice("CLOSE subscription id must be a string")
		return
	}
	c.registry.Unsubscribe(c, subID)
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSubscription, Kind: events.KindSubscriptionClosed, Data: map[string]any{"sub_id": subID}})
}

type changesOptionsWire struct {
	Since   *int64   `json:"since"`
	Limit   int      `json:"limit"`
	Kinds   []int    `json:"kinds"`
	Authors []string `json:"authors"`
}

func (c *Connection) handleChanges(args []json.RawMessage) {
	if len(args) != 1 {
		c.notice("CHANGES requires exactly one argument")
		return
	}
	var opts changesOptionsWire
	if err := json.Unmarshal(args[0], &opts); err != nil {
		c.notice("CHANGES options malformed: " + err.Error())
		return
	}
	var since int64
	if opts.Since != nil {
		since = *opts.Since
	}

	result, err := c.store.QueryChanges(since, store.ChangesOptions{Limit: opts.Limit, Kinds: opts.Kinds, Authors: opts.Authors})
	if err != nil {
		c.logger.Error("changes query failed", "conn_id", c.id, "error", err)
		c.notice("error: " + err.Error())
		return
	}

	type changeItem struct {
		Seq   int64        `json:"seq"`
		Event *relay.Event `json:"event"`
	}
	changes := make([]changeItem, len(result.Changes))
	for i := range result.Changes {
		changes[i] = changeItem{Seq: result.Changes[i].Seq, Event: &result.Changes[i].Event}
	}

	payload := map[string]any{"changes": changes, "lastSeq": result.LastSeq}
	c.send([]any{"CHANGES", payload})
}

func (c *Connection) handleLastSeq(args []json.RawMessage) {
	if len(args) != 0 {
		c.notice("LASTSEQ takes no arguments")
		return
	}
	seq, err := c.store.LastSeq()
	if err != nil {
		c.logger.Error("lastSeq failed", "conn_id", c.id, "error", err)
		c.notice("error: " + err.Error())
		return
	}
	c.send([]any{"LASTSEQ", seq})
}

// handleChangesSub registers a change-feed subscription and replays
// persisted changes before emitting CHANGES_EOSE.
// The subscription is registered in buffering mode (relay.Registry
// holds matching live events in memory instead of delivering them)
// before the replay query runs, then FlushChangesReplay forwards only
// the events the replay scan's snapshot didn't already cover; see
// relay.Registry.FlushChangesReplay for why this is exactly-once
// rather than best-effort.
func (c *Connection) handleChangesSub(args []json.RawMessage) {
	if len(args) != 2 {
		c.notice("CHANGES_SUB requires a subscription id and options")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil {
		c.notice("CHANGES_SUB subscription id must be a string")
		return
	}
	if len(subID) < 1 || len(subID) > 64 {
		c.send([]any{"CLOSED", subID, "invalid: subscription id must be 1-64 characters"})
		return
	}
	var opts changesOptionsWire
	if err := json.Unmarshal(args[1], &opts); err != nil {
		c.send([]any{"CLOSED", subID, "invalid: malformed options: " + err.Error()})
		return
	}
	var since int64
	if opts.Since != nil {
		since = *opts.Since
	}

	// Buffer live deliveries from this point forward so the replay scan
	// below can't race with them; FlushChangesReplay reconciles the two
	// once the scan's snapshot seq is known.
	c.registry.SubscribeChangesBuffered(c, subID, since, opts.Kinds, opts.Authors)
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSubscription, Kind: events.KindChangesSubOpened, Data: map[string]any{"sub_id": subID, "since": since}})

	result, err := c.store.QueryChanges(since, store.ChangesOptions{Kinds: opts.Kinds, Authors: opts.Authors})
	if err != nil {
		c.logger.Error("changes replay failed", "conn_id", c.id, "sub_id", subID, "error", err)
		c.registry.FlushChangesReplay(c, subID, since)
		c.send([]any{"CHANGES_EOSE", subID, map[string]any{"lastSeq": since}})
		return
	}
	for i := range result.Changes {
		c.send([]any{"CHANGES_EVENT", subID, changesEventPayload{Seq: result.Changes[i].Seq, Event: &result.Changes[i].Event}})
	}
	c.registry.FlushChangesReplay(c, subID, result.LastSeq)
	c.send([]any{"CHANGES_EOSE", subID, map[string]any{"lastSeq": result.LastSeq}})
}

func (c *Connection) handleChangesUnsub(args []json.RawMessage) {
	if len(args) != 1 {
		c.notice("CHANGES_UNSUB requires exactly one argument")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil {
		c.notice("CHANGES_UNSUB subscription id must be a string")
		return
	}
	c.registry.UnsubscribeChanges(c, subID)
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSubscription, Kind: events.KindChangesSubClosed, Data: map[string]any{"sub_id": subID}})
}
