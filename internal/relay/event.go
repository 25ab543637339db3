// Package relay implements the event validation, classification, filter
// matching, and ingest pipeline at the heart of the relay. Storage and
// transport concerns live in the sibling internal/store and
// internal/transport packages; this package is deliberately free of I/O.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Event is the immutable, signed unit of publication. Field order and
// json tags match the protocol's wire representation exactly.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// canonicalSerial holds the five fields (plus leading 0) that get
// hashed to produce an event's id. Its MarshalJSON emits them as an
// array in the fixed canonical order.
type canonicalSerial struct {
	zero      int
	pubkey    string
	createdAt int64
	kind      int
	tags      [][]string
	content   string
}

// MarshalJSON emits the canonical `[0, pubkey, created_at, kind, tags,
// content]` array with no extraneous whitespace, preserving tag order.
func (c canonicalSerial) MarshalJSON() ([]byte, error) {
	tags := c.tags
	if tags == nil {
		tags = [][]string{}
	}
	return json.Marshal([]any{c.zero, c.pubkey, c.createdAt, c.kind, tags, c.content})
}

// CanonicalBytes returns the exact byte sequence that is SHA-256 hashed
// to produce the event's id.
func (e *Event) CanonicalBytes() ([]byte, error) {
	cs := canonicalSerial{
		zero:      0,
		pubkey:    e.PubKey,
		createdAt: e.CreatedAt,
		kind:      e.Kind,
		tags:      e.Tags,
		content:   e.Content,
	}
	return json.Marshal(cs)
}

// ComputeID returns the lowercase-hex SHA-256 digest of the event's
// canonical serialization. It does not mutate or read e.ID.
func (e *Event) ComputeID() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// FirstTag returns the value of the first tag whose first element
// equals name, and true if found. Used for d/k tag lookups.
func (e *Event) FirstTag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 1 && t[0] == name && len(t) >= 2 {
			return t[1], true
		}
	}
	return "", false
}

// DTagValue returns the event's "d" tag value, or "" if absent. The
// empty string is itself a valid addressable-event key.
func (e *Event) DTagValue() string {
	v, _ := e.FirstTag("d")
	return v
}

// IndexableTagEntries returns the (name, value) pairs materialized into
// the tag index: single-letter ASCII tag names from the first two
// positions of each tag. Tags with fewer than two elements, or whose
// name is not a single ASCII letter, produce no entry.
func (e *Event) IndexableTagEntries() [][2]string {
	var out [][2]string
	for _, t := range e.Tags {
		if len(t) < 2 {
			continue
		}
		name := t[0]
		if len(name) != 1 {
			continue
		}
		c := name[0]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			continue
		}
		out = append(out, [2]string{name, t[1]})
	}
	return out
}

// Revision describes a syncable event's parsed "i" tag: generation and
// opaque hash. Parse failure yields Generation 0.
type Revision struct {
	Generation int
	Hash       string
}

// ParseRevision parses an "i" tag value of the form "{generation}-{hash}".
// On any parse failure, Generation is 0 and Hash is the raw value.
func ParseRevision(raw string) Revision {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '-' {
			genStr, hash := raw[:i], raw[i+1:]
			if gen, err := strconv.Atoi(genStr); err == nil && gen > 0 {
				return Revision{Generation: gen, Hash: hash}
			}
			return Revision{Generation: 0, Hash: raw}
		}
	}
	return Revision{Generation: 0, Hash: raw}
}

// StoredEvent pairs a persisted Event with its assigned sequence number.
type StoredEvent struct {
	Seq   int64
	Event Event
}
