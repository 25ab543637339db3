// Package store provides the relay's persistent, indexed event
// repository: a single SQLite database assigning a global monotonic
// sequence to every inserted event, with a secondary tag index and
// query, change-scan, and purge operations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/eventrelay/internal/relay"
)

// Store wraps an already-opened *sql.DB (mattn/go-sqlite3 in production,
// modernc.org/sqlite in tests) with the relay's schema and query
// surface. Mutating operations are serialized with writeMu: SQLite
// itself does not support concurrent writers, and id-uniqueness /
// replaceable-singleton / seq-assignment races must be impossible, so
// every mutating method takes the lock for its entire transaction
// rather than relying on database-level locking alone.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open wraps db with the relay schema, creating tables/indices if they
// do not already exist.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ingest applies retention policy to e, already validated and
// classified as kind, inside a single transaction so that id
// uniqueness, replaceable/addressable singletons, and seq assignment
// are race-free with respect to concurrent ingests. Ephemeral events
// must be handled by the caller before reaching Ingest (Store never
// persists them).
func (s *Store) Ingest(e *relay.Event, kind relay.Kind) (relay.StoreOutcome, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return relay.StoreOutcome{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Step 2: id uniqueness / duplicate.
	if existingSeq, ok, err := seqByID(tx, e.ID); err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	} else if ok {
		return relay.StoreOutcome{Accepted: true, Reason: "duplicate: already have this event", Seq: existingSeq}, nil
	}

	switch kind {
	case relay.KindPurge:
		return s.ingestPurge(tx, e)
	case relay.KindReplaceable:
		return s.ingestReplaceable(tx, e)
	case relay.KindAddressable:
		return s.ingestAddressable(tx, e)
	default: // KindSyncable, KindRegular
		seq, err := insertEvent(tx, e)
		if err != nil {
			return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
		}
		if err := tx.Commit(); err != nil {
			return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
		}
		return relay.StoreOutcome{Accepted: true, Seq: seq}, nil
	}
}

func (s *Store) ingestPurge(tx *sql.Tx, e *relay.Event) (relay.StoreOutcome, error) {
	d, hasD := e.FirstTag("d")
	kStr, hasK := e.FirstTag("k")
	if !hasD || d == "" {
		return relay.StoreOutcome{Accepted: false, Reason: "invalid: purge event missing d tag"}, nil
	}
	if !hasK {
		return relay.StoreOutcome{Accepted: false, Reason: "invalid: purge event missing k tag"}, nil
	}
	parsedK, err := strconv.Atoi(kStr)
	if err != nil || !relay.IsSyncableKind(parsedK) {
		return relay.StoreOutcome{Accepted: false, Reason: "invalid: purge k tag must name a syncable kind"}, nil
	}

	if err := deleteDocument(tx, e.PubKey, parsedK, d); err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}

	seq, err := insertEvent(tx, e)
	if err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	if err := tx.Commit(); err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	return relay.StoreOutcome{Accepted: true, Seq: seq}, nil
}

func (s *Store) ingestReplaceable(tx *sql.Tx, e *relay.Event) (relay.StoreOutcome, error) {
	existing, ok, err := getByPubkeyKind(tx, e.PubKey, e.Kind)
	if err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	if ok {
		if replaceableWins(existing.Event, *e) {
			return relay.StoreOutcome{Accepted: true, Reason: "duplicate: have a newer version of this replaceable event", Seq: existing.Seq}, nil
		}
		if err := deleteByID(tx, existing.Event.ID); err != nil {
			return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
		}
	}
	seq, err := insertEvent(tx, e)
	if err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	if err := tx.Commit(); err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	return relay.StoreOutcome{Accepted: true, Seq: seq}, nil
}

func (s *Store) ingestAddressable(tx *sql.Tx, e *relay.Event) (relay.StoreOutcome, error) {
	d := e.DTagValue()
	existing, ok, err := getByPubkeyKindD(tx, e.PubKey, e.Kind, d)
	if err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	if ok {
		if replaceableWins(existing.Event, *e) {
			return relay.StoreOutcome{Accepted: true, Reason: "duplicate: have a newer version of this addressable event", Seq: existing.Seq}, nil
		}
		if err := deleteByID(tx, existing.Event.ID); err != nil {
			return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
		}
	}
	seq, err := insertEvent(tx, e)
	if err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	if err := tx.Commit(); err != nil {
		return relay.StoreOutcome{Accepted: false, Reason: fmt.Sprintf("error: %v", err)}, nil
	}
	return relay.StoreOutcome{Accepted: true, Seq: seq}, nil
}

// replaceableWins reports whether existing beats incoming under the
// tuple order (created_at desc, id asc): the "smaller" tuple wins.
// true means existing should be kept and incoming discarded.
func replaceableWins(existing, incoming relay.Event) bool {
	if existing.CreatedAt != incoming.CreatedAt {
		return existing.CreatedAt > incoming.CreatedAt
	}
	return existing.ID < incoming.ID
}

// insertEvent assigns the next seq, inserts the event row, and
// materializes its tag index entries. Must run inside tx.
func insertEvent(tx *sql.Tx, e *relay.Event) (int64, error) {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(`
		INSERT INTO events (id, pubkey, created_at, kind, tags_json, content, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PubKey, e.CreatedAt, e.Kind, string(tagsJSON), e.Content, e.Sig)
	if err != nil {
		return 0, err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, entry := range e.IndexableTagEntries() {
		if _, err := tx.Exec(`
			INSERT INTO event_tags (event_id, tag_name, tag_value) VALUES (?, ?, ?)
		`, e.ID, entry[0], entry[1]); err != nil {
			return 0, err
		}
	}

	return seq, nil
}

func deleteByID(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(`DELETE FROM event_tags WHERE event_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM events WHERE id = ?`, id)
	return err
}

// deleteDocument removes every stored event matching (pubkey, kind, d),
// cascading their tag index entries.
func deleteDocument(tx *sql.Tx, pubkey string, kind int, d string) error {
	rows, err := tx.Query(`
		SELECT e.id FROM events e
		WHERE e.pubkey = ? AND e.kind = ?
		AND EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.tag_name = 'd' AND t.tag_value = ?)
	`, pubkey, kind, d)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := deleteByID(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func seqByID(tx *sql.Tx, id string) (int64, bool, error) {
	var seq int64
	err := tx.QueryRow(`SELECT seq FROM events WHERE id = ?`, id).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func getByPubkeyKind(tx *sql.Tx, pubkey string, kind int) (relay.StoredEvent, bool, error) {
	row := tx.QueryRow(`
		SELECT seq, id, pubkey, created_at, kind, tags_json, content, sig
		FROM events WHERE pubkey = ? AND kind = ?
	`, pubkey, kind)
	return scanOne(row)
}

func getByPubkeyKindD(tx *sql.Tx, pubkey string, kind int, d string) (relay.StoredEvent, bool, error) {
	row := tx.QueryRow(`
		SELECT e.seq, e.id, e.pubkey, e.created_at, e.kind, e.tags_json, e.content, e.sig
		FROM events e
		WHERE e.pubkey = ? AND e.kind = ?
		AND EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.tag_name = 'd' AND t.tag_value = ?)
	`, pubkey, kind, d)
	return scanOne(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (relay.StoredEvent, bool, error) {
	var se relay.StoredEvent
	var tagsJSON string
	err := row.Scan(&se.Seq, &se.Event.ID, &se.Event.PubKey, &se.Event.CreatedAt, &se.Event.Kind, &tagsJSON, &se.Event.Content, &se.Event.Sig)
	if err == sql.ErrNoRows {
		return relay.StoredEvent{}, false, nil
	}
	if err != nil {
		return relay.StoredEvent{}, false, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &se.Event.Tags); err != nil {
		return relay.StoredEvent{}, false, err
	}
	return se, true, nil
}

// Get returns the stored event with the given id, or nil if absent.
func (s *Store) Get(id string) (*relay.Event, error) {
	row := s.db.QueryRow(`
		SELECT seq, id, pubkey, created_at, kind, tags_json, content, sig
		FROM events WHERE id = ?
	`, id)
	se, ok, err := scanOne(row)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &se.Event, nil
}

// Delete removes the event and cascades its tag index entries.
func (s *Store) Delete(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteByID(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeDocument removes every stored event matching (pubkey, kind,
// docID) and reports how many were deleted.
func (s *Store) PurgeDocument(pubkey string, kind int, docID string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM events e
		WHERE e.pubkey = ? AND e.kind = ?
		AND EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.tag_name = 'd' AND t.tag_value = ?)
	`, pubkey, kind, docID).Scan(&count); err != nil {
		return 0, err
	}

	if err := deleteDocument(tx, pubkey, kind, docID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// LastSeq returns the max assigned seq, or 0 if none.
func (s *Store) LastSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Query executes each filter's SELECT, unions results by id, and sorts
// the union by (created_at desc, id asc).
func (s *Store) Query(filters []relay.Filter) ([]relay.Event, error) {
	byID := make(map[string]relay.Event)
	order := []string{}

	for _, f := range filters {
		events, err := s.queryOne(f)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if _, seen := byID[e.ID]; !seen {
				order = append(order, e.ID)
			}
			byID[e.ID] = e
		}
	}

	result := make([]relay.Event, 0, len(order))
	for _, id := range order {
		result = append(result, byID[id])
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Store) queryOne(f relay.Filter) ([]relay.Event, error) {
	var where []string
	var args []any

	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		args = append(args, toAny(f.IDs)...)
	}
	if len(f.Authors) > 0 {
		where = append(where, "pubkey IN ("+placeholders(len(f.Authors))+")")
		args = append(args, toAny(f.Authors)...)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.Until)
	}

	letters := make([]string, 0, len(f.Tags))
	for letter := range f.Tags {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	for _, letter := range letters {
		values := f.Tags[letter]
		if len(values) == 0 {
			continue
		}
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND t.tag_name = ? AND t.tag_value IN (%s))",
			placeholders(len(values)),
		))
		args = append(args, letter)
		args = append(args, toAny(values)...)
	}

	query := "SELECT seq, id, pubkey, created_at, kind, tags_json, content, sig FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []relay.Event
	for rows.Next() {
		se, ok, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, se.Event)
		}
	}
	return events, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// ChangesOptions filters a change-feed scan by kind/author.
type ChangesOptions struct {
	Limit   int
	Kinds   []int
	Authors []string
}

// ChangesResult is the one-shot CHANGES response shape.
type ChangesResult struct {
	Changes []relay.StoredEvent
	LastSeq int64
}

// QueryChanges returns events with seq > sinceSeq matching opts, in
// ascending seq order. LastSeq is the highest seq among returned
// changes if any, otherwise the relay's global LastSeq(), so that a
// client whose filter matches nothing still advances its cursor.
func (s *Store) QueryChanges(sinceSeq int64, opts ChangesOptions) (ChangesResult, error) {
	var where []string
	args := []any{sinceSeq}
	where = append(where, "seq > ?")

	if len(opts.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(opts.Kinds))+")")
		for _, k := range opts.Kinds {
			args = append(args, k)
		}
	}
	if len(opts.Authors) > 0 {
		where = append(where, "pubkey IN ("+placeholders(len(opts.Authors))+")")
		args = append(args, toAny(opts.Authors)...)
	}

	query := "SELECT seq, id, pubkey, created_at, kind, tags_json, content, sig FROM events WHERE " + strings.Join(where, " AND ") + " ORDER BY seq ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	// The global fallback is read before the scan: a matching event
	// committed after this read either shows up in the scan or has a seq
	// above the reported LastSeq, so it is never reported as covered
	// without having been returned.
	globalLast, err := s.LastSeq()
	if err != nil {
		return ChangesResult{}, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return ChangesResult{}, err
	}
	defer rows.Close()

	var result ChangesResult
	for rows.Next() {
		se, ok, err := scanOne(rows)
		if err != nil {
			return ChangesResult{}, err
		}
		if ok {
			result.Changes = append(result.Changes, se)
		}
	}
	if err := rows.Err(); err != nil {
		return ChangesResult{}, err
	}

	if len(result.Changes) > 0 {
		result.LastSeq = result.Changes[len(result.Changes)-1].Seq
	} else {
		result.LastSeq = globalLast
	}

	return result, nil
}
