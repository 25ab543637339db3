package store

// schema is an events table keyed by an auto-increment seq (the sole
// change-feed cursor) plus an event_tags table materializing indexable
// tags, with secondary indices matching the query shapes the Store
// needs to serve.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	pubkey TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	tags_json TEXT NOT NULL,
	content TEXT NOT NULL,
	sig TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind_pubkey ON events(kind, pubkey);
CREATE INDEX IF NOT EXISTS idx_events_kind_pubkey_created ON events(kind, pubkey, created_at);

CREATE TABLE IF NOT EXISTS event_tags (
	event_id TEXT NOT NULL,
	tag_name TEXT NOT NULL,
	tag_value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(tag_name, tag_value);
CREATE INDEX IF NOT EXISTS idx_event_tags_event_id ON event_tags(event_id);
`
