package sqlstore

import (
	"context"

	"go.mau.fi/util/dbutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	inserted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS room_external_bindings (
	channel TEXT NOT NULL,
	bridge_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	PRIMARY KEY (channel, bridge_id, external_id)
);
CREATE INDEX IF NOT EXISTS room_external_bindings_room
	ON room_external_bindings (room_id);

CREATE TABLE IF NOT EXISTS participants (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	inserted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participant_external_ids (
	channel TEXT NOT NULL,
	external_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	PRIMARY KEY (channel, external_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	bridge_id TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	reply_to_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	inserted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room ON messages (room_id);
CREATE UNIQUE INDEX IF NOT EXISTS messages_external
	ON messages (channel, bridge_id, external_id)
	WHERE external_id <> '';

CREATE TABLE IF NOT EXISTS room_bindings (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	bridge_id TEXT NOT NULL,
	external_room_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 1,
	inserted_at INTEGER NOT NULL,
	UNIQUE (channel, bridge_id, external_room_id)
);
CREATE INDEX IF NOT EXISTS room_bindings_room ON room_bindings (room_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	instance TEXT NOT NULL DEFAULT '',
	request TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	diagnostics TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	replay_attempts INTEGER NOT NULL DEFAULT 0,
	response TEXT NOT NULL DEFAULT 'null',
	inserted_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_status ON dead_letters (status);
`

// Init creates the schema. Idempotent.
func Init(ctx context.Context, db *dbutil.Database) error {
	_, err := db.Exec(ctx, schema)
	return err
}
