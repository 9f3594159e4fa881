package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Schema is the authoritative sqlite schema for every store in this package.
const Schema = `
CREATE TABLE IF NOT EXISTS mod_configs (
	guild_id TEXT NOT NULL PRIMARY KEY,
	case_counter INTEGER NOT NULL DEFAULT 0,
	log_channel_id TEXT NOT NULL DEFAULT '',
	notify_on_action BOOLEAN NOT NULL DEFAULT 0,
	exempt_role_ids TEXT NOT NULL DEFAULT '[]',
	exempt_user_ids TEXT NOT NULL DEFAULT '[]',
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mod_cases (
	guild_id TEXT NOT NULL,
	case_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	mod_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	duration_ms INTEGER,
	expires_at INTEGER,
	active BOOLEAN NOT NULL DEFAULT 1,
	closed_at INTEGER,
	close_reason TEXT,
	channel_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (guild_id, case_id)
);

CREATE INDEX IF NOT EXISTS mod_cases_expiry_idx ON mod_cases (action, active, expires_at);
CREATE INDEX IF NOT EXISTS mod_cases_match_idx ON mod_cases (guild_id, action, subject_kind, subject_id, mod_id, created_at);
CREATE INDEX IF NOT EXISTS mod_cases_created_idx ON mod_cases (created_at);

CREATE TABLE IF NOT EXISTS case_edits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	case_id INTEGER NOT NULL,
	field TEXT NOT NULL,
	previous TEXT NOT NULL,
	next TEXT NOT NULL,
	edited_by TEXT NOT NULL,
	edited_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS case_edits_case_idx ON case_edits (guild_id, case_id);

CREATE TABLE IF NOT EXISTS temp_role_grants (
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role_id TEXT NOT NULL,
	granted_by TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	remove_on_expire BOOLEAN NOT NULL,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (guild_id, user_id, role_id)
);

CREATE INDEX IF NOT EXISTS temp_role_grants_expiry_idx ON temp_role_grants (expires_at);

CREATE TABLE IF NOT EXISTS case_flags (
	guild_id TEXT NOT NULL,
	case_id INTEGER NOT NULL,
	flag TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, case_id, flag)
);
`

// migrations bring databases created before a column existed up to Schema.
// They fail with "duplicate column name" on databases that already have it.
var migrations = []string{
	`ALTER TABLE mod_cases ADD COLUMN last_attempt_at INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE temp_role_grants ADD COLUMN last_attempt_at INTEGER NOT NULL DEFAULT 0`,
}

// Open connects to the sqlite database at path and ensures the schema exists.
// ":memory:" is accepted for tests.
func Open(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// One writer keeps the counter upsert and the in-memory test database on a
	// single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			db.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return db, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
