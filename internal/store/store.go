// Package store persists the task engine's state in two SQLite databases:
// private.db (users, tasks, cached form geometry) and shared.db (courses,
// form templates, form tests, blobs). Embedded lists are JSON columns;
// timestamps are UTC unix milliseconds.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the private and shared databases.
type Store struct {
	private *sql.DB
	shared  *sql.DB
}

const privateSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	login TEXT UNIQUE,
	password TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	grade INTEGER,
	active INTEGER NOT NULL DEFAULT 1,
	errors TEXT NOT NULL DEFAULT '[]',
	last_fill_form_result TEXT,
	courses TEXT
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	next_run_at INTEGER NOT NULL,
	is_running INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	argument TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tasks_dispatch ON tasks (is_running, next_run_at);
CREATE TABLE IF NOT EXISTS form_geometry (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	requested_by TEXT NOT NULL DEFAULT '',
	geometry TEXT,
	auth_required INTEGER,
	screenshot_id TEXT NOT NULL DEFAULT '',
	response_status INTEGER,
	error TEXT NOT NULL DEFAULT '',
	grab_screenshot INTEGER NOT NULL DEFAULT 0
);
`

const sharedSchema = `
CREATE TABLE IF NOT EXISTS courses (
	id TEXT PRIMARY KEY,
	course_code TEXT NOT NULL UNIQUE,
	configuration_locked INTEGER NOT NULL DEFAULT 0,
	has_attendance_form INTEGER NOT NULL DEFAULT 1,
	form_url TEXT NOT NULL DEFAULT '',
	form_config_id TEXT NOT NULL DEFAULT '',
	known_slots TEXT NOT NULL DEFAULT '[]',
	teacher_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS forms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	sub_fields TEXT NOT NULL DEFAULT '[]',
	thumbnail_id TEXT NOT NULL DEFAULT '',
	is_default INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS form_tests (
	id TEXT PRIMARY KEY,
	requested_by TEXT NOT NULL DEFAULT '',
	course_config TEXT NOT NULL,
	time_executed INTEGER,
	is_scheduled INTEGER NOT NULL DEFAULT 0,
	in_progress INTEGER NOT NULL DEFAULT 0,
	is_finished INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '[]',
	fill_result TEXT
);
CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	data BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the private and shared databases under
// dir and applies the schema.
func Open(ctx context.Context, dir string) (*Store, error) {
	private, err := openDB(ctx, filepath.Join(dir, "private.db"), privateSchema)
	if err != nil {
		return nil, fmt.Errorf("open private db: %w", err)
	}
	shared, err := openDB(ctx, filepath.Join(dir, "shared.db"), sharedSchema)
	if err != nil {
		private.Close()
		return nil, fmt.Errorf("open shared db: %w", err)
	}
	return &Store{private: private, shared: shared}, nil
}

func openDB(ctx context.Context, path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes both databases.
func (s *Store) Close() error {
	err := s.private.Close()
	if err2 := s.shared.Close(); err == nil {
		err = err2
	}
	return err
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshal[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("unmarshal: %w", err)
	}
	return v, nil
}
