// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenLocalDB opens the local durable storage substrate shared by the
// pending-write buffer and the snapshot cache. Use ":memory:" in tests.
func OpenLocalDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	// SQLite allows one writer at a time, and an in-memory database is
	// private to its connection; a single pooled connection covers both.
	db.SetMaxOpenConns(1)
	if err := initializeLocalDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// initializeLocalDB creates the sync metadata tables and enables WAL mode.
func initializeLocalDB(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Pending queue: one row per offline-created record, ordered by seq
		`CREATE TABLE IF NOT EXISTS pending_records (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type  TEXT NOT NULL,
			local_id     TEXT NOT NULL UNIQUE,
			record       TEXT NOT NULL, -- JSON payload captured at enqueue time
			queued_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Cold-start cache envelope, one row per data owner
		`CREATE TABLE IF NOT EXISTS snapshot_cache (
			owner_id   TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			saved_at   INTEGER NOT NULL, -- unix millis
			size_bytes INTEGER NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}
