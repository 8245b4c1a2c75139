package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Pooled connections to a plain :memory: DSN each get their own database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{sqlStore{
		db: db,
		upsert: `INSERT INTO registrations (address, protocols, endpoints, attested_at, updated_at, expiry)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET protocols = excluded.protocols, endpoints = excluded.endpoints,
				attested_at = excluded.attested_at, updated_at = excluded.updated_at, expiry = excluded.expiry`,
	}}
	if err := s.migrate(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		sender TEXT NOT NULL,
		data TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_address ON envelopes(address, received_at)`,
	`CREATE TABLE IF NOT EXISTS registrations (
		address TEXT PRIMARY KEY,
		protocols TEXT NOT NULL DEFAULT '[]',
		endpoints TEXT NOT NULL DEFAULT '[]',
		attested_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expiry INTEGER NOT NULL
	)`,
}
