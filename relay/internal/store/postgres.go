package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgres connects to PostgreSQL and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{sqlStore{
		db:       db,
		numbered: true,
		upsert: `INSERT INTO registrations (address, protocols, endpoints, attested_at, updated_at, expiry)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (address) DO UPDATE SET protocols = EXCLUDED.protocols, endpoints = EXCLUDED.endpoints,
				attested_at = EXCLUDED.attested_at, updated_at = EXCLUDED.updated_at, expiry = EXCLUDED.expiry`,
	}}
	if err := s.migrate(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		sender TEXT NOT NULL,
		data TEXT NOT NULL,
		received_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_address ON envelopes(address, received_at)`,
	`CREATE TABLE IF NOT EXISTS registrations (
		address TEXT PRIMARY KEY,
		protocols TEXT NOT NULL DEFAULT '[]',
		endpoints TEXT NOT NULL DEFAULT '[]',
		attested_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		expiry BIGINT NOT NULL
	)`,
}
