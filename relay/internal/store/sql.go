package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore holds the queries shared by both drivers. Queries are written
// with ? placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	numbered bool
	upsert   string
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) migrate(migrations []string) error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *sqlStore) PutEnvelope(ctx context.Context, e *Envelope) error {
	data, err := marshalColumn(e.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO envelopes (id, address, sender, data, received_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Address, e.Sender, data, toMillis(e.ReceivedAt), toMillis(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

func (s *sqlStore) ListEnvelopes(ctx context.Context, address string, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, address, sender, data, received_at, expires_at FROM envelopes
		 WHERE address = ? ORDER BY received_at, id LIMIT ?`), address, limit)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetEnvelope(ctx context.Context, address, id string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, address, sender, data, received_at, expires_at FROM envelopes WHERE address = ? AND id = ?`),
		address, id)
	e, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *sqlStore) DeleteEnvelope(ctx context.Context, address, id string) error {
	res, err := s.exec(ctx, `DELETE FROM envelopes WHERE address = ? AND id = ?`, address, id)
	if err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CountEnvelopes(ctx context.Context, address string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM envelopes WHERE address = ?`), address).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count envelopes: %w", err)
	}
	return n, nil
}

func (s *sqlStore) UpsertRegistration(ctx context.Context, r *Registration) error {
	protocols, err := marshalColumn(r.Protocols)
	if err != nil {
		return err
	}
	endpoints, err := marshalColumn(r.Endpoints)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.upsert,
		r.Address, protocols, endpoints, r.Timestamp, toMillis(r.UpdatedAt), toMillis(r.Expiry))
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRegistration(ctx context.Context, address string) (*Registration, error) {
	var (
		r                    Registration
		protocols, endpoints string
		updated, expiry      int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT address, protocols, endpoints, attested_at, updated_at, expiry FROM registrations WHERE address = ?`),
		address).Scan(&r.Address, &protocols, &endpoints, &r.Timestamp, &updated, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	if err := json.Unmarshal([]byte(protocols), &r.Protocols); err != nil {
		return nil, fmt.Errorf("decode protocols: %w", err)
	}
	if err := json.Unmarshal([]byte(endpoints), &r.Endpoints); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}
	r.UpdatedAt = fromMillis(updated)
	r.Expiry = fromMillis(expiry)
	return &r, nil
}

// PurgeEnvelopes removes envelopes past their expiry and envelopes without
// one received before receivedBefore.
func (s *sqlStore) PurgeEnvelopes(ctx context.Context, now, receivedBefore time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM envelopes WHERE (expires_at <> 0 AND expires_at <= ?) OR (expires_at = 0 AND received_at < ?)`,
		toMillis(now), toMillis(receivedBefore))
	if err != nil {
		return 0, fmt.Errorf("purge envelopes: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) PurgeRegistrations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM registrations WHERE expiry <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge registrations: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (*Envelope, error) {
	var (
		e                Envelope
		data             string
		received, expiry int64
	)
	if err := row.Scan(&e.ID, &e.Address, &e.Sender, &data, &received, &expiry); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &e.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", e.ID, err)
	}
	e.ReceivedAt = fromMillis(received)
	e.ExpiresAt = fromMillis(expiry)
	return &e, nil
}
