// Package store persists the relay's mailboxes and almanac registrations in
// SQLite or PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the relay.
type Store interface {
	// Mailboxes
	PutEnvelope(ctx context.Context, e *Envelope) error
	ListEnvelopes(ctx context.Context, address string, limit int) ([]Envelope, error)
	GetEnvelope(ctx context.Context, address, id string) (*Envelope, error)
	DeleteEnvelope(ctx context.Context, address, id string) error
	CountEnvelopes(ctx context.Context, address string) (int, error)

	// Almanac
	UpsertRegistration(ctx context.Context, r *Registration) error
	GetRegistration(ctx context.Context, address string) (*Registration, error)

	// Data retention
	PurgeEnvelopes(ctx context.Context, now, receivedBefore time.Time) (int64, error)
	PurgeRegistrations(ctx context.Context, now time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Envelope is one envelope held for Address.
type Envelope struct {
	ID         string
	Address    string
	Sender     string
	Envelope   protocol.Envelope
	ReceivedAt time.Time
	// ExpiresAt is zero when the envelope carries no expiry.
	ExpiresAt time.Time
}

// Stored converts the row to its wire form.
func (e *Envelope) Stored() protocol.StoredEnvelope {
	return protocol.StoredEnvelope{
		UUID:       e.ID,
		Envelope:   e.Envelope,
		ReceivedAt: e.ReceivedAt,
		ExpiresAt:  e.ExpiresAt,
	}
}

// Registration is an agent's latest accepted attestation.
type Registration struct {
	Address   string
	Protocols []string
	Endpoints []protocol.Endpoint
	// Timestamp is the attestation's own timestamp; newer attestations win.
	Timestamp int64
	UpdatedAt time.Time
	Expiry    time.Time
}

// Record converts the registration to its wire form.
func (r *Registration) Record() protocol.AgentRecord {
	return protocol.AgentRecord{
		Address:   r.Address,
		Protocols: r.Protocols,
		Endpoints: r.Endpoints,
		UpdatedAt: r.UpdatedAt,
		Expiry:    r.Expiry,
	}
}

// Open creates a Store for the configured driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
