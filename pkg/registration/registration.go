// Package registration keeps an agent's endpoints and protocols registered
// with the almanac, and optionally with a fee-based ledger registry.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// ErrNotRegistered is returned by lookups for unknown agents.
var ErrNotRegistered = errors.New("agent not registered")

// DefaultRenewThreshold is how close to expiry a registration may get before
// it is renewed.
const DefaultRenewThreshold = 10 * time.Minute

// Backend is the registry contract every registry transport implements.
type Backend interface {
	IsRegistered(ctx context.Context, address string) (bool, error)
	Register(ctx context.Context, att protocol.Attestation) error
	// GetExpiry returns the remaining validity of the registration, zero when
	// the agent is not registered.
	GetExpiry(ctx context.Context, address string) (time.Duration, error)
	GetEndpoints(ctx context.Context, address string) ([]protocol.Endpoint, error)
}

// Signer signs attestations and ledger registrations.
type Signer interface {
	protocol.Signer
	SignRegistration(contract string, sequence uint64) (string, error)
}

// Policy decides whether and how to (re)register an agent. Register is called
// periodically and must be cheap when nothing changed.
type Policy interface {
	Register(ctx context.Context, signer Signer, protocols []string, endpoints []protocol.Endpoint) error
}

// status is the last registration a policy completed.
type status struct {
	protocols []string
	endpoints []protocol.Endpoint
	at        time.Time
}

func (s *status) matches(protocols []string, endpoints []protocol.Endpoint) bool {
	return s != nil && sameProtocols(s.protocols, protocols) && slices.Equal(s.endpoints, endpoints)
}

func sameProtocols(a, b []string) bool {
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	return slices.Equal(a, b)
}

// APIPolicy registers signed attestations with an almanac Backend.
type APIPolicy struct {
	backend   Backend
	threshold time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]*status
}

// APIOption configures an APIPolicy.
type APIOption func(*APIPolicy)

// WithRenewThreshold overrides DefaultRenewThreshold.
func WithRenewThreshold(d time.Duration) APIOption {
	return func(p *APIPolicy) { p.threshold = d }
}

// WithClock sets the clock used for attestation timestamps.
func WithClock(c clock.Clock) APIOption {
	return func(p *APIPolicy) { p.clock = c }
}

// NewAPIPolicy creates a policy backed by an almanac.
func NewAPIPolicy(backend Backend, logger *slog.Logger, opts ...APIOption) *APIPolicy {
	p := &APIPolicy{
		backend:   backend,
		threshold: DefaultRenewThreshold,
		clock:     clock.New(),
		logger:    logger.With("component", "registration", "policy", "almanac"),
		last:      make(map[string]*status),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register attests the agent's endpoints and protocols unless the almanac
// already holds the same registration with enough validity left.
func (p *APIPolicy) Register(ctx context.Context, signer Signer, protocols []string, endpoints []protocol.Endpoint) error {
	addr := signer.Address()

	p.mu.Lock()
	last := p.last[addr]
	p.mu.Unlock()

	if last.matches(protocols, endpoints) {
		remaining, err := p.backend.GetExpiry(ctx, addr)
		if err != nil {
			return fmt.Errorf("registration status: %w", err)
		}
		if remaining > p.threshold {
			p.logger.Debug("registration up to date", "address", addr, "remaining", remaining)
			return nil
		}
	}

	att := protocol.Attestation{
		AgentAddress: addr,
		Protocols:    protocols,
		Endpoints:    endpoints,
		Timestamp:    p.clock.Now().Unix(),
	}
	if err := att.Sign(signer); err != nil {
		return err
	}
	if err := p.backend.Register(ctx, att); err != nil {
		return fmt.Errorf("almanac register: %w", err)
	}

	p.mu.Lock()
	p.last[addr] = &status{
		protocols: append([]string(nil), protocols...),
		endpoints: append([]protocol.Endpoint(nil), endpoints...),
		at:        p.clock.Now(),
	}
	p.mu.Unlock()

	p.logger.Info("registered with almanac", "address", addr, "endpoints", len(endpoints), "protocols", len(protocols))
	return nil
}

// DefaultPolicy registers with the almanac and, when configured, the ledger.
// A failure in one does not prevent the other from being attempted.
type DefaultPolicy struct {
	api    Policy
	ledger Policy
}

// NewDefaultPolicy combines an almanac policy with an optional ledger policy.
func NewDefaultPolicy(api Policy, ledger Policy) *DefaultPolicy {
	return &DefaultPolicy{api: api, ledger: ledger}
}

func (p *DefaultPolicy) Register(ctx context.Context, signer Signer, protocols []string, endpoints []protocol.Endpoint) error {
	var errs []error
	if p.api != nil {
		if err := p.api.Register(ctx, signer, protocols, endpoints); err != nil {
			errs = append(errs, err)
		}
	}
	if p.ledger != nil {
		if err := p.ledger.Register(ctx, signer, protocols, endpoints); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
