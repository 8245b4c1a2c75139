package registration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// LedgerRecord is what a ledger registry stores for one agent.
type LedgerRecord struct {
	Address   string
	Protocols []string
	Endpoints []protocol.Endpoint
	Sequence  uint64
	Signature string
}

// Ledger is a fee-based registry. Fee payment and transaction mechanics live
// behind this interface.
type Ledger interface {
	IsRegistered(ctx context.Context, address string) (bool, error)
	GetExpiry(ctx context.Context, address string) (time.Duration, error)
	GetEndpoints(ctx context.Context, address string) ([]protocol.Endpoint, error)
	GetProtocols(ctx context.Context, address string) ([]string, error)
	GetSequence(ctx context.Context, address string) (uint64, error)
	Register(ctx context.Context, rec LedgerRecord) error
}

// LedgerPolicy registers an agent with a Ledger, paying only when the
// on-ledger record is missing, stale or different.
type LedgerPolicy struct {
	ledger    Ledger
	contract  string
	threshold time.Duration
	logger    *slog.Logger
}

// NewLedgerPolicy creates a policy for the registry contract at contract.
func NewLedgerPolicy(ledger Ledger, contract string, logger *slog.Logger) *LedgerPolicy {
	return &LedgerPolicy{
		ledger:    ledger,
		contract:  contract,
		threshold: DefaultRenewThreshold,
		logger:    logger.With("component", "registration", "policy", "ledger"),
	}
}

// Status reports whether the ledger already holds an up-to-date registration.
func (p *LedgerPolicy) Status(ctx context.Context, address string, protocols []string, endpoints []protocol.Endpoint) (bool, error) {
	registered, err := p.ledger.IsRegistered(ctx, address)
	if err != nil || !registered {
		return false, err
	}
	remaining, err := p.ledger.GetExpiry(ctx, address)
	if err != nil {
		return false, err
	}
	if remaining <= p.threshold {
		return false, nil
	}
	current, err := p.ledger.GetEndpoints(ctx, address)
	if err != nil {
		return false, err
	}
	if !slices.Equal(current, endpoints) {
		return false, nil
	}
	currentProtocols, err := p.ledger.GetProtocols(ctx, address)
	if err != nil {
		return false, err
	}
	return sameProtocols(currentProtocols, protocols), nil
}

func (p *LedgerPolicy) Register(ctx context.Context, signer Signer, protocols []string, endpoints []protocol.Endpoint) error {
	addr := signer.Address()
	upToDate, err := p.Status(ctx, addr, protocols, endpoints)
	if err != nil {
		return fmt.Errorf("ledger status: %w", err)
	}
	if upToDate {
		p.logger.Debug("ledger registration up to date", "address", addr)
		return nil
	}

	seq, err := p.ledger.GetSequence(ctx, addr)
	if err != nil {
		return fmt.Errorf("ledger sequence: %w", err)
	}
	sig, err := signer.SignRegistration(p.contract, seq)
	if err != nil {
		return fmt.Errorf("sign registration: %w", err)
	}
	rec := LedgerRecord{
		Address:   addr,
		Protocols: protocols,
		Endpoints: endpoints,
		Sequence:  seq,
		Signature: sig,
	}
	if err := p.ledger.Register(ctx, rec); err != nil {
		return fmt.Errorf("ledger register: %w", err)
	}
	p.logger.Info("registered on ledger", "address", addr, "sequence", seq)
	return nil
}
