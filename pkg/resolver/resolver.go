// Package resolver maps agent addresses to the network endpoints that accept
// envelopes for them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/amurg-ai/agentwire/pkg/identity"
)

// ErrNoEndpoints is returned when a destination has no known endpoints.
var ErrNoEndpoints = errors.New("no endpoints for destination")

// Resolver turns a destination identifier into an agent address and an
// ordered list of endpoint URLs to try.
type Resolver interface {
	Resolve(ctx context.Context, destination string) (address string, endpoints []string, err error)
}

// ParseIdentifier splits "prefix://address" into its parts. Identifiers
// without a scheme return an empty prefix.
func ParseIdentifier(id string) (prefix, address string) {
	if i := strings.Index(id, "://"); i >= 0 {
		return id[:i], id[i+3:]
	}
	return "", id
}

// Static resolves from a fixed address to endpoints table.
type Static struct {
	mu    sync.RWMutex
	table map[string][]string
}

// NewStatic creates a Static resolver seeded with table.
func NewStatic(table map[string][]string) *Static {
	s := &Static{table: make(map[string][]string, len(table))}
	for addr, eps := range table {
		s.table[addr] = append([]string(nil), eps...)
	}
	return s
}

// Set replaces the endpoints for address.
func (s *Static) Set(address string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[address] = append([]string(nil), endpoints...)
}

func (s *Static) Resolve(_ context.Context, destination string) (string, []string, error) {
	_, addr := ParseIdentifier(destination)
	s.mu.RLock()
	eps := s.table[addr]
	s.mu.RUnlock()
	if len(eps) == 0 {
		return addr, nil, fmt.Errorf("%w: %s", ErrNoEndpoints, addr)
	}
	return addr, append([]string(nil), eps...), nil
}

// Chain tries each resolver in order and returns the first that yields
// endpoints.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, destination string) (string, []string, error) {
	_, addr := ParseIdentifier(destination)
	var errs []error
	for _, r := range c {
		a, eps, err := r.Resolve(ctx, destination)
		if err == nil && len(eps) > 0 {
			return a, eps, nil
		}
		if err != nil && !errors.Is(err, ErrNoEndpoints) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return addr, nil, errors.Join(errs...)
	}
	return addr, nil, fmt.Errorf("%w: %s", ErrNoEndpoints, addr)
}

// validAgent reports whether addr can be looked up in a registry.
func validAgent(addr string) bool {
	return identity.IsAgentAddress(addr)
}
