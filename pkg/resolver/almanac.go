package resolver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

const (
	DefaultCacheSize    = 1024
	DefaultCacheTTL     = 5 * time.Minute
	DefaultMaxEndpoints = 10
)

// EndpointSource looks up registered endpoints for an agent address.
// registration.AlmanacClient satisfies it.
type EndpointSource interface {
	GetEndpoints(ctx context.Context, address string) ([]protocol.Endpoint, error)
}

// AlmanacOptions configures an Almanac resolver.
type AlmanacOptions struct {
	CacheSize    int
	CacheTTL     time.Duration
	MaxEndpoints int
	// Rand orders endpoints by weight. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

// Almanac resolves agent addresses through a registry, caching lookups and
// ordering endpoints by weighted random sampling.
type Almanac struct {
	source EndpointSource
	cache  *expirable.LRU[string, []protocol.Endpoint]
	max    int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewAlmanac creates an almanac-backed resolver.
func NewAlmanac(source EndpointSource, opts AlmanacOptions) *Almanac {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxEndpoints <= 0 {
		opts.MaxEndpoints = DefaultMaxEndpoints
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Almanac{
		source: source,
		cache:  expirable.NewLRU[string, []protocol.Endpoint](opts.CacheSize, nil, opts.CacheTTL),
		max:    opts.MaxEndpoints,
		rnd:    opts.Rand,
	}
}

func (a *Almanac) Resolve(ctx context.Context, destination string) (string, []string, error) {
	_, addr := ParseIdentifier(destination)
	if !validAgent(addr) {
		return addr, nil, fmt.Errorf("%w: %s is not an agent address", ErrNoEndpoints, addr)
	}

	eps, ok := a.cache.Get(addr)
	if !ok {
		var err error
		eps, err = a.source.GetEndpoints(ctx, addr)
		if err != nil {
			return addr, nil, fmt.Errorf("almanac lookup %s: %w", addr, err)
		}
		if len(eps) > 0 {
			a.cache.Add(addr, eps)
		}
	}
	if len(eps) == 0 {
		return addr, nil, fmt.Errorf("%w: %s", ErrNoEndpoints, addr)
	}

	a.mu.Lock()
	urls := weightedOrder(a.rnd, eps, a.max)
	a.mu.Unlock()
	return addr, urls, nil
}

// Invalidate drops the cached endpoints for address.
func (a *Almanac) Invalidate(address string) {
	a.cache.Remove(address)
}

// weightedOrder samples up to max endpoints without replacement, each draw
// picking an endpoint with probability proportional to its weight. Weights
// below 1 count as 1.
func weightedOrder(rnd *rand.Rand, eps []protocol.Endpoint, max int) []string {
	pool := append([]protocol.Endpoint(nil), eps...)
	if max > len(pool) {
		max = len(pool)
	}
	out := make([]string, 0, max)
	for len(out) < max {
		total := 0
		for _, ep := range pool {
			total += weightOf(ep)
		}
		pick := rnd.IntN(total)
		for i, ep := range pool {
			pick -= weightOf(ep)
			if pick < 0 {
				out = append(out, ep.URL)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return out
}

func weightOf(ep protocol.Endpoint) int {
	if ep.Weight < 1 {
		return 1
	}
	return ep.Weight
}
