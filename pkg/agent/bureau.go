package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/agentwire/pkg/dispatch"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
)

// BureauOptions configures a Bureau.
type BureauOptions struct {
	// ListenAddr is the shared /submit listener. Empty disables it.
	ListenAddr  string
	SyncTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	Bus         *eventbus.Bus
}

// Bureau hosts several agents behind one dispatcher and one listener.
type Bureau struct {
	opts       BureauOptions
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
	order  []*Agent
}

// NewBureau creates an empty bureau.
func NewBureau(opts BureauOptions) *Bureau {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	return &Bureau{
		opts:       opts,
		dispatcher: dispatch.New(opts.Logger),
		logger:     opts.Logger.With("component", "bureau"),
		agents:     make(map[string]*Agent),
	}
}

// Dispatcher is the dispatcher shared by the bureau's agents.
func (b *Bureau) Dispatcher() *dispatch.Dispatcher { return b.dispatcher }

// NewAgent creates an agent wired to the bureau's dispatcher, clock and bus
// and adds it.
func (b *Bureau) NewAgent(opts Options) (*Agent, error) {
	opts.Dispatcher = b.dispatcher
	opts.ListenAddr = ""
	if opts.Clock == nil {
		opts.Clock = b.opts.Clock
	}
	if opts.Logger == nil {
		opts.Logger = b.opts.Logger
	}
	if opts.Bus == nil {
		opts.Bus = b.opts.Bus
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = b.opts.SyncTimeout
	}
	a, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := b.Add(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Add hosts an agent created on the bureau's dispatcher.
func (b *Bureau) Add(a *Agent) error {
	if a.dispatcher != b.dispatcher {
		return errors.New("bureau: agent uses a different dispatcher")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[a.Address()]; ok {
		return fmt.Errorf("bureau: agent %s already added", a.Address())
	}
	b.agents[a.Address()] = a
	b.order = append(b.order, a)
	return nil
}

// Agents returns the hosted agents in the order they were added.
func (b *Bureau) Agents() []*Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Agent(nil), b.order...)
}

func (b *Bureau) lookup(address string) *Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.agents[address]
}

// Handler returns the shared /submit HTTP handler.
func (b *Bureau) Handler() http.Handler {
	return newSubmitServer(b.dispatcher, b.lookup, b.opts.Clock, b.opts.Bus, b.opts.Logger, b.opts.SyncTimeout).routes()
}

// Run runs every agent and the shared listener until ctx is canceled.
func (b *Bureau) Run(ctx context.Context) error {
	agents := b.Agents()
	b.logger.Info("bureau starting", "agents", len(agents), "addr", b.opts.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		a.start(gctx, g)
	}
	if b.opts.ListenAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, b.opts.ListenAddr, b.Handler(), b.logger)
		})
	}
	err := g.Wait()
	for _, a := range agents {
		b.dispatcher.Unregister(a.Address(), a)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
