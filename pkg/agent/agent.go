package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/agentwire/pkg/dispatch"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/model"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/pkg/registration"
	"github.com/amurg-ai/agentwire/pkg/resolver"
	"github.com/amurg-ai/agentwire/pkg/storage"
)

// Defaults applied by New.
const (
	DefaultSendTimeout = 30 * time.Second
	DefaultSyncTimeout = 30 * time.Second
	DefaultQueueSize   = 1024
	DefaultMaxRetries  = 10
	DefaultRetryDelay  = time.Second
)

// SendMode selects how remote envelopes are delivered.
type SendMode int

const (
	// SendDirect posts the envelope before Send returns.
	SendDirect SendMode = iota
	// SendQueued hands the envelope to the background dispenser.
	SendQueued
)

// Runner is a background task run alongside the agent, such as a mailbox
// client.
type Runner interface {
	Run(ctx context.Context) error
}

// Options configures an Agent. Only Identity is required.
type Options struct {
	Name     string
	Identity *identity.Identity
	// Storage is shared backing storage; the agent sees it through a
	// namespace derived from its address. Nil uses memory.
	Storage    storage.Store
	Resolver   resolver.Resolver
	Dispatcher *dispatch.Dispatcher
	// Endpoints are advertised through Registration.
	Endpoints            []protocol.Endpoint
	Registration         registration.Policy
	RegistrationInterval time.Duration
	HTTPClient           *http.Client
	Clock                clock.Clock
	Logger               *slog.Logger
	Bus                  *eventbus.Bus
	SendMode             SendMode
	SendTimeout          time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	// SyncTimeout bounds how long a synchronous HTTP caller waits for a reply.
	SyncTimeout time.Duration
	QueueSize   int
	// ListenAddr starts a standalone /submit server when set. Agents hosted
	// by a Bureau use the bureau's listener instead.
	ListenAddr string
}

// Agent owns an identity, storage and the handlers of its protocols, and
// runs intervals, registration and inbound processing until stopped.
type Agent struct {
	opts       Options
	name       string
	id         *identity.Identity
	store      storage.Store
	resolver   resolver.Resolver
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	http       *http.Client
	logger     *slog.Logger
	bus        *eventbus.Bus

	own *Protocol

	mu               sync.RWMutex
	models           map[string]model.Type
	handlers         map[string]handlerEntry
	replies          map[string]map[string]bool
	intervalMessages map[string]bool
	intervals        []interval
	protocols        []*Protocol
	published        []*Protocol
	running          bool

	inbox     chan dispatch.Message
	queries   *queryTable
	dispenser *dispenser
	runners   []Runner
}

// New creates an agent and registers it with its dispatcher.
func New(opts Options) (*Agent, error) {
	if opts.Identity == nil {
		return nil, errors.New("agent: identity is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(opts.Logger)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	addr := opts.Identity.Address()
	name := opts.Name
	if name == "" {
		name = addr[:min(len(addr), 16)]
	}

	a := &Agent{
		opts:             opts,
		name:             name,
		id:               opts.Identity,
		store:            storage.AgentNamespace(opts.Storage, addr),
		resolver:         opts.Resolver,
		dispatcher:       opts.Dispatcher,
		clock:            opts.Clock,
		http:             opts.HTTPClient,
		logger:           opts.Logger.With("component", "agent", "agent", name, "address", addr),
		bus:              opts.Bus,
		own:              NewProtocol(name, "0.1.0"),
		models:           make(map[string]model.Type),
		handlers:         make(map[string]handlerEntry),
		replies:          make(map[string]map[string]bool),
		intervalMessages: make(map[string]bool),
		inbox:            make(chan dispatch.Message, opts.QueueSize),
		queries:          newQueryTable(),
	}
	a.dispenser = newDispenser(a)
	a.dispatcher.Register(addr, a)
	return a, nil
}

func (a *Agent) Name() string { return a.name }
func (a *Agent) Address() string { return a.id.Address() }
func (a *Agent) Identity() *identity.Identity { return a.id }
func (a *Agent) Storage() storage.Store { return a.store }
func (a *Agent) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *Agent) Logger() *slog.Logger { return a.logger }
func (a *Agent) Clock() clock.Clock { return a.clock }
func (a *Agent) Bus() *eventbus.Bus { return a.bus }

// NewContext returns a handler context for sending outside any handler.
// Every send from it starts a new session unless WithSession is given.
func (a *Agent) NewContext(ctx context.Context) *Context {
	return &Context{Context: ctx, agent: a}
}

// OnMessage registers a handler directly on the agent.
func (a *Agent) OnMessage(t model.Type, handler Handler, opts ...HandlerOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[t.Digest()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t.Name())
	}
	if err := a.own.OnMessage(t, handler, opts...); err != nil {
		return err
	}
	a.absorbLocked(a.own, []string{t.Digest()})
	return nil
}

// OnInterval registers an interval handler directly on the agent.
func (a *Agent) OnInterval(period time.Duration, handler IntervalHandler, messages ...model.Type) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intervals = append(a.intervals, interval{period: period, handler: handler})
	for _, m := range messages {
		a.models[m.Digest()] = m
		a.intervalMessages[m.Digest()] = true
	}
}

// Include merges a protocol's models, handlers and intervals into the agent.
// It fails without changing the agent if any handled digest is already taken.
// Published protocols are listed by Manifests.
func (a *Agent) Include(p *Protocol, publish bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent: cannot include protocols while running")
	}
	digests := make([]string, 0, len(p.handlers))
	for d := range p.handlers {
		if _, ok := a.handlers[d]; ok {
			return fmt.Errorf("%w: %s from %s", ErrDuplicateHandler, d, p.CanonicalName())
		}
		digests = append(digests, d)
	}
	a.absorbLocked(p, digests)
	for d, t := range p.models {
		a.models[d] = t
	}
	a.intervals = append(a.intervals, p.intervals...)
	for d := range p.intervalMessages {
		a.intervalMessages[d] = true
	}
	a.protocols = append(a.protocols, p)
	if publish {
		a.published = append(a.published, p)
	}
	return nil
}

func (a *Agent) absorbLocked(p *Protocol, digests []string) {
	for _, d := range digests {
		a.models[d] = p.models[d]
		a.handlers[d] = p.handlers[d]
		if set, ok := p.replies[d]; ok {
			allowed := make(map[string]bool, len(set))
			for r, t := range set {
				allowed[r] = true
				a.models[r] = t
			}
			a.replies[d] = allowed
		}
	}
}

// Manifests returns the manifests of published protocols.
func (a *Agent) Manifests() []Manifest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Manifest, 0, len(a.published))
	for _, p := range a.published {
		out = append(out, p.Manifest())
	}
	return out
}

// ProtocolDigests lists the digests of every included protocol, sorted.
func (a *Agent) ProtocolDigests() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]bool, len(a.protocols))
	for _, p := range a.protocols {
		seen[p.Digest()] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Attach adds a background task started by Run.
func (a *Agent) Attach(r Runner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runners = append(a.runners, r)
}

// HandleMessage queues a message for this agent. It implements dispatch.Sink.
func (a *Agent) HandleMessage(_ context.Context, msg dispatch.Message) error {
	select {
	case a.inbox <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// HandleEnvelope runs an envelope from any transport through verification
// and local dispatch. Errors wrapping ErrVerification mean the envelope will
// never be accepted.
func (a *Agent) HandleEnvelope(ctx context.Context, env *protocol.Envelope) error {
	return deliverEnvelope(ctx, a.dispatcher, a.clock, a.bus, a.logger, env)
}

// Handler returns the agent's /submit HTTP handler.
func (a *Agent) Handler() http.Handler {
	return newSubmitServer(a.dispatcher, a.lookupSelf, a.clock, a.bus, a.logger, a.opts.SyncTimeout).routes()
}

func (a *Agent) lookupSelf(address string) *Agent {
	if address == a.Address() {
		return a
	}
	return nil
}

// Run starts intervals, inbound processing, registration, the dispenser,
// attached runners and, when ListenAddr is set, the HTTP server. It blocks
// until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.start(gctx, g)
	if a.opts.ListenAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, a.opts.ListenAddr, a.Handler(), a.logger)
		})
	}
	err := g.Wait()
	a.dispatcher.Unregister(a.Address(), a)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// start launches the agent's background loops on g.
func (a *Agent) start(ctx context.Context, g *errgroup.Group) {
	a.mu.Lock()
	a.running = true
	intervals := append([]interval(nil), a.intervals...)
	runners := append([]Runner(nil), a.runners...)
	handlers := len(a.handlers)
	a.mu.Unlock()

	a.logger.Info("agent starting", "intervals", len(intervals), "handlers", handlers)

	g.Go(func() error { return a.processInbox(ctx) })
	g.Go(func() error { return a.dispenser.run(ctx) })
	for _, iv := range intervals {
		g.Go(func() error { return a.runInterval(ctx, iv) })
	}
	if a.opts.Registration != nil {
		r := &registration.Runner{
			Policy:    a.opts.Registration,
			Signer:    a.id,
			Protocols: a.ProtocolDigests,
			Endpoints: a.opts.Endpoints,
			Interval:  a.opts.RegistrationInterval,
			Clock:     a.clock,
			Logger:    a.opts.Logger,
			OnResult: func(err error) {
				if err != nil {
					a.bus.Emit(eventbus.RegistrationFailed, a.Address(), map[string]string{"error": err.Error()})
					return
				}
				a.bus.Emit(eventbus.RegistrationOK, a.Address(), nil)
			},
		}
		g.Go(func() error { return r.Run(ctx) })
	}
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
}

func (a *Agent) runInterval(ctx context.Context, iv interval) error {
	ticker := a.clock.Ticker(iv.period)
	defer ticker.Stop()
	for {
		c := &Context{Context: ctx, agent: a, session: uuid.New(), interval: true}
		if err := iv.handler(c); err != nil {
			a.logger.Error("interval handler failed", "period", iv.period, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) processInbox(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.inbox:
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.handle(ctx, msg)
			}()
		}
	}
}

// handle decodes one message and runs its handler.
func (a *Agent) handle(ctx context.Context, msg dispatch.Message) {
	log := a.logger.With("sender", msg.Sender, "schema_digest", msg.SchemaDigest, "session", msg.Session)
	a.bus.Emit(eventbus.EnvelopeReceived, a.Address(), eventbus.EnvelopeInfo{
		Sender: msg.Sender, Target: msg.Target, Session: msg.Session.String(), SchemaDigest: msg.SchemaDigest,
	})

	a.mu.RLock()
	entry, ok := a.handlers[msg.SchemaDigest]
	t := a.models[msg.SchemaDigest]
	a.mu.RUnlock()

	c := &Context{Context: ctx, agent: a, session: msg.Session, sender: msg.Sender, schema: msg.SchemaDigest}

	if !ok {
		log.Warn("no handler for message")
		a.replyError(c, msg, "unknown message type: "+msg.SchemaDigest)
		return
	}
	if identity.IsUserAddress(msg.Sender) && !entry.unverified {
		log.Warn("unverified sender for signed handler")
		return
	}

	value, err := t.Decode(msg.Payload)
	if err != nil {
		log.Warn("message does not match schema", "error", err)
		a.replyError(c, msg, "message does not conform to schema: "+t.Name())
		return
	}
	if err := entry.fn(c, msg.Sender, value); err != nil {
		log.Error("message handler failed", "model", t.Name(), "error", err)
	}
}

// replyError tells an agent sender its message could not be handled. Errors
// are never answered with errors.
func (a *Agent) replyError(c *Context, msg dispatch.Message, reason string) {
	if msg.SchemaDigest == ErrorMessageType.Digest() || !identity.IsAgentAddress(msg.Sender) {
		return
	}
	c.Send(msg.Sender, ErrorMessage{Error: reason})
}
