// Package runtime is the main orchestrator that builds a bureau of agents
// from configuration and wires storage, resolution, registration and
// mailboxes around it.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/mailbox"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/pkg/registration"
	"github.com/amurg-ai/agentwire/pkg/resolver"
	"github.com/amurg-ai/agentwire/pkg/storage"
	"github.com/amurg-ai/agentwire/runtime/internal/config"
)

// PassphraseFunc supplies the passphrase for an agent's key file.
type PassphraseFunc func(agentName, keyFile string) ([]byte, error)

// Options are the process-level collaborators of a Runtime. All fields are
// optional.
type Options struct {
	Clock      clock.Clock
	Bus        *eventbus.Bus
	HTTPClient *http.Client
	// Passphrase is consulted for key files whose passphrase_env is unset
	// or empty.
	Passphrase PassphraseFunc
}

// Runtime is the main runtime process.
type Runtime struct {
	cfg      *config.Config
	store    storage.Store
	bureau   *agent.Bureau
	resolver resolver.Resolver
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// New creates a runtime from configuration. Agents are created and their
// protocols included, but nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.NewWithClock(opts.Clock)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	rt := &Runtime{
		cfg:    cfg,
		store:  store,
		bus:    opts.Bus,
		logger: logger.With("component", "runtime"),
		bureau: agent.NewBureau(agent.BureauOptions{
			ListenAddr:  cfg.Runtime.ListenAddr,
			SyncTimeout: cfg.Runtime.SyncTimeout.Duration,
			Clock:       opts.Clock,
			Logger:      logger,
			Bus:         opts.Bus,
		}),
	}

	var almanac *registration.AlmanacClient
	if cfg.Registration.AlmanacURL != "" {
		almanac = registration.NewAlmanacClient(cfg.Registration.AlmanacURL, opts.HTTPClient)
		almanac.SetClock(opts.Clock)
	}
	rt.resolver = newResolver(cfg, almanac)

	var policy registration.Policy
	if cfg.Registration.Enabled {
		policy = registration.NewAPIPolicy(almanac, logger,
			registration.WithClock(opts.Clock),
			registration.WithRenewThreshold(cfg.Registration.RenewThreshold.Duration))
	}

	for _, ac := range cfg.Agents {
		if err := rt.addAgent(ac, policy, opts); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("agent %s: %w", ac.Name, err)
		}
	}
	return rt, nil
}

// newResolver tries the configured peers first, then the almanac.
func newResolver(cfg *config.Config, almanac *registration.AlmanacClient) resolver.Resolver {
	chain := resolver.Chain{resolver.NewStatic(cfg.Runtime.Peers)}
	if almanac != nil {
		chain = append(chain, resolver.NewAlmanac(almanac, resolver.AlmanacOptions{
			CacheTTL: cfg.Registration.CacheTTL.Duration,
		}))
	}
	return chain
}

func (r *Runtime) addAgent(ac config.AgentConfig, policy registration.Policy, opts Options) error {
	id, err := loadIdentity(ac, opts.Passphrase)
	if err != nil {
		return err
	}

	var endpoints []protocol.Endpoint
	switch {
	case ac.Mailbox:
		endpoints = []protocol.Endpoint{{URL: strings.TrimRight(r.cfg.Mailbox.URL, "/") + "/v1/submit", Weight: 1}}
	case r.cfg.Runtime.PublicURL != "":
		endpoints = []protocol.Endpoint{{URL: strings.TrimRight(r.cfg.Runtime.PublicURL, "/") + protocol.SubmitPath, Weight: 1}}
	}

	sendMode := agent.SendDirect
	if r.cfg.Runtime.SendMode == "queued" {
		sendMode = agent.SendQueued
	}

	a, err := r.bureau.NewAgent(agent.Options{
		Name:                 ac.Name,
		Identity:             id,
		Storage:              r.store,
		Resolver:             r.resolver,
		Endpoints:            endpoints,
		Registration:         policy,
		RegistrationInterval: r.cfg.Registration.Interval.Duration,
		HTTPClient:           opts.HTTPClient,
		SendMode:             sendMode,
	})
	if err != nil {
		return err
	}

	for _, name := range ac.Protocols {
		p, err := buildProtocol(name)
		if err != nil {
			return err
		}
		if err := a.Include(p, true); err != nil {
			return fmt.Errorf("include %s: %w", name, err)
		}
	}

	if ac.Mailbox {
		mb, err := mailbox.ForAgent(a, mailbox.Options{
			URL:          r.cfg.Mailbox.URL,
			Mode:         mailbox.Mode(r.cfg.Mailbox.Mode),
			PollInterval: r.cfg.Mailbox.PollInterval.Duration,
			HTTPClient:   opts.HTTPClient,
		})
		if err != nil {
			return err
		}
		a.Attach(mb)
	}

	r.logger.Info("agent configured", "agent", ac.Name, "address", a.Address(),
		"protocols", ac.Protocols, "mailbox", ac.Mailbox)
	return nil
}

// loadIdentity derives the agent key from its seed or opens its key file.
func loadIdentity(ac config.AgentConfig, prompt PassphraseFunc) (*identity.Identity, error) {
	if ac.Seed != "" {
		return identity.FromSeed(ac.Seed, ac.Index), nil
	}
	var passphrase []byte
	if ac.PassphraseEnv != "" {
		passphrase = []byte(os.Getenv(ac.PassphraseEnv))
	}
	if len(passphrase) == 0 {
		if prompt == nil {
			return nil, fmt.Errorf("key file %s needs a passphrase", ac.KeyFile)
		}
		var err error
		if passphrase, err = prompt(ac.Name, ac.KeyFile); err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
	}
	return identity.LoadKeyFile(ac.KeyFile, passphrase)
}

// Agents returns the hosted agents in configuration order.
func (r *Runtime) Agents() []*agent.Agent { return r.bureau.Agents() }

// Bureau returns the runtime's bureau.
func (r *Runtime) Bureau() *agent.Bureau { return r.bureau }

// Resolver returns the resolver agents send through.
func (r *Runtime) Resolver() resolver.Resolver { return r.resolver }

// Bus returns the runtime's event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Run runs every agent until ctx is canceled, then closes storage.
func (r *Runtime) Run(ctx context.Context) error {
	defer func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close storage failed", "error", err)
		}
	}()
	for _, a := range r.bureau.Agents() {
		r.logger.Info("agent ready", "agent", a.Name(), "address", a.Address(), "protocols", a.ProtocolDigests())
	}
	return r.bureau.Run(ctx)
}

// Trace writes every bus event to w as one JSON line until ctx is canceled.
func (r *Runtime) Trace(ctx context.Context, w io.Writer) {
	ch := r.bus.Subscribe()
	defer r.bus.Unsubscribe(ch)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = enc.Encode(e)
		}
	}
}
