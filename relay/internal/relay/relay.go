// Package relay ties the relay components together: storage, auth, the HTTP
// API and the retention purger.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amurg-ai/agentwire/relay/internal/api"
	"github.com/amurg-ai/agentwire/relay/internal/auth"
	"github.com/amurg-ai/agentwire/relay/internal/config"
	"github.com/amurg-ai/agentwire/relay/internal/store"
)

// Relay is the main relay process.
type Relay struct {
	cfg    *config.Config
	store  store.Store
	api    *api.Server
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a relay from configuration. A nil clock uses the wall clock.
func New(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Relay, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	authSvc := auth.NewService(cfg.Auth, clk)
	return &Relay{
		cfg:    cfg,
		store:  db,
		api:    api.NewServer(db, authSvc, cfg, clk, logger),
		clock:  clk,
		logger: logger.With("component", "relay"),
	}, nil
}

// Handler returns the relay's HTTP handler.
func (r *Relay) Handler() http.Handler { return r.api.Handler() }

// Store returns the relay's store.
func (r *Relay) Store() store.Store { return r.store }

// Run serves the API and purges expired data until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.cfg.Server.Addr,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.api.StartBackgroundTasks(ctx)
	go r.runRetentionPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.cfg.Server.Addr)
		if r.cfg.Server.TLSCert != "" {
			errCh <- srv.ListenAndServeTLS(r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		_ = r.store.Close()
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = r.store.Close()
		return err
	}
}

func (r *Relay) runRetentionPurger(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.Storage.PurgeInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Purge(ctx)
		}
	}
}

// Purge removes expired envelopes, envelopes past retention and expired
// registrations.
func (r *Relay) Purge(ctx context.Context) {
	now := r.clock.Now()
	if n, err := r.store.PurgeEnvelopes(ctx, now, now.Add(-r.cfg.Storage.Retention.Duration)); err != nil {
		r.logger.Warn("retention purge: envelopes failed", "error", err)
	} else if n > 0 {
		r.logger.Info("retention purge: deleted envelopes", "count", n)
	}
	if n, err := r.store.PurgeRegistrations(ctx, now); err != nil {
		r.logger.Warn("retention purge: registrations failed", "error", err)
	} else if n > 0 {
		r.logger.Info("retention purge: deleted registrations", "count", n)
	}
}
