package registration

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// DefaultInterval is how often the runner re-invokes the policy.
const DefaultInterval = 60 * time.Second

// Runner calls a Policy immediately and then on every tick until its context
// ends. Failures are reported and retried on the next tick.
type Runner struct {
	Policy    Policy
	Signer    Signer
	Protocols func() []string
	Endpoints []protocol.Endpoint
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	// OnResult, if set, is called after every attempt.
	OnResult func(err error)
}

// Run blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := r.Logger.With("component", "registration", "address", r.Signer.Address())

	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		r.attempt(ctx, logger)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) attempt(ctx context.Context, logger *slog.Logger) {
	var protocols []string
	if r.Protocols != nil {
		protocols = r.Protocols()
	}
	err := r.Policy.Register(ctx, r.Signer, protocols, r.Endpoints)
	if err != nil && ctx.Err() == nil {
		logger.Warn("registration failed, will retry", "error", err)
	}
	if r.OnResult != nil {
		r.OnResult(err)
	}
}
