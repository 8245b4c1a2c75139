package agent

import (
	"context"
	"time"

	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/protocol"
)

const maxRetryDelay = 5 * time.Minute

// outbound is an envelope awaiting background delivery.
type outbound struct {
	env       *protocol.Envelope
	endpoints []string
	timeout   time.Duration
	attempts  int
}

// dispenser delivers queued envelopes, re-signing each attempt with a fresh
// expiry and nonce and backing off between failures.
type dispenser struct {
	agent *Agent
	queue chan *outbound
}

func newDispenser(a *Agent) *dispenser {
	return &dispenser{agent: a, queue: make(chan *outbound, a.opts.QueueSize)}
}

func (d *dispenser) enqueue(o *outbound) bool {
	select {
	case d.queue <- o:
		return true
	default:
		return false
	}
}

func (d *dispenser) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-d.queue:
			d.attempt(ctx, o)
		}
	}
}

func (d *dispenser) attempt(ctx context.Context, o *outbound) {
	a := d.agent
	o.attempts++
	if err := a.stamp(o.env, o.timeout); err != nil {
		a.logger.Error("cannot sign queued envelope", "error", err)
		return
	}
	status := a.deliver(ctx, o.env, o.endpoints)
	if status == StatusDelivered {
		a.emitSent(eventbus.EnvelopeSent, o.env.Target, o.env.Session, o.env.SchemaDigest, status, "queued")
		return
	}
	if o.attempts >= a.opts.MaxRetries {
		a.logger.Warn("giving up on queued envelope", "target", o.env.Target, "attempts", o.attempts)
		a.emitSent(eventbus.EnvelopeSent, o.env.Target, o.env.Session, o.env.SchemaDigest, StatusFailed, "retries exhausted")
		return
	}

	delay := a.opts.RetryDelay << (o.attempts - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	a.logger.Debug("retrying queued envelope", "target", o.env.Target, "attempt", o.attempts, "delay", delay)
	go func() {
		select {
		case <-ctx.Done():
		case <-a.clock.After(delay):
			if !d.enqueue(o) {
				a.logger.Warn("dispenser queue full, dropping envelope", "target", o.env.Target)
			}
		}
	}()
}
