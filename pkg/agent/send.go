package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/dispatch"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/model"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/pkg/resolver"
)

// send runs the outbound pipeline: encode, reply and interval contract
// checks, protocol hooks, local dispatch, pending queries, then remote
// delivery.
func (a *Agent) send(c *Context, destination string, msg any, cfg sendConfig) MsgStatus {
	t, err := model.TypeOfValue(msg)
	if err != nil {
		a.logger.Error("cannot send message", "destination", destination, "error", err)
		return StatusFailed
	}
	payload, err := t.Encode(msg)
	if err != nil {
		a.logger.Error("cannot encode message", "model", t.Name(), "error", err)
		return StatusFailed
	}
	digest := t.Digest()
	_, target := resolver.ParseIdentifier(destination)
	log := a.logger.With("destination", target, "model", t.Name())

	if reason := a.checkContract(c, digest); reason != "" {
		log.Error("message violates contract, not sent", "reason", reason, "request", c.schema)
		a.emitSent(eventbus.EnvelopeRejected, target, c.session, digest, StatusFailed, reason)
		return StatusFailed
	}

	session := cfg.session
	if session == uuid.Nil {
		session = uuid.New()
	}
	c = &Context{Context: c.Context, agent: a, session: session, sender: c.sender, schema: c.schema, interval: c.interval}
	undo, err := a.runSendHooks(c, target, digest, payload)
	if err != nil {
		log.Warn("send refused by protocol", "error", err)
		a.emitSent(eventbus.EnvelopeRejected, target, session, digest, StatusFailed, err.Error())
		return StatusFailed
	}
	status := a.transmit(c, log, destination, target, digest, payload, cfg)
	if status == StatusFailed {
		undo()
	}
	return status
}

// transmit delivers an encoded message locally, to a pending query, or to
// the destination's endpoints.
func (a *Agent) transmit(c *Context, log *slog.Logger, destination, target, digest string, payload []byte, cfg sendConfig) MsgStatus {
	session := c.session
	protoDigest := a.protocolDigestFor(digest)

	if a.dispatcher.Contains(target) {
		ok := a.dispatcher.Dispatch(c, dispatch.Message{
			Sender:         a.Address(),
			Target:         target,
			Session:        session,
			SchemaDigest:   digest,
			ProtocolDigest: protoDigest,
			Payload:        payload,
		})
		status := StatusDelivered
		if !ok {
			status = StatusFailed
		}
		a.emitSent(eventbus.EnvelopeSent, target, session, digest, status, "local")
		return status
	}

	if a.queries.resolve(target, session, queryReply{schemaDigest: digest, payload: payload}) {
		a.emitSent(eventbus.EnvelopeSent, target, session, digest, StatusSent, "sync")
		return StatusSent
	}

	if a.resolver == nil {
		log.Warn("no resolver configured for remote destination")
		return StatusFailed
	}
	_, endpoints, err := a.resolver.Resolve(c, destination)
	if err != nil {
		log.Warn("unable to resolve destination", "error", err)
		a.emitSent(eventbus.EnvelopeSent, target, session, digest, StatusFailed, err.Error())
		return StatusFailed
	}

	env := &protocol.Envelope{
		Version:        protocol.EnvelopeVersion,
		Sender:         a.Address(),
		Target:         target,
		Session:        session,
		SchemaDigest:   digest,
		ProtocolDigest: protoDigest,
	}
	env.EncodePayload(payload)

	mode := a.opts.SendMode
	if cfg.hasMode {
		mode = cfg.mode
	}
	if mode == SendQueued {
		if !a.dispenser.enqueue(&outbound{env: env, endpoints: endpoints, timeout: cfg.timeout}) {
			log.Warn("dispenser queue full")
			return StatusFailed
		}
		return StatusQueued
	}

	if err := a.stamp(env, cfg.timeout); err != nil {
		log.Error("cannot sign envelope", "error", err)
		return StatusFailed
	}
	status := a.deliver(c, env, endpoints)
	a.emitSent(eventbus.EnvelopeSent, target, session, digest, status, "")
	return status
}

// checkContract returns a reason when digest may not be sent from c.
func (a *Agent) checkContract(c *Context, digest string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c.schema != "" && digest != ErrorMessageType.Digest() {
		if allowed, declared := a.replies[c.schema]; declared && !allowed[digest] {
			return "not a declared reply"
		}
	}
	if c.interval && len(a.intervalMessages) > 0 && !a.intervalMessages[digest] {
		return "not a declared interval message"
	}
	return ""
}

// runSendHooks runs the hooks of every protocol declaring digest. The
// returned func reverts what the hooks recorded, in reverse order.
func (a *Agent) runSendHooks(c *Context, target, digest string, payload []byte) (func(), error) {
	a.mu.RLock()
	protocols := append([]*Protocol(nil), a.protocols...)
	a.mu.RUnlock()

	var undos []func()
	undo := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}
	for _, p := range protocols {
		if p.hook == nil || !p.HasModel(digest) {
			continue
		}
		u, err := p.hook(c, target, digest, payload)
		if err != nil {
			undo()
			return nil, fmt.Errorf("%s: %w", p.CanonicalName(), err)
		}
		if u != nil {
			undos = append(undos, u)
		}
	}
	return undo, nil
}

// protocolDigestFor returns the digest of the first included protocol that
// declares the model, or "".
func (a *Agent) protocolDigestFor(digest string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.protocols {
		if p.HasModel(digest) {
			return p.Digest()
		}
	}
	return ""
}

// stamp sets a fresh expiry and nonce and signs env.
func (a *Agent) stamp(env *protocol.Envelope, timeout time.Duration) error {
	env.SetExpires(a.clock.Now().Add(timeout).Unix())
	env.SetNonce(rand.Uint64())
	return env.Sign(a.id)
}

// deliver posts env to each endpoint in order until one accepts it.
func (a *Agent) deliver(ctx context.Context, env *protocol.Envelope, endpoints []string) MsgStatus {
	body, err := json.Marshal(env)
	if err != nil {
		a.logger.Error("cannot marshal envelope", "error", err)
		return StatusFailed
	}
	for _, ep := range endpoints {
		if err := a.post(ctx, ep, body); err != nil {
			a.logger.Debug("endpoint rejected envelope", "endpoint", ep, "error", err)
			continue
		}
		return StatusDelivered
	}
	a.logger.Warn("failed to deliver envelope", "target", env.Target, "endpoints", len(endpoints))
	return StatusFailed
}

func (a *Agent) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) emitSent(eventType, target string, session uuid.UUID, digest string, status MsgStatus, reason string) {
	a.bus.Emit(eventType, a.Address(), eventbus.EnvelopeInfo{
		Sender:       a.Address(),
		Target:       target,
		Session:      session.String(),
		SchemaDigest: digest,
		Status:       string(status),
		Reason:       reason,
	})
}
