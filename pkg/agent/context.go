package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/storage"
)

// Context is the handle given to message and interval handlers. It carries
// the triggering message, if any, so replies can be checked against the
// handler's declared reply set.
type Context struct {
	context.Context

	agent   *Agent
	session uuid.UUID
	// sender and schema describe the inbound message; both are empty for
	// interval contexts.
	sender   string
	schema   string
	interval bool
}

func (c *Context) Address() string { return c.agent.Address() }
func (c *Context) Name() string { return c.agent.Name() }
func (c *Context) Logger() *slog.Logger { return c.agent.logger }
func (c *Context) Storage() storage.Store { return c.agent.store }
func (c *Context) Session() uuid.UUID { return c.session }
func (c *Context) Agent() *Agent { return c.agent }
func (c *Context) Now() time.Time { return c.agent.clock.Now() }

// Sender is the address the triggering message came from, empty in an
// interval context.
func (c *Context) Sender() string { return c.sender }

// SchemaDigest is the digest of the triggering message, empty in an interval
// context.
func (c *Context) SchemaDigest() string { return c.schema }

// SendOption adjusts a single send.
type SendOption func(*sendConfig)

type sendConfig struct {
	timeout time.Duration
	session uuid.UUID
	mode    SendMode
	hasMode bool
}

// WithTimeout sets the envelope expiry relative to now.
func WithTimeout(d time.Duration) SendOption {
	return func(c *sendConfig) { c.timeout = d }
}

// WithSession overrides the context's session.
func WithSession(s uuid.UUID) SendOption {
	return func(c *sendConfig) { c.session = s }
}

// WithMode overrides the agent's send mode for one message.
func WithMode(m SendMode) SendOption {
	return func(c *sendConfig) { c.mode = m; c.hasMode = true }
}

// Send delivers msg to destination and reports the outcome. It never panics
// or returns an error; failures are logged and reported as StatusFailed.
func (c *Context) Send(destination string, msg any, opts ...SendOption) MsgStatus {
	cfg := sendConfig{timeout: c.agent.opts.SendTimeout, session: c.session, mode: c.agent.opts.SendMode}
	for _, o := range opts {
		o(&cfg)
	}
	return c.agent.send(c, destination, msg, cfg)
}
