package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/model"
	"github.com/amurg-ai/agentwire/pkg/storage"
)

// DefaultCleanupInterval is how often expired sessions are swept.
const DefaultCleanupInterval = time.Second

// Options configures a Dialogue.
type Options struct {
	// Timeout is how long a session may sit idle before cleanup removes it.
	// Zero keeps sessions until a terminal message.
	Timeout         time.Duration
	CleanupInterval time.Duration
}

// Entry is one accepted message in a session log.
type Entry struct {
	Message   string          `json:"message"`
	Digest    string          `json:"digest"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// Timeout is in milliseconds; zero never expires.
	Timeout int64 `json:"timeout_ms"`
}

// Session is the persisted state of one conversation.
type Session struct {
	ID       uuid.UUID `json:"id"`
	Current  string    `json:"current"`
	Messages []Entry   `json:"messages"`
}

// Dialogue is a protocol whose messages must follow a rule graph. Session
// state lives in the storage of the agent that includes it.
type Dialogue struct {
	*agent.Protocol

	graph      *Graph
	timeout    time.Duration
	unexpected agent.Handler

	mu sync.Mutex
}

// New builds a dialogue from rules and schedules session cleanup.
func New(name, version string, rules []Rule, opts Options) (*Dialogue, error) {
	g, err := NewGraph(rules)
	if err != nil {
		return nil, fmt.Errorf("dialogue %s: %w", name, err)
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	d := &Dialogue{
		Protocol: agent.NewProtocol(name, version),
		graph:    g,
		timeout:  opts.Timeout,
	}
	for _, n := range g.Nodes() {
		t, _ := g.Model(n.Digest)
		d.Protocol.AddModels(t)
	}
	d.Protocol.SetSendHook(d.onSend)
	d.Protocol.OnInterval(opts.CleanupInterval, func(ctx *agent.Context) error {
		_, err := d.Cleanup(ctx, ctx.Storage(), ctx.Now())
		return err
	})
	return d, nil
}

// Graph returns the validated rule graph.
func (d *Dialogue) Graph() *Graph { return d.graph }

// OnMessage registers a handler for t. Declared replies must be a subset of
// what the rules allow; without a declaration the rules' set is used.
func (d *Dialogue) OnMessage(t model.Type, handler agent.Handler, opts ...agent.HandlerOption) error {
	if _, ok := d.graph.Model(t.Digest()); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, t.Name())
	}

	probe := agent.NewProtocol("probe", "0")
	if err := probe.OnMessage(t, handler, opts...); err != nil {
		return err
	}
	declared, ok := probe.Replies(t.Digest())
	if ok {
		for _, r := range declared {
			if !d.graph.IsValidTransition(t.Digest(), r) {
				return fmt.Errorf("%w: %s may not reply with %s", ErrInvalidReplies, t.Name(), r)
			}
		}
	} else {
		opts = append(opts, agent.WithReplies(d.graph.Allowed(t.Digest())...))
	}

	return d.Protocol.OnMessage(t, d.guard(t, handler), opts...)
}

// OnUnexpected sets the handler for messages that are not a valid next step
// for their session. Without one they are dropped with a warning.
func (d *Dialogue) OnUnexpected(h agent.Handler) { d.unexpected = h }

// guard admits a message into its session before running handler.
func (d *Dialogue) guard(t model.Type, handler agent.Handler) agent.Handler {
	return func(ctx *agent.Context, sender string, msg any) error {
		content, err := t.Encode(msg)
		if err != nil {
			return err
		}
		ok, err := d.Accept(ctx, ctx.Storage(), ctx.Session(), Entry{
			Message:   t.Name(),
			Digest:    t.Digest(),
			Sender:    sender,
			Receiver:  ctx.Address(),
			Content:   content,
			Timestamp: ctx.Now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			if d.unexpected != nil {
				return d.unexpected(ctx, sender, msg)
			}
			ctx.Logger().Warn("dialogue rejected message",
				"dialogue", d.CanonicalName(), "model", t.Name(), "session", ctx.Session())
			return nil
		}
		return handler(ctx, sender, msg)
	}
}

// onSend records outbound dialogue messages, refusing invalid transitions.
// The returned undo restores the session as it was before the send.
func (d *Dialogue) onSend(ctx *agent.Context, target, digest string, payload []byte) (func(), error) {
	t, known := d.graph.Model(digest)
	if !known {
		return nil, nil
	}
	store, session := ctx.Storage(), ctx.Session()
	prev, ok, err := d.accept(ctx, store, session, Entry{
		Message:   t.Name(),
		Digest:    digest,
		Sender:    ctx.Address(),
		Receiver:  target,
		Content:   payload,
		Timestamp: ctx.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in session %s", ErrInvalidTransition, t.Name(), session)
	}
	undoCtx := context.WithoutCancel(ctx)
	return func() {
		if err := d.restore(undoCtx, store, session, prev); err != nil {
			ctx.Logger().Error("restore dialogue session failed",
				"dialogue", d.CanonicalName(), "session", session, "error", err)
		}
	}, nil
}

// Accept admits e into session if it is a valid next step, recording the new
// state and the message. A terminal message closes the session. Rejected
// messages leave the session untouched.
func (d *Dialogue) Accept(ctx context.Context, store storage.Store, session uuid.UUID, e Entry) (bool, error) {
	_, ok, err := d.accept(ctx, store, session, e)
	return ok, err
}

// accept is Accept that also returns the session as it was before, nil if
// there was none.
func (d *Dialogue) accept(ctx context.Context, store storage.Store, session uuid.UUID, e Entry) (*Session, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.load(ctx, store, session)
	if err != nil {
		return nil, false, err
	}
	current := ""
	var prev *Session
	if s != nil {
		current = s.Current
		cp := *s
		cp.Messages = append([]Entry(nil), s.Messages...)
		prev = &cp
	}
	if !d.graph.IsValidTransition(current, e.Digest) {
		return prev, false, nil
	}
	if d.graph.IsTerminal(e.Digest) {
		return prev, true, d.delete(ctx, store, session)
	}
	if s == nil {
		s = &Session{ID: session}
	}
	s.Current = e.Digest
	e.Timeout = timeoutMillis(d.timeout)
	s.Messages = append(s.Messages, e)
	return prev, true, d.save(ctx, store, s)
}

// restore puts back a session captured by accept.
func (d *Dialogue) restore(ctx context.Context, store storage.Store, session uuid.UUID, prev *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev == nil {
		return d.delete(ctx, store, session)
	}
	return d.save(ctx, store, prev)
}

// timeoutMillis rounds positive timeouts up to whole milliseconds so they
// never collapse to the never-expiring zero.
func timeoutMillis(t time.Duration) int64 {
	if t <= 0 {
		return 0
	}
	return int64((t + time.Millisecond - 1) / time.Millisecond)
}

// IsValidMessage reports whether digest may be accepted next in session.
func (d *Dialogue) IsValidMessage(ctx context.Context, store storage.Store, session uuid.UUID, digest string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.load(ctx, store, session)
	if err != nil {
		return false, err
	}
	current := ""
	if s != nil {
		current = s.Current
	}
	return d.graph.IsValidTransition(current, digest), nil
}

// UpdateState sets the session's current state, creating the session if
// needed.
func (d *Dialogue) UpdateState(ctx context.Context, store storage.Store, session uuid.UUID, digest string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.load(ctx, store, session)
	if err != nil {
		return err
	}
	if s == nil {
		s = &Session{ID: session}
	}
	s.Current = digest
	return d.save(ctx, store, s)
}

// AddMessage appends e to the session log.
func (d *Dialogue) AddMessage(ctx context.Context, store storage.Store, session uuid.UUID, e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.load(ctx, store, session)
	if err != nil {
		return err
	}
	if s == nil {
		s = &Session{ID: session}
	}
	s.Messages = append(s.Messages, e)
	return d.save(ctx, store, s)
}

// Session returns the stored session, or nil if there is none.
func (d *Dialogue) Session(ctx context.Context, store storage.Store, session uuid.UUID) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(ctx, store, session)
}

// Sessions lists the ids of stored sessions.
func (d *Dialogue) Sessions(ctx context.Context, store storage.Store) ([]uuid.UUID, error) {
	keys, err := store.Keys(ctx, d.prefix())
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		id, err := uuid.Parse(strings.TrimPrefix(k, d.prefix()))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Cleanup removes sessions whose latest message is older than its timeout.
// Sessions with a zero timeout are kept.
func (d *Dialogue) Cleanup(ctx context.Context, store storage.Store, now time.Time) (int, error) {
	ids, err := d.Sessions(ctx, store)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for _, id := range ids {
		s, err := d.load(ctx, store, id)
		if err != nil || s == nil || len(s.Messages) == 0 {
			continue
		}
		last := s.Messages[len(s.Messages)-1]
		if last.Timeout == 0 {
			continue
		}
		if now.Sub(last.Timestamp) > time.Duration(last.Timeout)*time.Millisecond {
			if err := d.delete(ctx, store, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (d *Dialogue) prefix() string {
	return "dialogue/" + d.CanonicalName() + "/"
}

func (d *Dialogue) key(session uuid.UUID) string {
	return d.prefix() + session.String()
}

func (d *Dialogue) load(ctx context.Context, store storage.Store, session uuid.UUID) (*Session, error) {
	var s Session
	err := storage.GetJSON(ctx, store, d.key(session), &s)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", session, err)
	}
	return &s, nil
}

func (d *Dialogue) save(ctx context.Context, store storage.Store, s *Session) error {
	if err := storage.SetJSON(ctx, store, d.key(s.ID), s); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (d *Dialogue) delete(ctx context.Context, store storage.Store, session uuid.UUID) error {
	if err := store.Delete(ctx, d.key(session)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete session %s: %w", session, err)
	}
	return nil
}
