package mailbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/protocol"
)

var testSecret = []byte("mailbox-test-secret")

// fakeRelay is an in-memory relay holding envelopes for a single address.
type fakeRelay struct {
	t     *testing.T
	clock clock.Clock
	ttl   time.Duration

	mu     sync.Mutex
	items  []protocol.StoredEnvelope
	proofs int
}

func newFakeRelay(t *testing.T, clk clock.Clock) (*fakeRelay, *httptest.Server) {
	f := &fakeRelay{t: t, clock: clk, ttl: time.Minute}
	r := chi.NewRouter()
	r.Get("/v1/auth/challenge", f.challenge)
	r.Post("/v1/auth/prove", f.prove)
	r.Get("/v1/mailbox", f.authed(f.list))
	r.Delete("/v1/mailbox/{id}", f.authed(f.remove))
	r.Get("/v1/mailbox/ws", f.authed(f.stream))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeRelay) add(env protocol.Envelope) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.items = append(f.items, protocol.StoredEnvelope{UUID: id, Envelope: env, ReceivedAt: f.clock.Now()})
	return id
}

func (f *fakeRelay) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeRelay) proofCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proofs
}

func (f *fakeRelay) challenge(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(protocol.ChallengeResponse{Challenge: "challenge-" + r.URL.Query().Get("address")})
}

func (f *fakeRelay) prove(w http.ResponseWriter, r *http.Request) {
	var req protocol.ProveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	digest := sha256.Sum256([]byte(req.Challenge))
	ok, err := identity.VerifyDigest(req.Address, digest[:], req.ChallengeResponse)
	if err != nil || !ok || req.Challenge != "challenge-"+req.Address {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "identity proof rejected"})
		return
	}
	expiry := f.clock.Now().Add(f.ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   req.Address,
		ExpiresAt: jwt.NewNumericDate(expiry),
	}).SignedString(testSecret)
	if err != nil {
		f.t.Errorf("sign token: %v", err)
		return
	}
	f.mu.Lock()
	f.proofs++
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(protocol.ProveResponse{AccessToken: token, Expiry: expiry})
}

func (f *fakeRelay) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) { return testSecret, nil },
			jwt.WithTimeFunc(f.clock.Now), jwt.WithExpirationRequired())
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakeRelay) list(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	items := append([]protocol.StoredEnvelope{}, f.items...)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(items)
}

func (f *fakeRelay) removeID(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.items {
		if item.UUID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeRelay) remove(w http.ResponseWriter, r *http.Request) {
	if !f.removeID(chi.URLParam(r, "id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRelay) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	items := append([]protocol.StoredEnvelope{}, f.items...)
	f.mu.Unlock()
	for i := range items {
		if err := conn.WriteJSON(protocol.StreamFrame{Type: protocol.FrameEnvelope, UUID: items[i].UUID, Envelope: &items[i]}); err != nil {
			return
		}
	}
	for {
		var frame protocol.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == protocol.FrameAck {
			f.removeID(frame.UUID)
		}
	}
}

// fakeInbox records envelopes and answers with a preset error.
type fakeInbox struct {
	id *identity.Identity

	mu   sync.Mutex
	got  []*protocol.Envelope
	errs map[string]error // by sender
}

func (i *fakeInbox) Identity() *identity.Identity { return i.id }

func (i *fakeInbox) HandleEnvelope(_ context.Context, env *protocol.Envelope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, env)
	return i.errs[env.Sender]
}

func (i *fakeInbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.got)
}

func testEnvelope(t *testing.T, from *identity.Identity, to string) protocol.Envelope {
	t.Helper()
	env := protocol.Envelope{
		Version:      protocol.EnvelopeVersion,
		Sender:       from.Address(),
		Target:       to,
		Session:      uuid.New(),
		SchemaDigest: "model:" + strings.Repeat("ef", 32),
	}
	env.EncodePayload([]byte(`{}`))
	if err := env.Sign(from); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return env
}

func TestNewValidatesOptions(t *testing.T) {
	inbox := &fakeInbox{id: identity.FromSeed("mailbox bob", 0)}
	if _, err := New(inbox, Options{}); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := New(inbox, Options{URL: "http://relay", Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	c, err := New(inbox, Options{URL: "https://relay.example/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.Mode != ModePoll || c.opts.PollInterval != DefaultPollInterval {
		t.Fatalf("defaults not applied: %+v", c.opts)
	}
	if got := c.streamURL(); got != "wss://relay.example/v1/mailbox/ws" {
		t.Fatalf("streamURL = %q", got)
	}
}

func TestPollDeliversAndDeletes(t *testing.T) {
	clk := clock.NewMock()
	relay, ts := newFakeRelay(t, clk)
	alice := identity.FromSeed("mailbox alice", 0)
	mallory := identity.FromSeed("mailbox mallory", 0)
	carol := identity.FromSeed("mailbox carol", 0)
	bob := identity.FromSeed("mailbox bob", 0)

	inbox := &fakeInbox{id: bob, errs: map[string]error{
		mallory.Address(): fmt.Errorf("bad signature: %w", agent.ErrVerification),
		carol.Address():   fmt.Errorf("no handler: %w", agent.ErrUnroutable),
	}}
	relay.add(testEnvelope(t, alice, bob.Address()))
	relay.add(testEnvelope(t, mallory, bob.Address()))
	keptID := relay.add(testEnvelope(t, carol, bob.Address()))

	c, err := New(inbox, Options{URL: ts.URL, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d envelopes, want 2", n)
	}
	if inbox.count() != 3 {
		t.Fatalf("inbox saw %d envelopes, want 3", inbox.count())
	}
	relay.mu.Lock()
	left := relay.items
	relay.mu.Unlock()
	if len(left) != 1 || left[0].UUID != keptID {
		t.Fatalf("expected only the undeliverable envelope to remain, got %+v", left)
	}

	// The kept envelope is offered again on the next poll.
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if inbox.count() != 4 {
		t.Fatalf("inbox saw %d envelopes after redelivery, want 4", inbox.count())
	}
}

func TestTokenRefresh(t *testing.T) {
	clk := clock.NewMock()
	relay, ts := newFakeRelay(t, clk)
	bob := identity.FromSeed("mailbox bob", 0)
	c, err := New(&fakeInbox{id: bob}, Options{URL: ts.URL, Clock: clk, RefreshMargin: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := relay.proofCount(); got != 1 {
		t.Fatalf("proofs = %d, want 1 while the token is fresh", got)
	}

	// Inside the refresh margin the client proves again.
	clk.Add(55 * time.Second)
	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := relay.proofCount(); got != 2 {
		t.Fatalf("proofs = %d, want 2 after refresh", got)
	}
}

func TestUnauthorizedDropsToken(t *testing.T) {
	clk := clock.NewMock()
	_, ts := newFakeRelay(t, clk)
	bob := identity.FromSeed("mailbox bob", 0)
	c, err := New(&fakeInbox{id: bob}, Options{URL: ts.URL, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// The relay stops honoring the token while the client still believes
	// it is valid.
	clk.Add(2 * time.Minute)
	c.mu.Lock()
	c.tokenExpiry = clk.Now().Add(time.Hour)
	c.mu.Unlock()
	if _, err := c.Poll(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		t.Fatal("token should be cleared after 401")
	}
}

func TestAuthenticateFailsOnMissingRelay(t *testing.T) {
	clk := clock.NewMock()
	_, ts := newFakeRelay(t, clk)

	c, err := New(&fakeInbox{id: identity.FromSeed("mailbox bob", 0)}, Options{URL: ts.URL + "/nowhere", Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Poll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "request challenge") {
		t.Fatalf("expected challenge error, got %v", err)
	}
}

func TestStreamDeliversAndAcks(t *testing.T) {
	relay, ts := newFakeRelay(t, clock.New())
	alice := identity.FromSeed("mailbox alice", 0)
	carol := identity.FromSeed("mailbox carol", 0)
	bob := identity.FromSeed("mailbox bob", 0)

	relay.add(testEnvelope(t, alice, bob.Address()))
	relay.add(testEnvelope(t, carol, bob.Address()))

	bus := eventbus.New()
	events := bus.Subscribe(eventbus.MailboxConnected, eventbus.MailboxDisconnected)
	inbox := &fakeInbox{id: bob, errs: map[string]error{carol.Address(): errors.New("handler busy")}}
	c, err := New(inbox, Options{URL: ts.URL, Mode: ModeStream, Bus: bus, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case e := <-events:
		if e.Type != eventbus.MailboxConnected || e.Agent != bob.Address() {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	deadline := time.Now().Add(3 * time.Second)
	for relay.pending() != 1 || inbox.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pending=%d seen=%d", relay.pending(), inbox.count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestForAgentSharesAgentServices(t *testing.T) {
	bus := eventbus.New()
	clk := clock.NewMock()
	a, err := agent.New(agent.Options{Identity: identity.FromSeed("mailbox agent", 0), Bus: bus, Clock: clk})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	c, err := ForAgent(a, Options{URL: "http://relay"})
	if err != nil {
		t.Fatalf("ForAgent: %v", err)
	}
	if c.bus != bus || c.clock != clk {
		t.Fatal("client should share the agent's bus and clock")
	}
	if c.inbox.Identity().Address() != a.Address() {
		t.Fatal("client should fetch for the agent's address")
	}
}
