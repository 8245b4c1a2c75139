package dialogue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/model"
	"github.com/amurg-ai/agentwire/pkg/resolver"
	"github.com/amurg-ai/agentwire/pkg/storage"
)

type Start struct {
	Topic string `json:"topic"`
}

type Accept struct {
	OK bool `json:"ok"`
}

type Done struct{}

type Reject struct {
	Reason string `json:"reason"`
}

var (
	startType  = model.MustTypeOf[Start]()
	acceptType = model.MustTypeOf[Accept]()
	doneType   = model.MustTypeOf[Done]()
	rejectType = model.MustTypeOf[Reject]()
)

// S -> A -> {B, C}
func testRules() []Rule {
	return []Rule{
		{Message: startType, Replies: []model.Type{acceptType}},
		{Message: acceptType, Replies: []model.Type{doneType, rejectType}},
	}
}

func TestGraphValidation(t *testing.T) {
	g, err := NewGraph(testRules())
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	if g.Starter().Digest() != startType.Digest() {
		t.Errorf("starter = %s", g.Starter().Name())
	}
	if !g.IsTerminal(doneType.Digest()) || !g.IsTerminal(rejectType.Digest()) {
		t.Error("reply types without rules should be terminal")
	}
	if g.IsTerminal(acceptType.Digest()) {
		t.Error("Accept is not terminal")
	}
	nodes := g.Nodes()
	if len(nodes) != 4 || nodes[0].Digest != startType.Digest() || !nodes[0].Starter {
		t.Errorf("nodes = %+v", nodes)
	}
	edges := g.Edges()
	if len(edges) != 4 || edges[0].Parent != "" {
		t.Errorf("edges = %+v", edges)
	}
}

func TestGraphRejectsCycles(t *testing.T) {
	_, err := NewGraph([]Rule{
		{Message: startType, Replies: []model.Type{acceptType}},
		{Message: acceptType, Replies: []model.Type{doneType}},
		{Message: doneType, Replies: []model.Type{acceptType}},
	})
	if !errors.Is(err, ErrCyclicRules) {
		t.Fatalf("expected ErrCyclicRules, got %v", err)
	}
}

func TestGraphRequiresSingleStarter(t *testing.T) {
	_, err := NewGraph([]Rule{
		{Message: startType, Replies: []model.Type{doneType}},
		{Message: acceptType, Replies: []model.Type{doneType}},
	})
	if !errors.Is(err, ErrNoStarter) {
		t.Fatalf("expected ErrNoStarter, got %v", err)
	}
}

func TestAcceptFollowsRules(t *testing.T) {
	d, err := New("negotiation", "1.0", testRules(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	store := storage.NewMemory()
	session := uuid.New()
	now := time.Unix(1_700_000_000, 0)

	accept := func(tp model.Type) bool {
		t.Helper()
		ok, err := d.Accept(ctx, store, session, Entry{Message: tp.Name(), Digest: tp.Digest(), Timestamp: now})
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		return ok
	}

	if accept(acceptType) {
		t.Fatal("a session must open with the starter")
	}
	if s, _ := d.Session(ctx, store, session); s != nil {
		t.Fatal("rejected message created a session")
	}
	if !accept(startType) {
		t.Fatal("starter rejected")
	}
	if accept(doneType) {
		t.Fatal("Done may not follow Start")
	}
	s, err := d.Session(ctx, store, session)
	if err != nil || s == nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Current != startType.Digest() || len(s.Messages) != 1 {
		t.Errorf("rejected message changed state: %+v", s)
	}

	if !accept(acceptType) {
		t.Fatal("Accept rejected after Start")
	}
	if ok, _ := d.IsValidMessage(ctx, store, session, rejectType.Digest()); !ok {
		t.Error("Reject should be valid after Accept")
	}
	if !accept(doneType) {
		t.Fatal("Done rejected after Accept")
	}
	if s, _ := d.Session(ctx, store, session); s != nil {
		t.Error("terminal message should close the session")
	}
}

func TestCleanupRemovesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Unix(1_700_000_000, 0)

	expiring, _ := New("expiring", "1.0", testRules(), Options{Timeout: 10 * time.Second})
	forever, _ := New("forever", "1.0", testRules(), Options{})

	s1, s2 := uuid.New(), uuid.New()
	entry := Entry{Message: startType.Name(), Digest: startType.Digest(), Timestamp: now}
	if ok, err := expiring.Accept(ctx, store, s1, entry); !ok || err != nil {
		t.Fatalf("Accept: %v %v", ok, err)
	}
	if ok, err := forever.Accept(ctx, store, s2, entry); !ok || err != nil {
		t.Fatalf("Accept: %v %v", ok, err)
	}

	if n, err := expiring.Cleanup(ctx, store, now.Add(5*time.Second)); err != nil || n != 0 {
		t.Fatalf("early cleanup removed %d (%v)", n, err)
	}
	if n, err := expiring.Cleanup(ctx, store, now.Add(11*time.Second)); err != nil || n != 1 {
		t.Fatalf("cleanup removed %d (%v)", n, err)
	}
	if s, _ := expiring.Session(ctx, store, s1); s != nil {
		t.Error("expired session still stored")
	}

	if n, _ := forever.Cleanup(ctx, store, now.Add(24*time.Hour)); n != 0 {
		t.Errorf("zero timeout session removed")
	}
	if s, _ := forever.Session(ctx, store, s2); s == nil {
		t.Error("zero timeout session missing")
	}
}

func TestCleanupHonoursSubSecondTimeouts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Unix(1_700_000_000, 0)
	entry := Entry{Message: startType.Name(), Digest: startType.Digest(), Timestamp: now}

	tests := []struct {
		name    string
		timeout time.Duration
		kept    time.Duration
		removed time.Duration
	}{
		{"half second", 500 * time.Millisecond, 400 * time.Millisecond, 600 * time.Millisecond},
		{"one and a half seconds", 1500 * time.Millisecond, 1200 * time.Millisecond, 1600 * time.Millisecond},
		{"sub millisecond", 100 * time.Microsecond, 0, 2 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.name, "1.0", testRules(), Options{Timeout: tt.timeout})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			session := uuid.New()
			if ok, err := d.Accept(ctx, store, session, entry); !ok || err != nil {
				t.Fatalf("Accept: %v %v", ok, err)
			}
			s, _ := d.Session(ctx, store, session)
			if s == nil || s.Messages[0].Timeout == 0 {
				t.Fatalf("positive timeout stored as never expiring: %+v", s)
			}
			if n, err := d.Cleanup(ctx, store, now.Add(tt.kept)); err != nil || n != 0 {
				t.Fatalf("early cleanup removed %d (%v)", n, err)
			}
			if n, err := d.Cleanup(ctx, store, now.Add(tt.removed)); err != nil || n != 1 {
				t.Fatalf("cleanup removed %d (%v)", n, err)
			}
		})
	}
}

func TestCleanupRunsOnAgentInterval(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	a, err := agent.New(agent.Options{Name: "sweeper", Identity: identity.FromSeed("dialogue-sweeper", 0), Clock: clk})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	d, err := New("negotiation", "1.0", testRules(), Options{Timeout: 10 * time.Second, CleanupInterval: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Include(d.Protocol, false); err != nil {
		t.Fatalf("Include: %v", err)
	}

	session := uuid.New()
	entry := Entry{Message: startType.Name(), Digest: startType.Digest(), Timestamp: clk.Now()}
	if ok, err := d.Accept(context.Background(), a.Storage(), session, entry); !ok || err != nil {
		t.Fatalf("Accept: %v %v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-runErr; err != nil {
			t.Errorf("agent run: %v", err)
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		s, err := d.Session(context.Background(), a.Storage(), session)
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if s == nil {
			break
		}
		clk.Add(time.Second)
		if time.Now().After(deadline) {
			t.Fatalf("session not swept at %s", clk.Now().Sub(entry.Timestamp))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if elapsed := clk.Now().Sub(entry.Timestamp); elapsed <= 10*time.Second {
		t.Errorf("session swept after %s, before its timeout", elapsed)
	}
}

func TestFailedSendLeavesSessionUntouched(t *testing.T) {
	peers := resolver.NewStatic(nil)
	a, err := agent.New(agent.Options{Name: "buyer", Identity: identity.FromSeed("dialogue-retry", 0), Resolver: peers})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	d, err := New("negotiation", "1.0", testRules(), Options{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Include(d.Protocol, false); err != nil {
		t.Fatalf("Include: %v", err)
	}
	seller := identity.FromSeed("dialogue-retry-seller", 0).Address()
	ctx := a.NewContext(context.Background())
	session := uuid.New()

	if st := ctx.Send(seller, Start{Topic: "widgets"}, agent.WithSession(session)); st != agent.StatusFailed {
		t.Fatalf("unresolvable send = %s", st)
	}
	if s, _ := d.Session(ctx, a.Storage(), session); s != nil {
		t.Fatalf("failed send opened a session: %+v", s)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	peers.Set(seller, ts.URL+"/submit")

	if st := ctx.Send(seller, Start{Topic: "widgets"}, agent.WithSession(session)); st != agent.StatusDelivered {
		t.Fatalf("retry = %s", st)
	}
	s, _ := d.Session(ctx, a.Storage(), session)
	if s == nil || s.Current != startType.Digest() || len(s.Messages) != 1 {
		t.Fatalf("session after retry = %+v", s)
	}

	// A failed terminal message must not close the session.
	if ok, err := d.Accept(ctx, a.Storage(), session, Entry{Digest: acceptType.Digest(), Timestamp: time.Now()}); !ok || err != nil {
		t.Fatalf("Accept: %v %v", ok, err)
	}
	peers.Set(seller)
	if st := ctx.Send(seller, Done{}, agent.WithSession(session)); st != agent.StatusFailed {
		t.Fatalf("unresolvable Done = %s", st)
	}
	s, _ = d.Session(ctx, a.Storage(), session)
	if s == nil || s.Current != acceptType.Digest() || len(s.Messages) != 2 {
		t.Fatalf("session after failed Done = %+v", s)
	}
}

func TestOnMessageChecksReplies(t *testing.T) {
	d, _ := New("negotiation", "1.0", testRules(), Options{})
	nop := func(*agent.Context, string, any) error { return nil }

	if err := d.OnMessage(startType, nop, agent.WithReplies(doneType)); !errors.Is(err, ErrInvalidReplies) {
		t.Fatalf("expected ErrInvalidReplies, got %v", err)
	}
	type Other struct{}
	if err := d.OnMessage(model.MustTypeOf[Other](), nop); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if err := d.OnMessage(acceptType, nop); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	replies, declared := d.Replies(acceptType.Digest())
	if !declared || len(replies) != 2 {
		t.Errorf("replies = %v, declared = %v", replies, declared)
	}
}

func TestDialogueBetweenAgents(t *testing.T) {
	b := agent.NewBureau(agent.BureauOptions{})
	initiator, err := b.NewAgent(agent.Options{Name: "buyer", Identity: identity.FromSeed("dialogue-buyer", 0)})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	responder, err := b.NewAgent(agent.Options{Name: "seller", Identity: identity.FromSeed("dialogue-seller", 0)})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	buyer, _ := New("negotiation", "1.0", testRules(), Options{Timeout: time.Minute})
	seller, _ := New("negotiation", "1.0", testRules(), Options{Timeout: time.Minute})

	accepted := make(chan uuid.UUID, 1)
	if err := buyer.OnMessage(acceptType, agent.Typed(func(ctx *agent.Context, sender string, _ Accept) error {
		accepted <- ctx.Session()
		ctx.Send(sender, Done{})
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	if err := seller.OnMessage(startType, agent.Typed(func(ctx *agent.Context, sender string, _ Start) error {
		ctx.Send(sender, Accept{OK: true})
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	done := make(chan uuid.UUID, 1)
	if err := seller.OnMessage(doneType, agent.Typed(func(ctx *agent.Context, _ string, _ Done) error {
		done <- ctx.Session()
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	unexpected := make(chan struct{}, 1)
	seller.OnUnexpected(func(*agent.Context, string, any) error {
		unexpected <- struct{}{}
		return nil
	})

	if err := initiator.Include(buyer.Protocol, false); err != nil {
		t.Fatal(err)
	}
	if err := responder.Include(seller.Protocol, false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-runErr; err != nil {
			t.Errorf("bureau run: %v", err)
		}
	}()

	out := initiator.NewContext(ctx)
	if status := out.Send(responder.Address(), Start{Topic: "widgets"}); !status.OK() {
		t.Fatalf("send status = %s", status)
	}

	var session uuid.UUID
	select {
	case session = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("no Accept received")
	}
	select {
	case got := <-done:
		if got != session {
			t.Errorf("Done arrived in session %s, want %s", got, session)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no Done received")
	}

	// Opening with a non-starter is refused locally.
	if status := out.Send(responder.Address(), Accept{}); status != agent.StatusFailed {
		t.Errorf("out-of-order send status = %s", status)
	}
	select {
	case <-unexpected:
		t.Error("refused send reached the responder")
	default:
	}

	if s, _ := buyer.Session(ctx, initiator.Storage(), session); s != nil {
		t.Errorf("buyer session not closed: %+v", s)
	}
}
