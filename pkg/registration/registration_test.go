package registration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu        sync.Mutex
	registers []protocol.Attestation
	expiry    time.Duration
	err       error
}

func (f *fakeBackend) IsRegistered(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers) > 0, nil
}

func (f *fakeBackend) Register(_ context.Context, att protocol.Attestation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.registers = append(f.registers, att)
	return nil
}

func (f *fakeBackend) GetExpiry(context.Context, string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry, nil
}

func (f *fakeBackend) GetEndpoints(context.Context, string) ([]protocol.Endpoint, error) {
	return nil, nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers)
}

var testEndpoints = []protocol.Endpoint{{URL: "http://localhost:8000/submit", Weight: 1}}

func TestAPIPolicyRegistersOnceWhileFresh(t *testing.T) {
	ctx := context.Background()
	id := identity.FromSeed("api-policy", 0)
	backend := &fakeBackend{expiry: time.Hour}
	p := NewAPIPolicy(backend, testLogger())

	if err := p.Register(ctx, id, []string{"proto:a"}, testEndpoints); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := p.Register(ctx, id, []string{"proto:a"}, testEndpoints); err != nil {
		t.Fatalf("Register (repeat): %v", err)
	}
	if backend.count() != 1 {
		t.Fatalf("expected 1 registration, got %d", backend.count())
	}

	att := backend.registers[0]
	if ok, err := att.Verify(); err != nil || !ok {
		t.Errorf("attestation did not verify: ok=%v err=%v", ok, err)
	}
}

func TestAPIPolicyRenewsOnChangeOrExpiry(t *testing.T) {
	ctx := context.Background()
	id := identity.FromSeed("api-policy", 0)
	backend := &fakeBackend{expiry: time.Hour}
	p := NewAPIPolicy(backend, testLogger())

	_ = p.Register(ctx, id, []string{"proto:a"}, testEndpoints)
	if err := p.Register(ctx, id, []string{"proto:a", "proto:b"}, testEndpoints); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if backend.count() != 2 {
		t.Fatalf("protocol change: expected 2 registrations, got %d", backend.count())
	}

	backend.expiry = time.Minute
	if err := p.Register(ctx, id, []string{"proto:b", "proto:a"}, testEndpoints); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if backend.count() != 3 {
		t.Fatalf("near expiry: expected 3 registrations, got %d", backend.count())
	}
}

func TestAPIPolicyFailureIsReturned(t *testing.T) {
	backend := &fakeBackend{err: errors.New("almanac down")}
	p := NewAPIPolicy(backend, testLogger())
	err := p.Register(context.Background(), identity.FromSeed("x", 0), nil, testEndpoints)
	if err == nil || !strings.Contains(err.Error(), "almanac down") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

type fakeLedger struct {
	registered bool
	expiry     time.Duration
	endpoints  []protocol.Endpoint
	protocols  []string
	sequence   uint64
	err        error
	records    []LedgerRecord
}

func (l *fakeLedger) IsRegistered(context.Context, string) (bool, error) { return l.registered, nil }
func (l *fakeLedger) GetExpiry(context.Context, string) (time.Duration, error) {
	return l.expiry, nil
}
func (l *fakeLedger) GetEndpoints(context.Context, string) ([]protocol.Endpoint, error) {
	return l.endpoints, nil
}
func (l *fakeLedger) GetProtocols(context.Context, string) ([]string, error) {
	return l.protocols, nil
}
func (l *fakeLedger) GetSequence(context.Context, string) (uint64, error) { return l.sequence, nil }
func (l *fakeLedger) Register(_ context.Context, rec LedgerRecord) error {
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	return nil
}

func TestLedgerPolicySkipsWhenUpToDate(t *testing.T) {
	ledger := &fakeLedger{registered: true, expiry: time.Hour, endpoints: testEndpoints, protocols: []string{"proto:a"}}
	p := NewLedgerPolicy(ledger, "contract1", testLogger())
	if err := p.Register(context.Background(), identity.FromSeed("l", 0), []string{"proto:a"}, testEndpoints); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(ledger.records) != 0 {
		t.Fatalf("expected no ledger registration, got %d", len(ledger.records))
	}
}

func TestLedgerPolicySignsSequence(t *testing.T) {
	id := identity.FromSeed("l", 0)
	ledger := &fakeLedger{sequence: 5}
	p := NewLedgerPolicy(ledger, "contract1", testLogger())
	if err := p.Register(context.Background(), id, []string{"proto:a"}, testEndpoints); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(ledger.records) != 1 {
		t.Fatalf("expected 1 ledger registration, got %d", len(ledger.records))
	}
	want, _ := id.SignRegistration("contract1", 5)
	if ledger.records[0].Signature != want {
		t.Error("ledger registration signature mismatch")
	}
}

func TestLedgerPolicyInsufficientFunds(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("insufficient funds")}
	p := NewLedgerPolicy(ledger, "contract1", testLogger())
	err := p.Register(context.Background(), identity.FromSeed("l", 0), nil, testEndpoints)
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("expected funds error, got %v", err)
	}
}

func TestDefaultPolicyAttemptsBoth(t *testing.T) {
	backend := &fakeBackend{err: errors.New("almanac down")}
	ledger := &fakeLedger{}
	p := NewDefaultPolicy(NewAPIPolicy(backend, testLogger()), NewLedgerPolicy(ledger, "c", testLogger()))
	err := p.Register(context.Background(), identity.FromSeed("d", 0), nil, testEndpoints)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ledger.records) != 1 {
		t.Errorf("ledger should still be attempted, got %d records", len(ledger.records))
	}
}

func TestRunnerRetriesOnTick(t *testing.T) {
	mock := clock.NewMock()
	backend := &fakeBackend{err: errors.New("unavailable")}
	results := make(chan error, 4)
	r := &Runner{
		Policy:    NewAPIPolicy(backend, testLogger()),
		Signer:    identity.FromSeed("runner", 0),
		Protocols: func() []string { return []string{"proto:a"} },
		Endpoints: testEndpoints,
		Interval:  time.Minute,
		Clock:     mock,
		Logger:    testLogger(),
		OnResult:  func(err error) { results <- err },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("first attempt should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first attempt")
	}

	backend.mu.Lock()
	backend.err = nil
	backend.mu.Unlock()
	mock.Add(time.Minute)

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("second attempt: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want context.Canceled", err)
	}
}

func TestAlmanacClient(t *testing.T) {
	id := identity.FromSeed("almanac-client", 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var stored *protocol.Attestation

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/almanac/agents":
			var att protocol.Attestation
			if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			stored = &att
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/almanac/agents/"+id.Address():
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(protocol.AgentRecord{
				Address:   stored.AgentAddress,
				Protocols: stored.Protocols,
				Endpoints: stored.Endpoints,
				Expiry:    now.Add(time.Hour),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mock := clock.NewMock()
	mock.Set(now)
	c := NewAlmanacClient(srv.URL+"/", nil)
	c.SetClock(mock)
	ctx := context.Background()

	if ok, err := c.IsRegistered(ctx, id.Address()); err != nil || ok {
		t.Fatalf("IsRegistered before: ok=%v err=%v", ok, err)
	}
	if eps, err := c.GetEndpoints(ctx, id.Address()); err != nil || len(eps) != 0 {
		t.Fatalf("GetEndpoints before: %v %v", eps, err)
	}

	att := protocol.Attestation{AgentAddress: id.Address(), Endpoints: testEndpoints, Timestamp: now.Unix()}
	if err := att.Sign(id); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(ctx, att); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ok, err := c.IsRegistered(ctx, id.Address()); err != nil || !ok {
		t.Fatalf("IsRegistered after: ok=%v err=%v", ok, err)
	}
	exp, err := c.GetExpiry(ctx, id.Address())
	if err != nil || exp != time.Hour {
		t.Errorf("GetExpiry: %v %v", exp, err)
	}
	eps, err := c.GetEndpoints(ctx, id.Address())
	if err != nil || len(eps) != 1 || eps[0].URL != testEndpoints[0].URL {
		t.Errorf("GetEndpoints: %v %v", eps, err)
	}

	mock.Add(2 * time.Hour)
	if exp, _ := c.GetExpiry(ctx, id.Address()); exp != 0 {
		t.Errorf("GetExpiry after expiry: got %v", exp)
	}
}
