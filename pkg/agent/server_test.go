package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/model"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/pkg/resolver"
)

func signedEnvelope(t *testing.T, sender *identity.Identity, target string, msg any, expires time.Time) *protocol.Envelope {
	t.Helper()
	payload, digest, err := model.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env := &protocol.Envelope{
		Version:      protocol.EnvelopeVersion,
		Sender:       sender.Address(),
		Target:       target,
		Session:      uuid.New(),
		SchemaDigest: digest,
	}
	env.EncodePayload(payload)
	env.SetExpires(expires.Unix())
	env.SetNonce(7)
	if err := env.Sign(sender); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return env
}

func postEnvelope(t *testing.T, url string, body []byte) (int, protocol.ErrorResponse) {
	t.Helper()
	resp, err := http.Post(url+protocol.SubmitPath, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var e protocol.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)
	return resp.StatusCode, e
}

func TestSubmitStatusCodes(t *testing.T) {
	target, _ := New(Options{Identity: identity.FromSeed("submit-target", 0), Logger: testLogger()})
	got := make(chan Ping, 4)
	_ = target.OnMessage(pingType, Typed(func(_ *Context, _ string, msg Ping) error {
		got <- msg
		return nil
	}))
	runAgent(t, target)
	srv := httptest.NewServer(target.Handler())
	defer srv.Close()

	sender := identity.FromSeed("submit-sender", 0)
	future := time.Now().Add(time.Minute)

	marshal := func(env *protocol.Envelope) []byte {
		data, _ := json.Marshal(env)
		return data
	}

	t.Run("accepted", func(t *testing.T) {
		code, _ := postEnvelope(t, srv.URL, marshal(signedEnvelope(t, sender, target.Address(), Ping{Text: "ok"}, future)))
		if code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if msg := waitFor(t, got); msg.Text != "ok" {
			t.Errorf("received %q", msg.Text)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if code, _ := postEnvelope(t, srv.URL, []byte("{not json")); code != http.StatusBadRequest {
			t.Errorf("status = %d", code)
		}
	})

	t.Run("tampered", func(t *testing.T) {
		env := signedEnvelope(t, sender, target.Address(), Ping{Text: "ok"}, future)
		env.Session = uuid.New()
		code, e := postEnvelope(t, srv.URL, marshal(env))
		if code != http.StatusBadRequest || e.Error == "" {
			t.Errorf("status = %d, error = %q", code, e.Error)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		env := signedEnvelope(t, sender, target.Address(), Ping{}, future)
		env.Signature = ""
		if code, _ := postEnvelope(t, srv.URL, marshal(env)); code != http.StatusBadRequest {
			t.Errorf("status = %d", code)
		}
	})

	t.Run("expired", func(t *testing.T) {
		env := signedEnvelope(t, sender, target.Address(), Ping{}, time.Now().Add(-time.Minute))
		if code, _ := postEnvelope(t, srv.URL, marshal(env)); code != http.StatusBadRequest {
			t.Errorf("status = %d", code)
		}
	})

	t.Run("unroutable", func(t *testing.T) {
		other := identity.FromSeed("nobody", 0).Address()
		code, e := postEnvelope(t, srv.URL, marshal(signedEnvelope(t, sender, other, Ping{}, future)))
		if code != http.StatusNotFound || !strings.Contains(e.Error, "route") {
			t.Errorf("status = %d, error = %q", code, e.Error)
		}
	})

	select {
	case msg := <-got:
		t.Errorf("rejected envelope was dispatched: %+v", msg)
	default:
	}
}

func TestSyncQuery(t *testing.T) {
	target, _ := New(Options{Identity: identity.FromSeed("sync-target", 0), Logger: testLogger()})
	_ = target.OnMessage(pingType, Typed(upperEcho), WithReplies(pongType), AllowUnverified())
	runAgent(t, target)
	srv := httptest.NewServer(target.Handler())
	defer srv.Close()

	res := resolver.NewStatic(map[string][]string{target.Address(): {srv.URL + protocol.SubmitPath}})
	resp, err := Query(context.Background(), res, target.Address(), Ping{Text: "hi"}, QueryOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.SchemaDigest != pongType.Digest() {
		t.Fatalf("reply digest = %s", resp.SchemaDigest)
	}
	v, err := resp.Decode(pongType)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(Pong).Text != "HI" {
		t.Errorf("reply = %q", v.(Pong).Text)
	}
	if _, err := resp.Decode(pingType); err == nil {
		t.Error("decoding as the wrong type should fail")
	}
}

func TestSyncQueryRefusedBySignedHandler(t *testing.T) {
	target, _ := New(Options{
		Identity:    identity.FromSeed("sync-signed", 0),
		SyncTimeout: 100 * time.Millisecond,
		Logger:      testLogger(),
	})
	_ = target.OnMessage(pingType, Typed(upperEcho), WithReplies(pongType))
	runAgent(t, target)
	srv := httptest.NewServer(target.Handler())
	defer srv.Close()

	res := resolver.NewStatic(map[string][]string{target.Address(): {srv.URL + protocol.SubmitPath}})
	_, err := Query(context.Background(), res, target.Address(), Ping{Text: "hi"}, QueryOptions{Timeout: 5 * time.Second})
	if err == nil || !strings.Contains(err.Error(), "408") {
		t.Fatalf("expected timeout status, got %v", err)
	}
}
