package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/model"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/pkg/resolver"
)

type queryReply struct {
	schemaDigest string
	payload      []byte
}

// queryTable holds synchronous callers waiting for a reply, keyed by the
// caller's address and session.
type queryTable struct {
	mu      sync.Mutex
	pending map[string]chan queryReply
}

func newQueryTable() *queryTable {
	return &queryTable{pending: make(map[string]chan queryReply)}
}

func queryKey(address string, session uuid.UUID) string {
	return address + "/" + session.String()
}

// add registers a waiter. The returned func removes it.
func (q *queryTable) add(address string, session uuid.UUID) (<-chan queryReply, func()) {
	ch := make(chan queryReply, 1)
	key := queryKey(address, session)
	q.mu.Lock()
	q.pending[key] = ch
	q.mu.Unlock()
	return ch, func() {
		q.mu.Lock()
		if q.pending[key] == ch {
			delete(q.pending, key)
		}
		q.mu.Unlock()
	}
}

// resolve hands r to a waiter, reporting whether one existed.
func (q *queryTable) resolve(address string, session uuid.UUID, r queryReply) bool {
	key := queryKey(address, session)
	q.mu.Lock()
	ch, ok := q.pending[key]
	if ok {
		delete(q.pending, key)
	}
	q.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// QueryResponse is the reply to a synchronous query.
type QueryResponse struct {
	SchemaDigest string
	Payload      json.RawMessage
}

// Decode decodes the reply as t, failing if the digests differ.
func (r *QueryResponse) Decode(t model.Type) (any, error) {
	if r.SchemaDigest != t.Digest() {
		return nil, fmt.Errorf("%w: reply is %s, want %s", model.ErrTypeMismatch, r.SchemaDigest, t.Name())
	}
	return t.Decode(r.Payload)
}

// QueryOptions configures Query.
type QueryOptions struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	// Sender defaults to a fresh user address.
	Sender string
}

// Query sends msg to destination over a synchronous connection and waits for
// the handler's reply. The envelope comes from a user address, so only
// handlers registered with AllowUnverified accept it.
func Query(ctx context.Context, r resolver.Resolver, destination string, msg any, opts QueryOptions) (*QueryResponse, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSyncTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Sender == "" {
		sender, err := identity.GenerateUserAddress()
		if err != nil {
			return nil, err
		}
		opts.Sender = sender
	}

	payload, digest, err := model.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	target, endpoints, err := r.Resolve(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", destination, err)
	}

	env := protocol.Envelope{
		Version:      protocol.EnvelopeVersion,
		Sender:       opts.Sender,
		Target:       target,
		Session:      uuid.New(),
		SchemaDigest: digest,
	}
	env.EncodePayload(payload)
	env.SetExpires(time.Now().Add(opts.Timeout).Unix())
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var errs []error
	for _, ep := range endpoints {
		resp, err := postSync(ctx, opts.HTTPClient, ep, body)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}
	return nil, fmt.Errorf("query %s: %w", target, errors.Join(errs...))
}

func postSync(ctx context.Context, client *http.Client, endpoint string, body []byte) (*QueryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderConnection, protocol.ConnectionSync)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return &QueryResponse{
		SchemaDigest: resp.Header.Get(protocol.HeaderSchemaDigest),
		Payload:      data,
	}, nil
}
