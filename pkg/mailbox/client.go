// Package mailbox receives envelopes held for an agent by a store-and-forward
// relay, either by polling or over a websocket stream.
package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// Mode selects how envelopes are fetched.
type Mode string

const (
	ModePoll   Mode = "poll"
	ModeStream Mode = "stream"
)

const (
	DefaultPollInterval  = time.Second
	DefaultRefreshMargin = 10 * time.Second
)

// ErrUnauthorized is returned when the relay rejects the bearer token.
var ErrUnauthorized = errors.New("mailbox: unauthorized")

// Inbox is the agent side of a mailbox: who is fetching, and where fetched
// envelopes go.
type Inbox interface {
	Identity() *identity.Identity
	HandleEnvelope(ctx context.Context, env *protocol.Envelope) error
}

// Options configures a Client. URL is required.
type Options struct {
	URL          string
	Mode         Mode
	PollInterval time.Duration
	// RefreshMargin is how close to expiry a token is replaced.
	RefreshMargin time.Duration
	HTTPClient    *http.Client
	Clock         clock.Clock
	Logger        *slog.Logger
	Bus           *eventbus.Bus
}

// Client fetches envelopes for one agent. It implements agent.Runner.
type Client struct {
	opts    Options
	baseURL string
	inbox   Inbox
	http    *http.Client
	clock   clock.Clock
	logger  *slog.Logger
	bus     *eventbus.Bus

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	connected   bool
}

// New creates a mailbox client for inbox.
func New(inbox Inbox, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("mailbox: url is required")
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModePoll
	case ModePoll, ModeStream:
	default:
		return nil, fmt.Errorf("mailbox: unknown mode %q", opts.Mode)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		opts:    opts,
		baseURL: strings.TrimRight(opts.URL, "/"),
		inbox:   inbox,
		http:    opts.HTTPClient,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "mailbox", "address", inbox.Identity().Address(), "mode", string(opts.Mode)),
		bus:     opts.Bus,
	}, nil
}

// ForAgent creates a client for a, sharing its clock, logger and event bus
// unless opts sets them.
func ForAgent(a *agent.Agent, opts Options) (*Client, error) {
	if opts.Clock == nil {
		opts.Clock = a.Clock()
	}
	if opts.Logger == nil {
		opts.Logger = a.Logger()
	}
	if opts.Bus == nil {
		opts.Bus = a.Bus()
	}
	return New(a, opts)
}

// Run fetches envelopes until ctx is canceled. Connectivity failures are
// logged and retried after the poll interval.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("mailbox client started", "url", c.baseURL)
	for {
		var err error
		if c.opts.Mode == ModeStream {
			err = c.stream(ctx)
		} else {
			_, err = c.Poll(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("mailbox unavailable", "error", err)
			c.setConnected(false)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.opts.PollInterval):
		}
	}
}

// Poll fetches pending envelopes once, dispatches them, and deletes each one
// that was dispatched or can never be accepted. It returns the number
// deleted.
func (c *Client) Poll(ctx context.Context) (int, error) {
	var items []protocol.StoredEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/mailbox", nil, &items); err != nil {
		return 0, err
	}
	c.setConnected(true)

	deleted := 0
	for i := range items {
		item := &items[i]
		if !c.process(ctx, item) {
			continue
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/mailbox/"+url.PathEscape(item.UUID), nil, nil); err != nil {
			return deleted, fmt.Errorf("delete envelope %s: %w", item.UUID, err)
		}
		deleted++
	}
	return deleted, nil
}

// process hands one stored envelope to the inbox and reports whether it may
// be removed from the relay.
func (c *Client) process(ctx context.Context, item *protocol.StoredEnvelope) bool {
	err := c.inbox.HandleEnvelope(ctx, &item.Envelope)
	switch {
	case err == nil:
		c.logger.Debug("envelope delivered from mailbox", "uuid", item.UUID, "sender", item.Envelope.Sender)
		return true
	case errors.Is(err, agent.ErrVerification):
		c.logger.Warn("dropping invalid envelope from mailbox", "uuid", item.UUID, "error", err)
		return true
	default:
		c.logger.Warn("envelope kept for redelivery", "uuid", item.UUID, "error", err)
		return false
	}
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	changed := c.connected != up
	c.connected = up
	c.mu.Unlock()
	if !changed {
		return
	}
	addr := c.inbox.Identity().Address()
	if up {
		c.logger.Info("mailbox connected")
		c.bus.Emit(eventbus.MailboxConnected, addr, map[string]string{"url": c.baseURL})
		return
	}
	c.bus.Emit(eventbus.MailboxDisconnected, addr, map[string]string{"url": c.baseURL})
}

// do performs an authenticated JSON request. A 401 drops the cached token.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e protocol.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("mailbox: %s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("mailbox: unexpected status %d", resp.StatusCode)
}

// accessToken returns a cached token, proving ownership of the identity for
// a new one when none is held or the current one is about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.Unlock()
	if token != "" && c.clock.Now().Add(c.opts.RefreshMargin).Before(expiry) {
		return token, nil
	}

	token, expiry, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token, c.tokenExpiry = token, expiry
	c.mu.Unlock()
	c.logger.Debug("mailbox token issued", "expiry", expiry)
	return token, nil
}

func (c *Client) authenticate(ctx context.Context) (string, time.Time, error) {
	id := c.inbox.Identity()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/auth/challenge?address="+url.QueryEscape(id.Address()), nil)
	if err != nil {
		return "", time.Time{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request challenge: %w", err)
	}
	var challenge protocol.ChallengeResponse
	err = decodeResponse(resp, &challenge)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request challenge: %w", err)
	}

	sig, err := id.Sign([]byte(challenge.Challenge))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign challenge: %w", err)
	}
	body, _ := json.Marshal(protocol.ProveRequest{
		Address:           id.Address(),
		Challenge:         challenge.Challenge,
		ChallengeResponse: sig,
	})
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/prove", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = c.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("prove identity: %w", err)
	}
	var proof protocol.ProveResponse
	if err := decodeResponse(resp, &proof); err != nil {
		return "", time.Time{}, fmt.Errorf("prove identity: %w", err)
	}

	return proof.AccessToken, tokenExpiry(proof), nil
}

// tokenExpiry reads exp from the token itself, falling back to the expiry
// the relay reported.
func tokenExpiry(proof protocol.ProveResponse) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(proof.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return proof.Expiry
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
