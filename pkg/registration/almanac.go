package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amurg-ai/agentwire/pkg/protocol"
)

// AlmanacClient talks to the almanac REST API served by the relay.
type AlmanacClient struct {
	baseURL string
	http    *http.Client
	clock   clock.Clock
}

// NewAlmanacClient creates a client for the almanac at baseURL. A nil
// httpClient uses a client with a 10 second timeout.
func NewAlmanacClient(baseURL string, httpClient *http.Client) *AlmanacClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AlmanacClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		clock:   clock.New(),
	}
}

// SetClock replaces the clock used to compute remaining validity.
func (c *AlmanacClient) SetClock(clk clock.Clock) { c.clock = clk }

// Record fetches the almanac record for address.
func (c *AlmanacClient) Record(ctx context.Context, address string) (*protocol.AgentRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/almanac/agents/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("almanac lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotRegistered
	default:
		return nil, responseError(resp)
	}

	var rec protocol.AgentRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode almanac record: %w", err)
	}
	return &rec, nil
}

func (c *AlmanacClient) IsRegistered(ctx context.Context, address string) (bool, error) {
	rec, err := c.Record(ctx, address)
	if errors.Is(err, ErrNotRegistered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Expiry.After(c.clock.Now()), nil
}

func (c *AlmanacClient) GetExpiry(ctx context.Context, address string) (time.Duration, error) {
	rec, err := c.Record(ctx, address)
	if errors.Is(err, ErrNotRegistered) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	remaining := rec.Expiry.Sub(c.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (c *AlmanacClient) GetEndpoints(ctx context.Context, address string) ([]protocol.Endpoint, error) {
	rec, err := c.Record(ctx, address)
	if errors.Is(err, ErrNotRegistered) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.Expiry.After(c.clock.Now()) {
		return nil, nil
	}
	return rec.Endpoints, nil
}

func (c *AlmanacClient) Register(ctx context.Context, att protocol.Attestation) error {
	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attestation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/almanac/agents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("almanac register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	return nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e protocol.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("almanac: %s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("almanac: unexpected status %d", resp.StatusCode)
}
