package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zinlatt/presenced/internal/circuitbreaker"
	"github.com/zinlatt/presenced/internal/ledger"
	"github.com/zinlatt/presenced/internal/retry"
)

// Sync pushes and notification calls fail independently, so they trip
// independently.
const (
	circuitSync   circuitbreaker.Circuit = "sync"
	circuitNotify circuitbreaker.Circuit = "notify"
)

// Client talks HTTP to the remote authority.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  time.Duration
}

// NewClient creates a remote client for the given base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{Timeout: 15 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: 3,
		backoff:  250 * time.Millisecond,
	}
}

// SetRetry overrides the in-call retry policy (for tests).
func (c *Client) SetRetry(attempts int, backoff time.Duration) {
	c.attempts = attempts
	c.backoff = backoff
}

// CreateEntity pushes a locally created entity.
func (c *Client) CreateEntity(ctx context.Context, t ledger.EntityType, key string, payload json.RawMessage) error {
	return c.push(ctx, http.MethodPost, t, key, payload)
}

// UpdateEntity pushes a local modification.
func (c *Client) UpdateEntity(ctx context.Context, t ledger.EntityType, key string, payload json.RawMessage) error {
	return c.push(ctx, http.MethodPut, t, key, payload)
}

// DeleteEntity pushes a local deletion.
func (c *Client) DeleteEntity(ctx context.Context, t ledger.EntityType, key string) error {
	return c.push(ctx, http.MethodDelete, t, key, nil)
}

func (c *Client) push(ctx context.Context, method string, t ledger.EntityType, key string, payload json.RawMessage) error {
	path := fmt.Sprintf("/v1/entities/%s/%s", url.PathEscape(string(t)), url.PathEscape(key))
	return c.call(ctx, circuitSync, method, path, payload)
}

// NotifyGuardians asks the authority to notify guardians for a session whose
// attendance chain is fully synced.
func (c *Client) NotifyGuardians(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/v1/sessions/%s/notify", url.PathEscape(sessionID))
	return c.call(ctx, circuitNotify, http.MethodPost, path, nil)
}

// MarkSessionNotified records on the authority that guardians were notified.
func (c *Client) MarkSessionNotified(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/v1/sessions/%s/notified", url.PathEscape(sessionID))
	return c.call(ctx, circuitNotify, http.MethodPost, path, nil)
}

// Ping checks reachability of the authority. Used by the connectivity monitor
// and the health registry.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, circuitSync, http.MethodGet, "/v1/health", nil)
}

// call retries transient failures with backoff before giving up on the pass.
// Unauthorized responses and an open circuit are not retried; the circuit has
// its own cooldown, and bad credentials fail the same way every time.
func (c *Client) call(ctx context.Context, circuit circuitbreaker.Circuit, method, path string, body json.RawMessage) error {
	return retry.Do(ctx, c.attempts, c.backoff, func() error {
		err := c.attempt(ctx, circuit, method, path, body)
		if errors.Is(err, ErrCircuitOpen) || (err != nil && !IsTransient(err)) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) attempt(ctx context.Context, circuit circuitbreaker.Circuit, method, path string, body json.RawMessage) error {
	if !c.breaker.Allow(circuit) {
		return ErrCircuitOpen
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure(circuit)
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.Success(circuit)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Not the circuit's fault; credentials need refreshing.
		c.breaker.Success(circuit)
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		c.breaker.Failure(circuit)
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		c.breaker.Success(circuit)
		return fmt.Errorf("remote: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
}
