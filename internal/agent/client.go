package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
)

// tokenHeader authenticates every agent request to the coordinator.
const tokenHeader = "X-Agent-Token"

// Client talks to the coordinator's agent API. All calls carry the
// shared secret and a request timeout; the zero value is not usable.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a coordinator client for the given base URL.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Pending returns the accounts this agent should have running.
func (c *Client) Pending(ctx context.Context) ([]protocol.PendingAccount, error) {
	var resp protocol.PendingResponse
	if err := c.get(ctx, "/api/agent/pending", &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// StopQueue returns the accounts with a stop request outstanding.
func (c *Client) StopQueue(ctx context.Context) ([]protocol.StopAccount, error) {
	var resp protocol.StopResponse
	if err := c.get(ctx, "/api/agent/stop-queue", &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// ReportStatus posts an observed account status transition.
func (c *Client) ReportStatus(ctx context.Context, report protocol.StatusReport) error {
	return c.post(ctx, "/api/agent/status", report)
}

// Heartbeat tells the coordinator this agent is alive.
func (c *Client) Heartbeat(ctx context.Context, hostname string) error {
	return c.post(ctx, "/api/agent/heartbeat", protocol.HeartbeatRequest{Hostname: hostname})
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(tokenHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr protocol.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding coordinator response: %w", err)
	}
	return nil
}
