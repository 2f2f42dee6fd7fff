package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/syncular/syncular/internal/wire"
)

// Client is the HTTP counterpart of Server: it implements
// internal/clientsync.Transport against a remote syncd.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client targeting baseURL (e.g. "http://localhost:8090").
func NewClient(baseURL, apiKey string) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpapi client: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("httpapi client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]string
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("httpapi client: %s %s: status %d: %s", method, path, resp.StatusCode, apiErr["message"])
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("httpapi client: decode response: %w", err)
		}
	}
	return nil
}

// Push implements outbox's send seam (exposed for callers that want a
// shared http.Client instead of outbox's own retryablehttp instance).
func (c *Client) Push(ctx context.Context, req wire.PushRequest) (wire.PushResponse, error) {
	var resp wire.PushResponse
	err := c.do(ctx, http.MethodPost, "/v1/sync/push", req, &resp)
	return resp, err
}

// Pull implements internal/clientsync.Transport.
func (c *Client) Pull(ctx context.Context, req wire.PullRequest) (wire.PullResponse, error) {
	var resp wire.PullResponse
	err := c.do(ctx, http.MethodPost, "/v1/sync/pull", req, &resp)
	return resp, err
}

// FetchChunk implements internal/clientsync.Transport.
func (c *Client) FetchChunk(ctx context.Context, chunkID string) (wire.ChunkBody, error) {
	var body wire.ChunkBody
	err := c.do(ctx, http.MethodGet, "/v1/sync/chunks/"+chunkID, nil, &body)
	return body, err
}
