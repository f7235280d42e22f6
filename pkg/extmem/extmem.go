// Package extmem is the HTTP client for the external semantic-memory
// service. The service owns storage and search; this client only shapes
// requests and classifies failures for the gateway and the outbox worker.
package extmem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/engramhq/engram/pkg/errkind"
)

// Client talks to one external memory deployment.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a client. timeout bounds every call end to end.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{baseURL: baseURL, httpc: &http.Client{Timeout: timeout}}
}

// Hit is one search result.
type Hit struct {
	MemoryID string         `json:"memory_id"`
	Score    float64        `json:"score"`
	Payload  string         `json:"payload_md"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type storeRequest struct {
	PayloadMD string         `json:"payload_md"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type storeResponse struct {
	MemoryID string `json:"memory_id"`
}

type searchRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

type searchResponse struct {
	Hits []Hit `json:"hits"`
}

// Store writes one payload and returns the assigned memory id.
func (c *Client) Store(ctx context.Context, payloadMD string, metadata map[string]any) (string, error) {
	var resp storeResponse
	err := c.post(ctx, "/api/v1/memories", storeRequest{PayloadMD: payloadMD, Metadata: metadata}, &resp)
	if err != nil {
		return "", err
	}
	if resp.MemoryID == "" {
		return "", errkind.New(errkind.ParseError, "store response missing memory_id")
	}
	return resp.MemoryID, nil
}

// Search queries stored memories.
func (c *Client) Search(ctx context.Context, query string, filters map[string]any, limit int) ([]Hit, error) {
	var resp searchResponse
	err := c.post(ctx, "/api/v1/memories/search", searchRequest{Query: query, Filters: filters, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// Ping checks reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errkind.Wrap(errkind.Unknown, "build request", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errkind.New(errkind.HTTPError, fmt.Sprintf("health responded %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errkind.Wrap(errkind.Unknown, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errkind.Wrap(errkind.Unknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		kind := errkind.HTTPError
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = errkind.RateLimited
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			kind = errkind.AuthError
		case resp.StatusCode == http.StatusRequestEntityTooLarge:
			kind = errkind.ContentTooLarge
		}
		return errkind.New(kind, fmt.Sprintf("memory service responded %d: %s", resp.StatusCode, string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.ParseError, "decode response", err)
	}
	return nil
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errkind.Wrap(errkind.Timeout, "memory service timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, "memory service timed out", err)
	}
	return errkind.Wrap(errkind.NetworkError, "memory service unreachable", err)
}
