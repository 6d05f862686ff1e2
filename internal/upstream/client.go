package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client talks to the backend inference server over HTTP. Same shape as any
// other API adapter: base URL plus an injected *http.Client so tests (and
// recorded cassettes) can swap the transport.
type Client struct {
	baseURL string // e.g. "http://127.0.0.1:30000"
	client  *http.Client
}

// NewClient creates a Client ready to call the backend. The http.Client's
// Timeout is the upstream timeout — main constructs it from config, tests
// usually pass http.DefaultClient.
func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL: baseURL,
		client:  client,
	}
}

// Generate asks the backend for exactly n completions and returns them as a
// list, whatever shape the backend chose.
//
// The flow is the usual adapter dance:
//
//	clone request with n → serialize → HTTP POST → check status → decode
//
// The backend returns either a single JSON object (when it was asked for one
// completion) or a JSON array of objects. Callers always want a list — the
// partial-fill merge appends these to whatever came from the cache — so we
// normalize the scalar shape here and nowhere else.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, n int) ([]Completion, error) {
	// Step 1: Copy the request and pin n to what we actually need. The
	// client may have asked for 5 while the cache already holds 3 — the
	// backend only ever sees the shortfall.
	body, err := json.Marshal(req.WithN(n))
	if err != nil {
		return nil, fmt.Errorf("marshaling generate request: %w", err)
	}

	// Step 2: Build and send the HTTP request. The context carries the
	// caller's cancellation — if the client disconnects, this call is
	// abandoned too.
	url := fmt.Sprintf("%s/generate", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to backend: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("backend error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	// Step 3: Decode. We only need to know whether the top level is an
	// object or an array, so decode into RawMessage first and peek at the
	// first byte. json.Decoder has already skipped leading whitespace for
	// us by the time the RawMessage is populated.
	var raw json.RawMessage
	if err := json.NewDecoder(httpResp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding backend response: %w", err)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("backend returned an empty response body")
	}

	// Step 4: Normalize to a list of completions.
	if raw[0] == '[' {
		var list []Completion
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decoding backend response list: %w", err)
		}
		return list, nil
	}

	return []Completion{Completion(raw)}, nil
}

// Health probes the backend's /health endpoint. Used once at startup to warn
// early when the backend isn't up yet — a failed probe is not fatal, the
// backend may simply still be loading its model.
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("reaching backend: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend health check returned status %d", httpResp.StatusCode)
	}

	return nil
}
