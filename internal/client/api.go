// Package client is a client process's own collaborators: the HTTP verbs
// it issues against control's API, and the event-bus socket lifecycle it
// maintains per (client, worker) pair once a reservation assigns it there.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BaseClient wraps the plain HTTP request/response plumbing used to talk
// to control's API, following the same post/get-then-decode shape as the
// teacher's own API client.
type BaseClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBaseClient constructs a BaseClient addressed at baseURL (e.g.
// "http://control-host:8080/api/v1").
func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Post marshals data, POSTs it to endpoint and decodes the response into
// out (if non-nil).
func (c *BaseClient) Post(endpoint string, data, out any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(http.MethodPost, endpoint, bytes.NewReader(body), out)
}

// Get issues a GET to endpoint and decodes the response into out (if
// non-nil).
func (c *BaseClient) Get(endpoint string, out any) error {
	return c.do(http.MethodGet, endpoint, nil, out)
}

func (c *BaseClient) do(method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		preview := string(respBody)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, preview)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		preview := string(respBody)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		return fmt.Errorf("decode JSON response: %w (response: %s)", err, preview)
	}
	return nil
}
