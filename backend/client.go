package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"deploywatch/progress"
)

// Client pulls deployment snapshots from the platform's REST backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchSnapshot returns the authoritative state of one deployment.
func (c *Client) FetchSnapshot(ctx context.Context, id string) (*progress.Snapshot, error) {
	body, err := c.get(ctx, "/api/v1/deployments/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	raw := body
	if wrapped := gjson.GetBytes(body, "deployment"); wrapped.IsObject() {
		raw = []byte(wrapped.Raw)
	}
	var snap progress.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode deployment %s: %w", id, err)
	}
	if snap.ID == "" {
		snap.ID = progress.ID(id)
	}
	return &snap, nil
}

// Health reports whether the backend answers its health endpoint.
func (c *Client) Health(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/api/health")
	if err != nil {
		return "", err
	}
	if status := gjson.GetBytes(body, "status"); status.Exists() {
		return status.String(), nil
	}
	return "ok", nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// WebSocketURL derives the push channel endpoint from the REST base URL.
func (c *Client) WebSocketURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/api/v1/ws/deployments"
}
