package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/guardian-switch/events"
)

// HTTP API paths served by the relay server.
const (
	PathPublish = "/api/v1/events"
	PathQuery   = "/api/v1/query"
	PathLivez   = "/livez"
)

// PublishResponse is the body returned by the publish endpoint.
type PublishResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// HTTPChannel talks to a relay server over its JSON HTTP API.
type HTTPChannel struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPChannel creates a channel for the relay server at baseURL.
func NewHTTPChannel(baseURL string, log *slog.Logger) *HTTPChannel {
	return &HTTPChannel{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// Publish posts the event.
func (c *HTTPChannel) Publish(ctx context.Context, ev *events.Event) error {
	var result PublishResponse
	if err := c.post(ctx, PathPublish, ev, &result); err != nil {
		return err
	}
	if !result.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return nil
}

// Query posts the filter and decodes the matching events.
func (c *HTTPChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	out := make([]*events.Event, 0)
	if err := c.post(ctx, PathQuery, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Available checks the server's liveness endpoint.
func (c *HTTPChannel) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathLivez, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("HTTP channel unavailable", slog.String("url", c.baseURL), "err", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Name returns a unique identifier for this channel.
func (c *HTTPChannel) Name() string {
	return "http-" + c.baseURL
}

// LocationURI returns the server URL.
func (c *HTTPChannel) LocationURI() string {
	return c.baseURL
}

func (c *HTTPChannel) post(ctx context.Context, path string, body any, result any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request to %s failed with code %d: %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
