// Package api is the trackagent client for the livetrackd REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsgrid/livetrack/pkg/core"
)

// Client handles communication with the livetrackd server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new API client authenticating with the given bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	var status map[string]string
	if err := c.do(ctx, http.MethodGet, "/healthcheck", nil, &status); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// EnsureSession creates or refreshes the caller's profile and returns it
// with the active event id.
func (c *Client) EnsureSession(ctx context.Context) (core.Profile, string, error) {
	var resp struct {
		Profile       core.Profile `json:"profile"`
		ActiveEventID string       `json:"activeEventId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/session/ensure", nil, &resp); err != nil {
		return core.Profile{}, "", fmt.Errorf("session ensure failed: %w", err)
	}
	return resp.Profile, resp.ActiveEventID, nil
}

// ActiveEvent returns the currently OPEN event.
func (c *Client) ActiveEvent(ctx context.Context) (core.Event, error) {
	var event core.Event
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/active", nil, &event); err != nil {
		return core.Event{}, fmt.Errorf("active event lookup failed: %w", err)
	}
	return event, nil
}

// ListEvents returns all events, newest first.
func (c *Client) ListEvents(ctx context.Context) ([]core.Event, error) {
	var events []core.Event
	if err := c.do(ctx, http.MethodGet, "/api/v1/events", nil, &events); err != nil {
		return nil, fmt.Errorf("event list failed: %w", err)
	}
	return events, nil
}

// CreateEvent opens a new event. Commander only.
func (c *Client) CreateEvent(ctx context.Context, title string) (core.Event, error) {
	var event core.Event
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", body, &event); err != nil {
		return core.Event{}, fmt.Errorf("event create failed: %w", err)
	}
	return event, nil
}

// CloseEvent closes the event. Commander only.
func (c *Client) CloseEvent(ctx context.Context, id string) (core.Event, error) {
	var event core.Event
	path := "/api/v1/events/" + url.PathEscape(id) + "/close"
	if err := c.do(ctx, http.MethodPost, path, nil, &event); err != nil {
		return core.Event{}, fmt.Errorf("event close failed: %w", err)
	}
	return event, nil
}

// UpsertLocation writes the caller's current position. Satisfies the
// publisher's Writer contract.
func (c *Client) UpsertLocation(ctx context.Context, rec core.PositionRecord) error {
	if err := c.do(ctx, http.MethodPut, "/api/v1/locations/self", rec, nil); err != nil {
		return fmt.Errorf("location upsert failed: %w", err)
	}
	return nil
}

// ListLocations returns the current positions for the event. Satisfies
// the feed's snapshot read.
func (c *Client) ListLocations(ctx context.Context, eventID string) ([]core.PositionRecord, error) {
	var records []core.PositionRecord
	path := "/api/v1/locations?eventId=" + url.QueryEscape(eventID)
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, fmt.Errorf("location list failed: %w", err)
	}
	return records, nil
}

// Snapshot is ListLocations under the feed's Source naming.
func (c *Client) Snapshot(ctx context.Context, eventID string) ([]core.PositionRecord, error) {
	return c.ListLocations(ctx, eventID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
