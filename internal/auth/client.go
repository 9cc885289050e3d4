// Package auth is the client for the external magic-link auth service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opsgrid/livetrack/pkg/core"
)

// ErrUnauthorized reports a rejected or expired token.
var ErrUnauthorized = errors.New("unauthorized")

// ErrCallbackFailed reports a failed code-for-session exchange on the
// sign-in callback.
var ErrCallbackFailed = errors.New("auth callback failed")

// Session is an authenticated session returned by the exchange endpoint.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         core.User `json:"user"`
}

// Client handles communication with the auth service.
type Client struct {
	baseURL     string
	apiKey      string
	redirectURL string
	httpClient  *http.Client
}

// New creates a new auth client. redirectURL is where magic links send
// the browser back to.
func New(baseURL, apiKey, redirectURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		redirectURL: redirectURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SignInWithOTP asks the service to email a magic link to email.
func (c *Client) SignInWithOTP(ctx context.Context, email string) error {
	body := map[string]string{
		"email":       email,
		"redirect_to": c.redirectURL,
	}
	resp, err := c.post(ctx, "/auth/v1/otp", "", body)
	if err != nil {
		return fmt.Errorf("otp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("otp request returned status %d", resp.StatusCode)
	}
	return nil
}

// ExchangeCode trades the callback code for a session.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Session, error) {
	resp, err := c.post(ctx, "/auth/v1/token?grant_type=authorization_code", "", map[string]string{"code": code})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCallbackFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("%w: exchange returned status %d", ErrCallbackFailed, resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCallbackFailed, err)
	}
	return session, nil
}

// GetUser resolves the user behind an access token.
func (c *Client) GetUser(ctx context.Context, accessToken string) (core.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return core.User{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.User{}, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return core.User{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return core.User{}, fmt.Errorf("user request returned status %d", resp.StatusCode)
	}

	var user core.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return core.User{}, fmt.Errorf("failed to decode user: %w", err)
	}
	return user, nil
}

// SignOut revokes the session behind the token.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	resp, err := c.post(ctx, "/auth/v1/logout", accessToken, nil)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, accessToken string, body interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, accessToken)
	return c.httpClient.Do(req)
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}
