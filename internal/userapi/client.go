// Package userapi talks to the user server: accounts, subscriptions and chat history.
package userapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/agenthub/internal/apiclient"
	"github.com/ashureev/agenthub/internal/transcript"
)

// StatusSuccess is the status the user server reports for a successful call.
const StatusSuccess = "success"

// ErrUnauthorized is returned when the access token is missing or rejected.
var ErrUnauthorized = errors.New("unauthorized")

// SignInResult is the outcome of a successful sign-in.
type SignInResult struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
}

// HistoryResult is a room's saved transcript. Entries are meaningful only when
// Status is StatusSuccess.
type HistoryResult struct {
	Status  string             `json:"status"`
	Entries []transcript.Entry `json:"chat_history"`
	Detail  string             `json:"detail,omitempty"`
}

// Client calls the user server.
type Client struct {
	api *apiclient.Client
}

// NewClient creates a user server client for baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	api, err := apiclient.New(baseURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create user server client: %w", err)
	}
	return &Client{api: api}, nil
}

// SignIn exchanges credentials for an access token.
func (c *Client) SignIn(ctx context.Context, loginID, password string) (*SignInResult, error) {
	var out SignInResult
	err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   []string{"signin"},
		Body:   map[string]string{"login_id": loginID, "password": password},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("failed to sign in: empty access token")
	}
	return &out, nil
}

// SignUp registers a new account.
func (c *Client) SignUp(ctx context.Context, loginID, password, username string) error {
	err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   []string{"signup"},
		Body:   map[string]string{"login_id": loginID, "password": password, "username": username},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to sign up: %w", err)
	}
	return nil
}

// Subscriptions returns the slugs the user subscribed to.
func (c *Client) Subscriptions(ctx context.Context, token string) ([]string, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	var out struct {
		Subscriptions []string `json:"subscriptions"`
	}
	err := c.api.Do(ctx, apiclient.Request{Path: []string{"subscriptions"}, Token: token}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out.Subscriptions, nil
}

// Subscribe adds slugs to the user's subscriptions.
func (c *Client) Subscribe(ctx context.Context, token string, slugs []string) error {
	if token == "" {
		return ErrUnauthorized
	}
	err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   []string{"subscriptions"},
		Token:  token,
		Body:   map[string][]string{"slugs": slugs},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes slug from the user's subscriptions.
func (c *Client) Unsubscribe(ctx context.Context, token, slug string) error {
	if token == "" {
		return ErrUnauthorized
	}
	err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodDelete,
		Path:   []string{"subscriptions", slug},
		Token:  token,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// LoadHistory fetches the saved transcript of a room.
func (c *Client) LoadHistory(ctx context.Context, token, slug string) (*HistoryResult, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	var out HistoryResult
	err := c.api.Do(ctx, apiclient.Request{Path: []string{"chat-history", slug}, Token: token}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	return &out, nil
}

// SaveHistory replaces the saved transcript of a room.
func (c *Client) SaveHistory(ctx context.Context, token, slug string, entries []transcript.Entry) error {
	if token == "" {
		return ErrUnauthorized
	}
	var out HistoryResult
	err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   []string{"chat-history", slug},
		Token:  token,
		Body:   map[string]any{"chat_history": entries},
	}, &out)
	if err != nil {
		return fmt.Errorf("failed to save chat history: %w", err)
	}
	if out.Status != "" && out.Status != StatusSuccess {
		return fmt.Errorf("failed to save chat history: status %s: %s", out.Status, out.Detail)
	}
	return nil
}
