// Package apiclient is the JSON-over-HTTP plumbing shared by the backend clients.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is a non-2xx response from a backend. Message is taken from a
// FastAPI-style "detail" field when present.
type Error struct {
	Status  int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// StatusCode returns the HTTP status of err if it is an *Error, else 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// ParseError builds an Error from a response body.
func ParseError(status int, body []byte) *Error {
	e := &Error{Status: status, Message: "Request failed"}
	if len(body) == 0 {
		return e
	}
	if json.Valid(body) {
		e.Data = json.RawMessage(body)
	}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return e
	}

	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		e.Message = detail
		return e
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			var v struct {
				Msg *string `json:"msg"`
			}
			if err := json.Unmarshal(item, &v); err == nil && v.Msg != nil {
				msgs = append(msgs, *v.Msg)
			} else {
				msgs = append(msgs, string(item))
			}
		}
		e.Message = strings.Join(msgs, ", ")
	}
	return e
}

// Client sends JSON requests to one backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{baseURL: u, httpClient: &http.Client{Timeout: timeout}}, nil
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Request describes one call.
type Request struct {
	Method string
	Path   []string
	Query  url.Values
	Token  string
	Body   any
}

// Do sends req and decodes a successful JSON response into out (which may be nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	u := c.baseURL.JoinPath(req.Path...)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ParseError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
