package tasksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single remote call made by RPCClient.
const DefaultTimeout = 30 * time.Second

// Caller issues remote procedure calls against the backend. It is used both
// for canonical fetches and for mutations; no ordering is assumed between
// separate calls.
type Caller interface {
	Call(ctx context.Context, name string, params any, out any) error
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, name string, params any, out any) error

func (f CallerFunc) Call(ctx context.Context, name string, params any, out any) error {
	return f(ctx, name, params, out)
}

// ============================================================================
// RPCClient
// ============================================================================

// RPCClient calls backend functions over HTTP: POST {base}/rpc/{name}.
type RPCClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type RPCOption func(*RPCClient)

func WithBaseURL(url string) RPCOption {
	return func(c *RPCClient) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) RPCOption {
	return func(c *RPCClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RPCOption {
	return func(c *RPCClient) { c.httpClient = client }
}

// NewRPCClient creates a client authenticated with token.
// token is optional; anonymous calls send no Authorization header.
func NewRPCClient(token string, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		token: token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after the session is refreshed.
func (c *RPCClient) SetToken(token string) {
	c.token = token
}

// Call invokes the named backend function and decodes its data into out.
func (c *RPCClient) Call(ctx context.Context, name string, params any, out any) error {
	data, status, err := c.doRequest(ctx, name, params)
	if err != nil {
		return err
	}

	var result RPCResult
	if err := json.Unmarshal(data, &result); err != nil {
		if status >= 400 {
			return &RPCError{Code: "HTTP_ERROR", Message: strings.TrimSpace(string(data)), Status: status}
		}
		return fmt.Errorf("failed to unmarshal %s response: %w", name, err)
	}
	if !result.OK || status >= 400 {
		if result.Error == nil {
			return &RPCError{Code: "HTTP_ERROR", Message: http.StatusText(status), Status: status}
		}
		result.Error.Status = status
		return result.Error
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", name, err)
	}
	return nil
}

func (c *RPCClient) doRequest(ctx context.Context, name string, params any) ([]byte, int, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+name, bytes.NewReader(b))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}
