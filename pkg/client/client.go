// Package client is a Go client for the metering API, including the
// realtime stream and a push-fed subscription cache.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creators_metering/internal/model"
	"creators_metering/pkg/permission"
	"creators_metering/pkg/realtime"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Code       string `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metering API %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func New(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) buildRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON decodes the body into target for 2xx and for any status listed in
// decodeOn; other statuses become *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, body, target interface{}, decodeOn ...int) (int, error) {
	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 300
	for _, s := range decodeOn {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return resp.StatusCode, apiErr
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) Subscription(ctx context.Context) (*model.SubscriptionView, error) {
	var view model.SubscriptionView
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/subscription", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Usage(ctx context.Context) (*model.UsageView, error) {
	var view model.UsageView
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/usage", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Refresh forces a server-side reconcile and returns fresh state.
func (c *Client) Refresh(ctx context.Context) (*model.AccountView, error) {
	var view model.AccountView
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/subscription/refresh", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Check returns the server's decision. Denials are decisions, not errors.
func (c *Client) Check(ctx context.Context, req permission.Request) (*permission.Decision, error) {
	var d permission.Decision
	_, err := c.doJSON(ctx, http.MethodPost, "/api/permissions/check", req, &d,
		http.StatusPaymentRequired, http.StatusServiceUnavailable)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Track reports a completed action.
func (c *Client) Track(ctx context.Context, resource string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/usage/track", map[string]string{"resource": resource}, nil)
	return err
}

// Stream opens the user's realtime stream. The channel is closed when the
// server ends the stream or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, userID string) (<-chan realtime.Message, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, "/api/realtime/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// no timeout: the stream is long-lived
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return nil, apiErr
	}

	ch := make(chan realtime.Message, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg realtime.Message
			if err := json.Unmarshal([]byte(line[6:]), &msg); err != nil {
				continue
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
