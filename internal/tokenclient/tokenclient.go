package tokenclient

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

// DefaultTimeout bounds a single token request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxErrorBody limits how much of an error response is kept for diagnostics.
const maxErrorBody = 1 << 10

// ErrMalformedResponse is returned when a 2xx token response lacks the access token.
var ErrMalformedResponse = errors.New("malformed token response")

// StatusError reports a non-2xx response from a token endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Endpoint defines the token URLs of the authentication server.
type Endpoint struct {
	ObtainURL  string
	RefreshURL string
}

// EndpointFor derives the token URLs from the API base URL,
// e.g. http://127.0.0.1:8000/api/v1 → .../api/v1/token/ and .../api/v1/token/refresh/.
func EndpointFor(baseURL string) (Endpoint, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	base := strings.TrimSuffix(u.String(), "/")
	return Endpoint{
		ObtainURL:  base + "/token/",
		RefreshURL: base + "/token/refresh/",
	}, nil
}

// Pair is the result of a token request. Refresh is empty when the server did
// not issue or rotate the refresh token.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds every token request. Zero keeps DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Client issues token requests against an Endpoint. Safe for concurrent use.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
}

// New creates a Client for the given endpoint.
func New(endpoint Endpoint, opts ...Option) *Client {
	cfg := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			// Bounds the refresh call; a timeout surfaces as an ordinary refresh failure
			Timeout:   cfg.timeout,
			Transport: cfg.baseTransport,
		},
	}
}

// Refresh exchanges refreshToken for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	if refreshToken == "" {
		return Pair{}, errors.New("refresh token cannot be empty")
	}

	pair, err := c.post(ctx, c.endpoint.RefreshURL, map[string]string{"refresh": refreshToken})
	if err != nil {
		return Pair{}, fmt.Errorf("refreshing access token: %w", err)
	}
	return pair, nil
}

// Obtain exchanges username and password for a new token pair.
func (c *Client) Obtain(ctx context.Context, username, password string) (Pair, error) {
	if username == "" || password == "" {
		return Pair{}, errors.New("username and password are required")
	}

	pair, err := c.post(ctx, c.endpoint.ObtainURL, map[string]string{"username": username, "password": password})
	if err != nil {
		return Pair{}, fmt.Errorf("obtaining token pair: %w", err)
	}
	if pair.Refresh == "" {
		return Pair{}, fmt.Errorf("obtaining token pair: %w: missing refresh token", ErrMalformedResponse)
	}
	return pair, nil
}

func (c *Client) post(ctx context.Context, endpointURL string, payload map[string]string) (Pair, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Pair{}, fmt.Errorf("marshaling JSON request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return Pair{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Pair{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Pair{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var pair Pair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return Pair{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if pair.Access == "" {
		return Pair{}, fmt.Errorf("%w: missing access token", ErrMalformedResponse)
	}
	return pair, nil
}
