// Package portal is a typed client for the Stock Prediction Portal API.
//
// Authenticated calls go through a session-aware transport (normally a
// *session.Client), so an expired access token is refreshed transparently and a
// terminal authorization failure surfaces as *session.AuthError.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultTimeout bounds a single API call. Predictions train a model server-side
// and are slow.
const DefaultTimeout = 2 * time.Minute

// maxErrorBody limits how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrNoData is returned when the portal has no price history for a ticker.
var ErrNoData = errors.New("no data found for ticker")

// APIError reports a rejected API call. Fields holds per-field validation
// messages when the portal returned them.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "portal returned status %d", e.StatusCode)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "; %s: %s", name, strings.Join(e.Fields[name], " "))
	}
	return b.String()
}

// Prediction is the result of a stock price prediction.
type Prediction struct {
	Status         string    `json:"status"`
	CurrentPrice   float64   `json:"current_price"`
	PlotImg        string    `json:"plot_img"`
	PlotMovingAvg  string    `json:"plot_moving_avg"`
	PlotPrediction string    `json:"plot_prediction"`
	MSE            float64   `json:"mse"`
	RMSE           float64   `json:"rmse"`
	R2             float64   `json:"r2"`
	NextFiveDays   []float64 `json:"next_5_days_prediction"`
}

// Registration is a new portal account.
type Registration struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type predictRequest struct {
	Ticker string `json:"ticker" validate:"required,alpha,max=20"`
}

// Option configures a Client.
type Option func(*Client)

// WithAnonymousTransport sets the transport used for calls that need no session,
// such as Register. Defaults to http.DefaultTransport.
func WithAnonymousTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.anonymous.Transport = transport
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.authenticated.Timeout = timeout
		c.anonymous.Timeout = timeout
	}
}

// Client calls the portal API.
type Client struct {
	baseURL       string
	authenticated *http.Client
	anonymous     *http.Client
	validate      *validator.Validate
}

// New creates a Client for the API at baseURL (e.g. http://127.0.0.1:8000/api/v1).
// Authenticated calls are sent through transport.
func New(baseURL string, transport http.RoundTripper, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}
	if transport == nil {
		return nil, errors.New("missing transport")
	}

	c := &Client{
		baseURL:       strings.TrimSuffix(u.String(), "/"),
		authenticated: &http.Client{Transport: transport, Timeout: DefaultTimeout},
		anonymous:     &http.Client{Transport: http.DefaultTransport, Timeout: DefaultTimeout},
		validate:      validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeTicker validates a ticker symbol (letters only, 1 to 20 characters)
// and returns it upper-cased.
func (c *Client) NormalizeTicker(ticker string) (string, error) {
	req := predictRequest{Ticker: strings.TrimSpace(ticker)}
	if err := c.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid ticker %q: must be 1 to 20 letters", ticker)
	}
	return strings.ToUpper(req.Ticker), nil
}

// Predict requests a price prediction for ticker.
func (c *Client) Predict(ctx context.Context, ticker string) (*Prediction, error) {
	normalized, err := c.NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, c.authenticated, http.MethodPost, "/predict/", predictRequest{Ticker: normalized}, &raw); err != nil {
		return nil, err
	}

	// The portal reports unknown tickers inside a 200 response, with a numeric status
	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &failure) == nil && failure.Error != "" {
		return nil, fmt.Errorf("%w %s: %s", ErrNoData, normalized, failure.Error)
	}

	var prediction Prediction
	if err := json.Unmarshal(raw, &prediction); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	return &prediction, nil
}

// ProtectedView fetches the protected resource, confirming the session is usable.
func (c *Client) ProtectedView(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, c.authenticated, http.MethodGet, "/protected-view/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Register creates a new account. It needs no session.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	if err := c.validate.Struct(reg); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	return c.do(ctx, c.anonymous, http.MethodPost, "/register/", reg, nil)
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// decodeAPIError understands the portal's error shapes: {"detail": "..."},
// {"error": "..."} and {"field": ["message", ...]}.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
		return apiErr
	}

	for key, value := range doc {
		var text string
		if json.Unmarshal(value, &text) == nil {
			if key == "detail" || key == "error" || key == "non_field_errors" {
				apiErr.Message = text
				continue
			}
			addField(apiErr, key, text)
			continue
		}

		var list []string
		if json.Unmarshal(value, &list) == nil {
			if key == "non_field_errors" {
				apiErr.Message = strings.Join(list, " ")
				continue
			}
			for _, msg := range list {
				addField(apiErr, key, msg)
			}
		}
	}
	return apiErr
}

func addField(e *APIError, name, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[name] = append(e.Fields[name], msg)
}
