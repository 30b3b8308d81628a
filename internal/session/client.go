package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/florianilch/stockportal/internal/tokenstore"
)

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for NewClient.
type clientConfig struct {
	transport http.RoundTripper
	metrics   *Metrics
}

// WithTransport sets the base transport used for API requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.transport = transport
	}
}

// WithMetrics records coordination metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// Client sends requests with the session's bearer token and recovers from
// access-token expiry. Safe for concurrent use; independent Clients never share
// state.
type Client struct {
	store       *CredentialStore
	auth        *Authenticator
	coordinator *Coordinator
	dispatcher  *Dispatcher
	terminator  *Terminator
	transport   http.RoundTripper
	metrics     *Metrics
}

// Compile-time check that Client implements http.RoundTripper
var _ http.RoundTripper = (*Client)(nil)

// NewClient creates a Client storing credentials in backend and refreshing them
// with refresher.
func NewClient(backend tokenstore.Backend, refresher Refresher, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("missing credential backend")
	}
	if refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}

	cfg := &clientConfig{
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := NewCredentialStore(backend)
	terminator := NewTerminator(store, cfg.metrics)
	coordinator := NewCoordinator(store, refresher, terminator, cfg.metrics)
	auth := NewAuthenticator(store, coordinator.Epoch)

	return &Client{
		store:       store,
		auth:        auth,
		coordinator: coordinator,
		dispatcher:  NewDispatcher(auth, cfg.transport, cfg.metrics),
		terminator:  terminator,
		transport:   cfg.transport,
		metrics:     cfg.metrics,
	}, nil
}

// Do sends req with the current access token. On 401 the token is refreshed (once
// per epoch across all concurrent requests) and req is replayed once.
//
// Terminal authorization failures are returned as *AuthError with a nil response.
// Transport errors are returned unchanged. Any other response, including non-401
// rejections, is returned to the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	p, err := c.auth.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.RoundTrip(p.Request)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	slog.DebugContext(ctx, "request rejected, awaiting token refresh",
		"request_id", p.ID, "method", req.Method, "path", req.URL.Path, "epoch", p.EpochAtSend)

	if err := c.coordinator.Await(ctx, p.EpochAtSend, p.token); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.metrics.observeTerminal(reasonLabel(authErr.Reason))
		}
		return nil, err
	}

	return c.dispatcher.Retry(ctx, p)
}

// RoundTrip implements http.RoundTripper so a Client can serve as http.Client.Transport.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req)
}

// Establish stores a freshly obtained credential and starts a new session.
func (c *Client) Establish(ctx context.Context, cred Credential) {
	c.coordinator.Establish(ctx, cred)
}

// Logout clears the stored credential and ends the session.
func (c *Client) Logout(ctx context.Context) {
	c.coordinator.Logout(ctx)
}

// Credential returns the stored credential.
func (c *Client) Credential(ctx context.Context) Credential {
	return c.store.Get(ctx)
}

// Ended returns a channel closed when the current session ends.
func (c *Client) Ended() <-chan struct{} {
	return c.terminator.Ended()
}

// OnEnded registers fn to run whenever a session ends.
func (c *Client) OnEnded(fn func()) (cancel func()) {
	return c.terminator.OnEnded(fn)
}

// Epoch returns the current token generation.
func (c *Client) Epoch() uint64 {
	return c.coordinator.Epoch()
}

// TokenSource exposes the stored access token to oauth2-aware libraries.
// The token is not refreshed by the source; expiry is taken from the JWT exp claim.
func (c *Client) TokenSource() oauth2.TokenSource {
	return storeTokenSource{store: c.store}
}

// Close aborts an in-flight refresh and waits for it to finish or ctx to expire.
func (c *Client) Close(ctx context.Context) error {
	return c.coordinator.Close(ctx)
}

type storeTokenSource struct {
	store *CredentialStore
}

func (s storeTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource has no context parameter
	cred := s.store.Get(context.Background())
	if cred.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return oauthToken(cred), nil
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrNoRefreshToken):
		return "no_refresh_token"
	case errors.Is(reason, ErrRefreshFailed):
		return "refresh_failed"
	case errors.Is(reason, ErrRetryExhausted):
		return "retry_exhausted"
	default:
		return "unknown"
	}
}
