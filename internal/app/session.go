package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/florianilch/stockportal/internal/session"
	"github.com/florianilch/stockportal/internal/tokenclient"
	"github.com/florianilch/stockportal/internal/tokenstore"
)

// Session is a session.Client bound to the configured credential backend and
// token endpoints. Rotated refresh tokens are persisted by the client itself.
type Session struct {
	*session.Client

	tokens  *tokenclient.Client
	backend tokenstore.Backend
}

// NewSession creates a Session from application configuration. No I/O is
// performed until the first request. Metrics are registered with reg when it is
// non-nil.
func NewSession(cfg *Config, reg prometheus.Registerer) (*Session, error) {
	backend, err := cfg.Credentials.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential backend: %w", err)
	}

	endpoint, err := tokenclient.EndpointFor(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token endpoints: %w", err)
	}
	tokens := tokenclient.New(endpoint, tokenclient.WithTimeout(cfg.API.Timeout))

	opts := []session.Option{}
	if reg != nil {
		opts = append(opts, session.WithMetrics(session.NewMetrics(reg)))
	}

	client, err := session.NewClient(backend, tokens, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}

	return &Session{
		Client:  client,
		tokens:  tokens,
		backend: backend,
	}, nil
}

// Login exchanges username and password for a token pair and starts a new
// session with it.
func (s *Session) Login(ctx context.Context, username, password string) error {
	pair, err := s.tokens.Obtain(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	s.Establish(ctx, session.Credential{AccessToken: pair.Access, RefreshToken: pair.Refresh})
	slog.InfoContext(ctx, "logged in", "username", username)
	return nil
}

// Close stops the session client and releases backend connections.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if err := s.Client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session client: %w", err))
	}
	if closer, ok := s.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("credential backend: %w", err))
		}
	}
	return errors.Join(errs...)
}
