package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxDrain bounds how much of a rejected response body is read before closing it,
// letting the connection be reused for the replay.
const maxDrain = 64 << 10

// Dispatcher replays a rejected request once with the current token.
type Dispatcher struct {
	auth      *Authenticator
	transport http.RoundTripper
	metrics   *Metrics
}

// NewDispatcher creates a Dispatcher sending replays through transport.
func NewDispatcher(auth *Authenticator, transport http.RoundTripper, metrics *Metrics) *Dispatcher {
	return &Dispatcher{auth: auth, transport: transport, metrics: metrics}
}

// Retry re-authenticates p and sends it again. A second 401 resolves as
// ErrRetryExhausted and is never routed back to the Coordinator.
func (d *Dispatcher) Retry(ctx context.Context, p *PendingRequest) (*http.Response, error) {
	if p.Attempt != 0 {
		return nil, fmt.Errorf("request %s already replayed", p.ID)
	}

	if err := d.auth.Reauthenticate(ctx, p); err != nil {
		return nil, err
	}

	resp, err := d.transport.RoundTrip(p.Request)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		d.metrics.observeTerminal("retry_exhausted")
		slog.WarnContext(ctx, "replayed request rejected again",
			"request_id", p.ID, "method", p.Original.Method, "path", p.Original.URL.Path)
		return nil, newAuthError(ErrRetryExhausted, nil)
	}

	return resp, nil
}

// discard drains and closes a response body.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}
