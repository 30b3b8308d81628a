package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/florianilch/stockportal/internal/tokenclient"
)

// Refresher exchanges a refresh token for a new access token.
// *tokenclient.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (tokenclient.Pair, error)
}

// Compile-time check that the token endpoint client can serve as Refresher
var _ Refresher = (*tokenclient.Client)(nil)

// waiter is a request parked on a refresh. The channel is buffered so releasing
// never blocks on a waiter that already gave up.
type waiter struct {
	result chan error
}

// flight is the shared pending-result handle of one refresh. A nil flight on the
// Coordinator means Idle.
type flight struct {
	// epoch is the token generation the flight refreshes
	epoch   uint64
	waiters []*waiter
	// superseded is set when a login or logout replaced the credential while the
	// refresh was running; its outcome is then discarded
	superseded bool
}

// failure records the outcome of the last unrecoverable refresh so rejections of
// the same token that arrive late resolve the same way as the parked ones.
type failure struct {
	epoch uint64
	token string
	err   error
}

// Coordinator performs at most one refresh per epoch and fans its outcome out to
// every request that was rejected with that epoch's token.
type Coordinator struct {
	store      *CredentialStore
	refresher  Refresher
	terminator *Terminator
	metrics    *Metrics

	mu      sync.Mutex
	epoch   uint64
	current *flight
	failed  *failure
	closed  bool

	// install serializes credential writes of a finished flight with Establish
	// and Logout. Lock order: install, then mu.
	install sync.Mutex

	// done is cancelled by Close and aborts an in-flight refresh
	done   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates an idle Coordinator at epoch 0.
func NewCoordinator(store *CredentialStore, refresher Refresher, terminator *Terminator, metrics *Metrics) *Coordinator {
	done, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      store,
		refresher:  refresher,
		terminator: terminator,
		metrics:    metrics,
		done:       done,
		cancel:     cancel,
	}
}

// Epoch returns the number of token generations installed so far.
func (c *Coordinator) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Await is called by a request whose attempt, authenticated with sentToken at
// epochAtSend, was rejected with 401. It returns nil when the request should be
// replayed with the current token, an *AuthError when the session cannot be
// recovered, ErrClosed on shutdown, or ctx.Err() when the caller gave up waiting.
func (c *Coordinator) Await(ctx context.Context, epochAtSend uint64, sentToken string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	// The rejected token was already superseded, no new refresh needed
	if epochAtSend < c.epoch {
		c.mu.Unlock()
		c.metrics.observeRetry("stale")
		return nil
	}

	// The rejected token already failed to refresh
	if f := c.failed; f != nil && f.epoch == epochAtSend && sentToken != "" && f.token == sentToken {
		c.mu.Unlock()
		return f.err
	}

	w := &waiter{result: make(chan error, 1)}
	f := c.current
	if f == nil {
		f = &flight{epoch: c.epoch}
		c.current = f
		c.wg.Add(1)
		go c.run(ctx, f)
	} else {
		c.metrics.observeCoalesced()
	}
	f.waiters = append(f.waiters, w)
	c.mu.Unlock()

	select {
	case err := <-w.result:
		if err == nil {
			c.metrics.observeRetry("refreshed")
		}
		return err
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters = slices.DeleteFunc(f.waiters, func(other *waiter) bool { return other == w })
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Establish installs a credential obtained outside the refresh protocol (login)
// and starts a new token generation. A refresh still running for the previous
// credential is discarded; its waiters replay with the new token.
func (c *Coordinator) Establish(ctx context.Context, cred Credential) {
	c.install.Lock()
	defer c.install.Unlock()

	c.store.Set(ctx, cred)

	c.mu.Lock()
	c.epoch++
	c.supersede()
	c.mu.Unlock()

	c.terminator.Begin()
}

// Logout ends the session. A refresh still running is discarded so it can't
// write the old session's tokens back.
func (c *Coordinator) Logout(ctx context.Context) {
	c.install.Lock()
	defer c.install.Unlock()

	c.mu.Lock()
	c.supersede()
	c.mu.Unlock()

	c.terminator.Terminate(ctx, ErrLoggedOut)
}

// supersede marks the running flight as outdated. Callers hold mu.
func (c *Coordinator) supersede() {
	if c.current != nil {
		c.current.superseded = true
	}
	c.failed = nil
}

// Close aborts an in-flight refresh, fails its waiters with ErrClosed and waits
// for the refresh goroutine to exit or ctx to expire. The stored credential is
// left untouched.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run performs the refresh of flight f and releases its waiters.
func (c *Coordinator) run(trigger context.Context, f *flight) {
	defer c.wg.Done()

	// The refresh outlives the request that triggered it; only Close aborts it
	ctx, cancel := context.WithCancel(context.WithoutCancel(trigger))
	defer cancel()
	stop := context.AfterFunc(c.done, cancel)
	defer stop()

	cred, next, outcome := c.exchange(ctx)

	c.install.Lock()
	defer c.install.Unlock()

	c.mu.Lock()
	superseded := f.superseded
	c.mu.Unlock()

	switch {
	case superseded:
		slog.InfoContext(ctx, "discarding refresh result, credential was replaced meanwhile")
		outcome = nil
	case outcome == nil:
		c.store.Set(ctx, next)
	case !errors.Is(outcome, ErrClosed):
		// A credential this process never installed (a login elsewhere) is a new session
		if !cred.IsZero() {
			c.terminator.Begin()
		}
		// Cleared before waiters are released so none of them observes a stale store
		c.terminator.Terminate(ctx, outcome)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case superseded:
	case outcome == nil:
		c.epoch++
		c.failed = nil
	case !errors.Is(outcome, ErrClosed):
		c.failed = &failure{epoch: f.epoch, token: cred.AccessToken, err: outcome}
	}
	for _, w := range f.waiters {
		w.result <- outcome
	}
	f.waiters = nil
	c.current = nil
}

// exchange reads the stored credential and trades its refresh token for a new
// access token. It returns the credential it read, the credential to install on
// success, and nil, an *AuthError, or ErrClosed when Close interrupted it.
func (c *Coordinator) exchange(ctx context.Context) (cred, next Credential, err error) {
	cred = c.store.Get(ctx)
	if cred.RefreshToken == "" {
		c.metrics.observeRefresh("no_refresh_token", 0)
		slog.WarnContext(ctx, "access token rejected and no refresh token stored")
		return cred, Credential{}, newAuthError(ErrNoRefreshToken, nil)
	}

	slog.DebugContext(ctx, "refreshing access token")
	start := time.Now()
	pair, err := c.refresher.Refresh(ctx, cred.RefreshToken)
	elapsed := time.Since(start)
	if err != nil {
		if c.done.Err() != nil {
			slog.InfoContext(ctx, "token refresh aborted by shutdown")
			return cred, Credential{}, ErrClosed
		}
		c.metrics.observeRefresh("failure", elapsed)
		slog.ErrorContext(ctx, "token refresh failed", "error", err)
		return cred, Credential{}, newAuthError(ErrRefreshFailed, err)
	}

	next = Credential{AccessToken: pair.Access, RefreshToken: cred.RefreshToken}
	if pair.Refresh != "" {
		next.RefreshToken = pair.Refresh
	}

	c.metrics.observeRefresh("success", elapsed)
	slog.InfoContext(ctx, "access token refreshed", "rotated", pair.Refresh != "", "duration", elapsed)
	return cred, next, nil
}

// waiting returns the number of parked requests.
func (c *Coordinator) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return len(c.current.waiters)
}
