package session

import (
	"context"
	"net/http"
)

// Authenticator attaches the current access token to outgoing requests.
type Authenticator struct {
	store *CredentialStore
	epoch func() uint64
}

// NewAuthenticator creates an Authenticator reading tokens from store and the
// current refresh epoch from epoch.
func NewAuthenticator(store *CredentialStore, epoch func() uint64) *Authenticator {
	return &Authenticator{store: store, epoch: epoch}
}

// Authenticate prepares the first attempt of req.
func (a *Authenticator) Authenticate(ctx context.Context, req *http.Request) (*PendingRequest, error) {
	p, err := newPendingRequest(req)
	if err != nil {
		return nil, err
	}
	if err := a.authorize(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Reauthenticate prepares the replay of p with the now-current token.
func (a *Authenticator) Reauthenticate(ctx context.Context, p *PendingRequest) error {
	p.Attempt++
	return a.authorize(ctx, p)
}

func (a *Authenticator) authorize(ctx context.Context, p *PendingRequest) error {
	out, err := p.clone()
	if err != nil {
		return err
	}

	// Epoch is read before the token: a token newer than its epoch is harmless
	// (a 401 is then treated as stale and replayed), the reverse would trigger
	// a needless refresh.
	p.EpochAtSend = a.epoch()
	cred := a.store.Get(ctx)

	p.token = cred.AccessToken
	if cred.AccessToken != "" {
		oauthToken(cred).SetAuthHeader(out)
	} else {
		out.Header.Del("Authorization")
	}

	p.Request = out
	return nil
}
