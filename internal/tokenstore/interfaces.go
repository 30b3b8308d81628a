package tokenstore

import (
	"context"
	"errors"
)

// Storage key names used by every backend.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// ErrNotFound is returned by Load when no credential is stored.
var ErrNotFound = errors.New("credential not found")

// Credential is the token pair owned by the session. An empty string means the
// token is absent.
type Credential struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IsZero reports whether both tokens are absent.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Backend reads and writes credentials to persistent storage.
type Backend interface {
	// Load returns the stored credential. Returns ErrNotFound if nothing is stored.
	Load(ctx context.Context) (Credential, error)

	// Save atomically replaces the stored credential.
	Save(ctx context.Context, cred Credential) error

	// Delete removes the stored credential. Deleting a missing credential is not an error.
	Delete(ctx context.Context) error
}
