package tokenstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore seeds a credential from environment variables.
// The process environment is never mutated: refreshed tokens are kept in memory
// for the lifetime of the process, which suits short-lived CI jobs.
type EnvStore struct {
	mem *MemoryStore
}

// Compile-time check to ensure EnvStore implements Backend
var _ Backend = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore seeded from the given environment variables.
// The refresh variable is required; the access variable may be unset.
func NewEnvStore(accessKey, refreshKey string) (*EnvStore, error) {
	return newEnvStore(accessKey, refreshKey, os.LookupEnv)
}

func newEnvStore(accessKey, refreshKey string, lookup func(string) (string, bool)) (*EnvStore, error) {
	if refreshKey == "" {
		return nil, fmt.Errorf("refresh token environment key cannot be empty")
	}

	refresh, exists := lookup(refreshKey)
	if !exists {
		return nil, fmt.Errorf("environment variable %s not set", refreshKey)
	}

	var access string
	if accessKey != "" {
		access, _ = lookup(accessKey)
	}

	mem := NewMemoryStore()
	mem.cred = Credential{AccessToken: access, RefreshToken: refresh}

	return &EnvStore{mem: mem}, nil
}

// Load returns the current in-memory credential.
func (e *EnvStore) Load(ctx context.Context) (Credential, error) {
	return e.mem.Load(ctx)
}

// Save replaces the in-memory credential.
func (e *EnvStore) Save(ctx context.Context, cred Credential) error {
	return e.mem.Save(ctx, cred)
}

// Delete forgets the in-memory credential. The environment is left untouched.
func (e *EnvStore) Delete(ctx context.Context) error {
	return e.mem.Delete(ctx)
}
