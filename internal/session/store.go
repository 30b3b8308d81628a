package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/florianilch/stockportal/internal/tokenstore"
)

// CredentialStore is the only component touching persistent storage.
//
// It never returns errors: a failing backend is treated as "logged out". Every Get
// reads the backend, so a Set or Clear is visible to the next Get.
type CredentialStore struct {
	backend tokenstore.Backend
	mu      sync.RWMutex
}

// NewCredentialStore creates a CredentialStore over the given backend.
func NewCredentialStore(backend tokenstore.Backend) *CredentialStore {
	return &CredentialStore{backend: backend}
}

// Get returns the stored credential, or the zero Credential if none is stored or
// the backend cannot be read.
func (s *CredentialStore) Get(ctx context.Context) Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, err := s.backend.Load(ctx)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			slog.WarnContext(ctx, "credential store unreadable, treating session as logged out", "error", err)
		}
		return Credential{}
	}
	return cred
}

// Set atomically replaces the stored credential. If the backend rejects the write
// the stored credential is removed rather than left stale.
func (s *CredentialStore) Set(ctx context.Context, cred Credential) {
	// A write that started must finish even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(ctx, cred); err != nil {
		slog.ErrorContext(ctx, "failed to persist credential", "error", err)
		if err := s.backend.Delete(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to remove stale credential", "error", err)
		}
	}
}

// Clear removes both tokens.
func (s *CredentialStore) Clear(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear credential", "error", err)
		// Overwrite with an empty pair so no stale token survives a failed delete
		if err := s.backend.Save(ctx, Credential{}); err != nil {
			slog.ErrorContext(ctx, "failed to overwrite credential", "error", err)
		}
	}
}
