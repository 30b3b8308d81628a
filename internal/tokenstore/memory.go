package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the credential in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	cred Credential
}

// Compile-time check to ensure MemoryStore implements Backend
var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred.IsZero() {
		return Credential{}, ErrNotFound
	}
	return m.cred, nil
}

func (m *MemoryStore) Save(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cred = Credential{}
	m.mu.Unlock()
	return nil
}
