package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Both tokens live in one keyring entry so they are replaced together.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Backend
var _ Backend = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Load returns the credential from the system keyring. Returns ErrNotFound if
// no entry exists.
func (k *KeyringStore) Load(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	secret, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	if err := json.Unmarshal([]byte(secret), &cred); err != nil {
		return Credential{}, fmt.Errorf("decoding keyring entry for service %s, user %s: %w", k.service, k.user, err)
	}
	if cred.IsZero() {
		return Credential{}, ErrNotFound
	}

	return cred, nil
}

// Save persists the credential to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	return keyring.Set(k.service, k.user, string(data))
}

// Delete removes the keyring entry.
func (k *KeyringStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
