package tokenstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the credential in a Redis hash so several processes on
// different hosts can share one session.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// Compile-time check to ensure RedisStore implements Backend
var _ Backend = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore that stores the credential under key.
func NewRedisStore(client redis.UniversalClient, key string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	return &RedisStore{
		client: client,
		key:    key,
	}, nil
}

// Load returns the credential stored in the hash. Returns ErrNotFound if the
// hash doesn't exist.
func (r *RedisStore) Load(ctx context.Context) (Credential, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("reading %s: %w", r.key, err)
	}

	cred := Credential{
		AccessToken:  fields[KeyAccessToken],
		RefreshToken: fields[KeyRefreshToken],
	}
	if cred.IsZero() {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Save replaces the hash in a single MULTI/EXEC transaction so readers never
// see a half-written pair.
func (r *RedisStore) Save(ctx context.Context, cred Credential) error {
	fields := make(map[string]any, 2)
	if cred.AccessToken != "" {
		fields[KeyAccessToken] = cred.AccessToken
	}
	if cred.RefreshToken != "" {
		fields[KeyRefreshToken] = cred.RefreshToken
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", r.key, err)
	}
	return nil
}

// Delete removes the hash.
func (r *RedisStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", r.key, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
