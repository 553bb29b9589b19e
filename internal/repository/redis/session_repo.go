package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"suimessenger/internal/domain"
)

// DefaultSessionPrefix namespaces session records
const DefaultSessionPrefix = "session:"

// SessionRepository persists one session record per identity in Redis
type SessionRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.SessionStore = (*SessionRepository)(nil)

// NewSessionRepository creates a new SessionRepository. Records expire after ttl when ttl > 0;
// the session manager still checks expiry itself.
func NewSessionRepository(client *redis.Client, prefix string, ttl time.Duration) *SessionRepository {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &SessionRepository{client: client, prefix: prefix, ttl: ttl}
}

func (r *SessionRepository) key(owner domain.Identity) string {
	return r.prefix + hex.EncodeToString(owner[:])
}

// Load returns the record for owner or domain.ErrNotFound
func (r *SessionRepository) Load(ctx context.Context, owner domain.Identity) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return data, nil
}

// Save replaces the record for owner
func (r *SessionRepository) Save(ctx context.Context, owner domain.Identity, record []byte) error {
	if err := r.client.Set(ctx, r.key(owner), record, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the record for owner. Deleting a missing record is not an error.
func (r *SessionRepository) Delete(ctx context.Context, owner domain.Identity) error {
	if err := r.client.Del(ctx, r.key(owner)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Clear removes every record under the prefix
func (r *SessionRepository) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan sessions: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}
