package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"suimessenger/internal/domain"
)

// DirectoryRepository maps conversation lookup keys to registered scope ids.
// Registrations never change, so entries have no expiry.
type DirectoryRepository struct {
	client *redis.Client
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(client *redis.Client) *DirectoryRepository {
	return &DirectoryRepository{client: client}
}

func scopeKey(lookupKey []byte) string {
	return fmt.Sprintf("directory:scope:%s", hex.EncodeToString(lookupKey))
}

// SetScope records the scope id for lookupKey
func (r *DirectoryRepository) SetScope(ctx context.Context, lookupKey []byte, id domain.ObjectID) error {
	if err := r.client.Set(ctx, scopeKey(lookupKey), id.String(), 0).Err(); err != nil {
		return fmt.Errorf("failed to set scope mapping: %w", err)
	}
	return nil
}

// GetScope returns the scope id for lookupKey; a missing key is reported with ok=false
func (r *DirectoryRepository) GetScope(ctx context.Context, lookupKey []byte) (domain.ObjectID, bool, error) {
	raw, err := r.client.Get(ctx, scopeKey(lookupKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ObjectID{}, false, nil
		}
		return domain.ObjectID{}, false, fmt.Errorf("failed to get scope mapping: %w", err)
	}
	id, err := domain.ParseObjectID(raw)
	if err != nil {
		return domain.ObjectID{}, false, fmt.Errorf("invalid scope mapping: %w", err)
	}
	return id, true, nil
}
