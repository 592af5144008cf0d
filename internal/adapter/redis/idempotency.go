package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/redis/go-redis/v9"
)

// pending marks a key whose create is still in flight.
const pending = "-"

// IdempotencyStore shares Idempotency-Key claims between service instances.
type IdempotencyStore struct {
	client *redis.Client
}

var _ interfaces.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKey(key), pending, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return "", true, nil
	}

	orderID, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		ok, err = s.client.SetNX(ctx, idempotencyKey(key), pending, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis setnx failed: %w", err)
		}
		return "", ok, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	if orderID == pending {
		return "", false, nil
	}
	return orderID, false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, orderID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, idempotencyKey(key), orderID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:create-order:%s", key)
}
