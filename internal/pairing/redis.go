package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps pairing codes in redis so multiple enrollment frontends
// can issue codes that this control plane validates. TTL is enforced by
// redis key expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "pairing_code:"}
}

func (s *RedisStore) Put(ctx context.Context, code string, b Binding, ttl time.Duration) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	return s.client.Set(ctx, s.prefix+code, payload, ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, code string) (Binding, error) {
	// GETDEL consumes atomically; a concurrent Take sees redis.Nil.
	payload, err := s.client.GetDel(ctx, s.prefix+code).Result()
	if err == redis.Nil {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("redis getdel: %w", err)
	}
	var b Binding
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return Binding{}, fmt.Errorf("unmarshal binding: %w", err)
	}
	return b, nil
}
