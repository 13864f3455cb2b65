package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationStore persists revoked token IDs in Redis with a TTL
// matching the token's remaining lifetime, so the key expires itself
// once the token would have lapsed anyway.
//
// Grounded on the teacher's store.RedisStore (control_plane/
// store/redis.go) for the connect-and-Ping-on-construction shape, and
// store.TenantKey (store/keys.go) for the colon-namespaced key
// convention.
type RedisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore connects to addr and verifies the connection
// before returning.
func NewRedisRevocationStore(ctx context.Context, addr, password string, db int) (*RedisRevocationStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("authn: connecting to redis: %w", err)
	}

	return &RedisRevocationStore{client: client}, nil
}

func revocationKey(jti string) string {
	return "sentrygate:authn:revoked:" + jti
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		// Already expired on its own; nothing left to revoke.
		return nil
	}
	return s.client.Set(ctx, revocationKey(jti), "1", ttl).Err()
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := s.client.Get(ctx, revocationKey(jti)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisRevocationStore) Close() error {
	return s.client.Close()
}
