package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry mirrors online flags into Redis keys with a TTL so sidecar
// consumers (and a future multi-instance deployment) can observe presence.
// Routing still goes through the wrapped local registry: handles are
// process-scoped and never leave this process.
type RedisRegistry struct {
	local  *MemoryRegistry
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry wraps a local registry with a Redis mirror.
func NewRedisRegistry(local *MemoryRegistry, client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{local: local, client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) presenceKey(userID int) string {
	return fmt.Sprintf("%s:presence:%d", r.prefix, userID)
}

// Register records the user online locally and mirrors the flag to Redis.
// Mirror failures are logged, not surfaced: the local registry stays the
// source of truth for delivery.
func (r *RedisRegistry) Register(userID int, h Handle) {
	r.local.Register(userID, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.presenceKey(userID), "online", r.ttl).Err(); err != nil {
		log.Printf("presence mirror set failed for user %d: %v", userID, err)
	}
}

// Unregister removes the entry if h still owns it and clears the mirror once
// the user has no handle left.
func (r *RedisRegistry) Unregister(userID int, h Handle) {
	r.local.Unregister(userID, h)
	if r.local.IsOnline(userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, r.presenceKey(userID)).Err(); err != nil {
		log.Printf("presence mirror del failed for user %d: %v", userID, err)
	}
}

// IsOnline reports local reachability.
func (r *RedisRegistry) IsOnline(userID int) bool {
	return r.local.IsOnline(userID)
}

// HandleOf returns the locally registered handle, if any.
func (r *RedisRegistry) HandleOf(userID int) (Handle, bool) {
	return r.local.HandleOf(userID)
}

var _ Registry = (*RedisRegistry)(nil)
