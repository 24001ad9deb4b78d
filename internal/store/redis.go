package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deskline/deskline/internal/models"
)

const (
	presenceTTL  = 24 * time.Hour
	rateLimitTTL = time.Minute
)

// RedisStore handles Redis operations: the hot presence cache, the online
// user set and per-sender rate limiting. Everything here is a cache over
// the durable Store; a cold Redis only slows things down.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for middleware that needs it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// presenceKey returns the key for an agent's cached presence.
func presenceKey(userID int64) string {
	return fmt.Sprintf("presence:%d", userID)
}

// rateLimitKey returns the key for a sender's rate limit counter.
func rateLimitKey(userID int64, window int64) string {
	return fmt.Sprintf("ratelimit:send:%d:%d", userID, window)
}

const onlineUsersKey = "online:users"

// CachePresence stores an agent's presence for fast reads.
func (s *RedisStore) CachePresence(ctx context.Context, p *models.PresenceState) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, presenceKey(p.UserID), data, presenceTTL).Err()
}

// GetCachedPresence retrieves an agent's cached presence, or nil on miss.
func (s *RedisStore) GetCachedPresence(ctx context.Context, userID int64) (*models.PresenceState, error) {
	data, err := s.client.Get(ctx, presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.PresenceState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkOnline adds a user to the online set when their first connection
// registers.
func (s *RedisStore) MarkOnline(ctx context.Context, userID int64) error {
	return s.client.SAdd(ctx, onlineUsersKey, userID).Err()
}

// MarkOffline removes a user from the online set when their last
// connection goes.
func (s *RedisStore) MarkOffline(ctx context.Context, userID int64) error {
	return s.client.SRem(ctx, onlineUsersKey, userID).Err()
}

// OnlineCount returns the size of the online set.
func (s *RedisStore) OnlineCount(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, onlineUsersKey).Result()
}

// CheckRateLimit checks whether a sender is under the message rate limit.
func (s *RedisStore) CheckRateLimit(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	bucket := time.Now().Unix() / int64(window.Seconds())
	count, err := s.client.Get(ctx, rateLimitKey(userID, bucket)).Int()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return count < limit, nil
}

// IncrementRateLimit increments the sender's rate limit counter.
func (s *RedisStore) IncrementRateLimit(ctx context.Context, userID int64, window time.Duration) error {
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := rateLimitKey(userID, bucket)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window*2)
	_, err := pipe.Exec(ctx)
	return err
}
