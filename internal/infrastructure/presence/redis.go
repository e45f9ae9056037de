package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisTracker stores presence:user:<id> keys holding the unix millisecond
// time the user was last seen. Keys expire after TTL.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisTracker connects to Redis and fails if it is unreachable.
func NewRedisTracker(ctx context.Context, cfg RedisConfig, logger logging.Logger) (*RedisTracker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for presence: %w", err)
	}

	logger.Info(logging.Redis, logging.Startup, "connected to redis for presence", map[logging.ExtraKey]any{
		"addr": cfg.Addr,
	})

	return newRedisTracker(rdb, cfg.TTL), nil
}

func newRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl, now: time.Now}
}

func (t *RedisTracker) Online(ctx context.Context, userID string) error {
	seen := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.client.Set(ctx, Key(userID), seen, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence for %s: %w", userID, err)
	}
	return nil
}

func (t *RedisTracker) Offline(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence for %s: %w", userID, err)
	}
	return nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, Key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}
	return n > 0, nil
}

func (t *RedisTracker) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
