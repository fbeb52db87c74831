package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sap-audit-relay/internal/config"
	"sap-audit-relay/internal/schema"
)

// Mirror persists fingerprints outside the process so a replacement host
// can warm its seen-set without the audit file.
type Mirror interface {
	Add(ctx context.Context, fp schema.Fingerprint) error
	Members(ctx context.Context) ([]string, error)
	Close() error
}

// RedisMirror keeps the fingerprint set in a single Redis set key.
type RedisMirror struct {
	client *redis.Client
	key    string
}

// NewRedisMirror connects to Redis and verifies the connection before
// returning. Callers treat a construction failure as "run without the
// mirror", not as fatal.
func NewRedisMirror(cfg config.RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisMirror{client: client, key: cfg.Key}, nil
}

// Add inserts one fingerprint into the mirror set.
func (m *RedisMirror) Add(ctx context.Context, fp schema.Fingerprint) error {
	return m.client.SAdd(ctx, m.key, string(fp)).Err()
}

// Members returns every fingerprint held by the mirror.
func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.key).Result()
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
