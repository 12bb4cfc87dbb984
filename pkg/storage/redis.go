// Package storage provides forecast snapshot storage implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "epicast:forecast:"

// RedisStore implements the Store interface using Redis as a backend.
// It enables multi-instance deployments by providing shared storage for
// forecast snapshots with TTL-based expiration.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: Snapshot expiration duration (0 uses a default of 6 hours)
//
// Returns an error if the connection to Redis fails or if parameters are
// invalid.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	if ttl == 0 {
		ttl = 6 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

// validRegion rejects region names that would produce ambiguous or
// unprintable Redis keys. Names may contain letters, digits, spaces,
// hyphens, underscores and periods ("Tamil Nadu", "Jammu-Kashmir").
func validRegion(region string) error {
	if region == "" {
		return errors.New("region name required")
	}
	for _, c := range region {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' || c == ' ' || c == '.' || c == '&' || c == '(' || c == ')') {
			return fmt.Errorf("invalid region name %q", region)
		}
	}
	if strings.TrimSpace(region) == "" {
		return errors.New("region name required")
	}
	return nil
}

// Put stores a forecast snapshot in Redis with TTL-based expiration.
// The key format is "epicast:forecast:{region}".
func (r *RedisStore) Put(ctx context.Context, s Snapshot) error {
	if err := validRegion(s.Region); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := redisKeyPrefix + s.Region

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot in redis: %w", err)
	}

	return nil
}

// GetLatest retrieves the latest forecast snapshot for a region.
//
// Returns:
//   - snapshot: The forecast snapshot (zero value if not found)
//   - found: true if snapshot exists, false if not found
//   - error: non-nil if an error occurred (excluding "not found")
func (r *RedisStore) GetLatest(ctx context.Context, region string) (Snapshot, bool, error) {
	if err := validRegion(region); err != nil {
		return Snapshot{}, false, err
	}

	data, err := r.client.Get(ctx, redisKeyPrefix+region).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("failed to get snapshot from redis: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return snapshot, true, nil
}

// Close closes the Redis client connection. It is safe to call multiple
// times and safe against in-flight Put and GetLatest calls, which fail
// with redis.ErrClosed once the client shuts down.
func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// Ping checks the Redis connection health.
// Returns an error if the connection is unavailable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
