package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache key builders; everything this service caches lives under links:*
const (
	cacheKeyPrefix = "links"
)

// RoundKey caches a round document
func RoundKey(roundID string) string {
	return fmt.Sprintf("%s:round:%s", cacheKeyPrefix, roundID)
}

// LeaderboardKey caches a built leaderboard
func LeaderboardKey(roundID string) string {
	return fmt.Sprintf("%s:leaderboard:%s", cacheKeyPrefix, roundID)
}

// LiveWindowKey caches the most recent live rounds
func LiveWindowKey() string {
	return fmt.Sprintf("%s:live_window", cacheKeyPrefix)
}

// CacheService is a thin JSON cache over redis. A nil receiver is a valid
// disabled cache, so callers never branch on deployment shape.
type CacheService struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Entry
}

// NewCacheService wraps a redis client; ttl applies to every Set
func NewCacheService(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *CacheService {
	return &CacheService{
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "cache"),
	}
}

// Enabled reports whether the cache is backed by redis
func (s *CacheService) Enabled() bool {
	return s != nil && s.client != nil
}

// Set stores a JSON value under the service TTL
func (s *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	if !s.Enabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Get loads a JSON value; the bool reports a hit
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}

// Delete removes keys; missing keys are fine
func (s *CacheService) Delete(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}

// Ping verifies the redis connection
func (s *CacheService) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.client.Ping(ctx).Err()
}
