package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

const (
	// HoldReasonKeyPrefix formats keys as upbit:hold:{market}:{category}
	HoldReasonKeyPrefix = "upbit:hold"

	// DefaultHoldReasonTTL expires a history nobody has touched for a week
	DefaultHoldReasonTTL = 7 * 24 * time.Hour

	// MaxHoldReasons bounds each history; the oldest reasons drop first
	MaxHoldReasons = 20
)

// RedisHoldReasonStore keeps hold-reason histories in Redis lists with an
// in-memory fallback when Redis is unavailable, so a Redis outage never
// stops a cycle.
type RedisHoldReasonStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger

	inMemoryCache  map[string][]string
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisClient builds a client from the redis config section
func NewRedisClient(rc config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
}

// NewRedisHoldReasonStore creates the store. A nil client runs memory-only.
func NewRedisHoldReasonStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisHoldReasonStore {
	if ttl <= 0 {
		ttl = DefaultHoldReasonTTL
	}
	store := &RedisHoldReasonStore{
		client:        client,
		ttl:           ttl,
		logger:        logger.With().Str("component", "hold-reasons").Logger(),
		inMemoryCache: make(map[string][]string),
	}

	if client == nil {
		store.logger.Info().Msg("No Redis client provided, using in-memory hold reasons")
		return store
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		store.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory hold reasons")
	} else {
		store.redisAvailable.Store(true)
	}
	return store
}

var _ HoldReasonStore = (*RedisHoldReasonStore)(nil)

func holdKey(market, category string) string {
	return fmt.Sprintf("%s:%s:%s", HoldReasonKeyPrefix, market, category)
}

// AppendHoldReason adds reason to the end of the history
func (s *RedisHoldReasonStore) AppendHoldReason(ctx context.Context, market, category, reason string) error {
	key := holdKey(market, category)

	s.cacheMu.Lock()
	reasons := append(append([]string(nil), s.inMemoryCache[key]...), reason)
	if len(reasons) > MaxHoldReasons {
		reasons = reasons[len(reasons)-MaxHoldReasons:]
	}
	s.inMemoryCache[key] = reasons
	s.cacheMu.Unlock()

	if !s.useRedis() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, reason)
	pipe.LTrim(ctx, key, -MaxHoldReasons, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable(err)
	}
	return nil
}

// HoldReasons returns the history oldest first
func (s *RedisHoldReasonStore) HoldReasons(ctx context.Context, market, category string) ([]string, error) {
	key := holdKey(market, category)

	if s.useRedis() {
		reasons, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err == nil {
			s.cacheMu.Lock()
			s.inMemoryCache[key] = append([]string(nil), reasons...)
			s.cacheMu.Unlock()
			return reasons, nil
		}
		s.markUnavailable(err)
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return append([]string(nil), s.inMemoryCache[key]...), nil
}

// ClearHoldReasons drops the history
func (s *RedisHoldReasonStore) ClearHoldReasons(ctx context.Context, market, category string) error {
	key := holdKey(market, category)

	s.cacheMu.Lock()
	delete(s.inMemoryCache, key)
	s.cacheMu.Unlock()

	if s.useRedis() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.markUnavailable(err)
		}
	}
	return nil
}

// IsRedisAvailable reports whether Redis is currently used
func (s *RedisHoldReasonStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and restores it after an outage
func (s *RedisHoldReasonStore) CheckRedisConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info().Msg("Redis connection recovered")
	}
	return nil
}

func (s *RedisHoldReasonStore) useRedis() bool {
	return s.client != nil && s.redisAvailable.Load()
}

func (s *RedisHoldReasonStore) markUnavailable(err error) {
	if s.redisAvailable.Swap(false) {
		s.logger.Warn().Err(err).Msg("Redis error, falling back to in-memory hold reasons")
	}
}
