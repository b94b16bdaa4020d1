package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recohunter/internal/model"
	"recohunter/internal/pkg/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "recohunter:cache:"

// Store 是抓取结果缓存。
//
// 进程内使用按条目数封顶的 expirable LRU 作为一级缓存，Redis 作为二级缓存，
// 使得 API 进程与 Worker 进程共享同一份结果。两级使用相同的 TTL。
type Store struct {
	rdb    *redis.Client
	local  *expirable.LRU[string, *model.Result]
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a result cache backed by redis with a local LRU in front.
func New(rdb *redis.Client, ttl time.Duration, maxItems int, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxItems <= 0 {
		maxItems = 100
	}
	return &Store{
		rdb:    rdb,
		local:  expirable.NewLRU[string, *model.Result](maxItems, nil, ttl),
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached Result for key, or (nil, false) on a miss.
// Redis 故障降级为未命中，不向调用方冒泡。
func (s *Store) Get(ctx context.Context, key string) (*model.Result, bool) {
	if s == nil || key == "" {
		return nil, false
	}

	if result, ok := s.local.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		return result, true
	}

	if s.rdb == nil {
		metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	raw, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		s.logger.Warn("cache get failed, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()))
		metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	var result model.Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		s.logger.Warn("cache entry corrupt, dropping",
			slog.String("key", key),
			slog.String("error", err.Error()))
		_ = s.rdb.Del(ctx, keyPrefix+key).Err()
		metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	s.local.Add(key, &result)
	metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
	return &result, true
}

// Set stores a Result under key with the configured TTL.
func (s *Store) Set(ctx context.Context, key string, result *model.Result) error {
	if s == nil || key == "" || result == nil {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal cached result: %w", err)
	}

	s.local.Add(key, result)

	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Set(ctx, keyPrefix+key, string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
