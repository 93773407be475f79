package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/resilience"
)

const (
	historyKeyPrefix = "scanweave:history:"

	// Completed records age out faster than unsuccessful ones, which stay
	// around for investigation.
	defaultHistoryTTL      = 7 * 24 * time.Hour
	defaultHistoryErrorTTL = 30 * 24 * time.Hour

	historyMaxList = 1000
)

// RedisHistoryOption configures the Redis-backed history store.
type RedisHistoryOption func(*redisHistoryConfig)

type redisHistoryConfig struct {
	url       string
	db        int
	keyPrefix string
	ttl       time.Duration
	errorTTL  time.Duration
	logger    core.Logger
}

// WithRedisHistoryURL sets the Redis connection URL or address.
func WithRedisHistoryURL(url string) RedisHistoryOption {
	return func(c *redisHistoryConfig) {
		c.url = url
	}
}

// WithRedisHistoryDB sets the Redis database number.
func WithRedisHistoryDB(db int) RedisHistoryOption {
	return func(c *redisHistoryConfig) {
		c.db = db
	}
}

// WithRedisHistoryKeyPrefix sets a custom key prefix.
func WithRedisHistoryKeyPrefix(prefix string) RedisHistoryOption {
	return func(c *redisHistoryConfig) {
		c.keyPrefix = prefix
	}
}

// WithRedisHistoryTTL sets the retention for completed and unsuccessful
// records respectively.
func WithRedisHistoryTTL(completed, failed time.Duration) RedisHistoryOption {
	return func(c *redisHistoryConfig) {
		c.ttl = completed
		c.errorTTL = failed
	}
}

// WithRedisHistoryLogger sets the logger for store operations.
func WithRedisHistoryLogger(logger core.Logger) RedisHistoryOption {
	return func(c *redisHistoryConfig) {
		c.logger = logger
	}
}

// RedisHistoryStore is a Redis-backed HistoryStore for deployments that
// need execution history to survive restarts or be shared across nodes.
// Records are stored as JSON with TTL-based retention plus a sorted-set
// index on completion time for newest-first listing. Writes go through a
// bounded exponential-backoff retry.
type RedisHistoryStore struct {
	client    *redis.Client
	logger    core.Logger
	keyPrefix string
	ttl       time.Duration
	errorTTL  time.Duration
	retry     *resilience.RetryConfig
}

// NewRedisHistoryStore connects to Redis and verifies the connection.
//
// Environment variable precedence (overridden by options):
//   - SCANWEAVE_REDIS_URL or REDIS_URL: connection URL (default localhost:6379)
//   - SCANWEAVE_HISTORY_REDIS_DB: database number (default 0)
//   - SCANWEAVE_HISTORY_TTL / SCANWEAVE_HISTORY_ERROR_TTL: retention
//   - SCANWEAVE_HISTORY_KEY_PREFIX: key prefix
func NewRedisHistoryStore(opts ...RedisHistoryOption) (*RedisHistoryStore, error) {
	cfg := &redisHistoryConfig{
		url:       envString("SCANWEAVE_REDIS_URL", envString("REDIS_URL", "redis://localhost:6379")),
		db:        envInt("SCANWEAVE_HISTORY_REDIS_DB", 0),
		keyPrefix: envString("SCANWEAVE_HISTORY_KEY_PREFIX", historyKeyPrefix),
		ttl:       envDuration("SCANWEAVE_HISTORY_TTL", defaultHistoryTTL),
		errorTTL:  envDuration("SCANWEAVE_HISTORY_ERROR_TTL", defaultHistoryErrorTTL),
		logger:    core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	redisOpt, err := redis.ParseURL(cfg.url)
	if err != nil {
		// Treat the value as a plain address when it is not a URL.
		redisOpt = &redis.Options{Addr: cfg.url}
	}
	redisOpt.DB = cfg.db

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed at %s (DB %d): %w", cfg.url, cfg.db, err)
	}

	logger := core.WithComponent(cfg.logger, "redis-history")
	logger.Info("Redis history store initialized", map[string]interface{}{
		"redis_addr": redisOpt.Addr,
		"redis_db":   cfg.db,
		"key_prefix": cfg.keyPrefix,
		"ttl":        cfg.ttl.String(),
		"error_ttl":  cfg.errorTTL.String(),
	})

	return &RedisHistoryStore{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.keyPrefix,
		ttl:       cfg.ttl,
		errorTTL:  cfg.errorTTL,
		retry: &resilience.RetryConfig{
			Strategy:      resilience.RetryExponential,
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
		},
	}, nil
}

// Record stores rec under its execution ID and indexes it by completion
// time. Index maintenance is best effort; the record itself is not.
func (s *RedisHistoryStore) Record(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	if rec.ExecutionID == "" {
		return fmt.Errorf("%w: history record without execution id", core.ErrInvalidRequest)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	ttl := s.ttl
	if rec.State != StateCompleted {
		ttl = s.errorTTL
	}

	return resilience.Retry(ctx, s.retry, func() error {
		if err := s.client.Set(ctx, s.recordKey(rec.ExecutionID), data, ttl).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
		if err := s.client.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(rec.CompletedAt.UnixNano()),
			Member: rec.ExecutionID,
		}).Err(); err != nil {
			s.logger.Warn("History index update failed", map[string]interface{}{
				"execution_id": rec.ExecutionID,
				"error":        err.Error(),
			})
		}
		return nil
	})
}

// List returns records matching filter, newest first. A filter with an
// ExecutionID resolves directly; everything else walks the time index.
func (s *RedisHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*Record, error) {
	if filter.ExecutionID != "" {
		rec, err := s.get(ctx, filter.ExecutionID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !filter.matches(rec) {
			return nil, nil
		}
		return []*Record{rec}, nil
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, historyMaxList-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history index: %w", err)
	}

	var out []*Record
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// The record's TTL expired; drop the stale index entry.
			_ = s.client.ZRem(ctx, s.indexKey(), id).Err()
			continue
		}
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisHistoryStore) Close() error {
	return s.client.Close()
}

func (s *RedisHistoryStore) get(ctx context.Context, executionID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal history record %s: %w", executionID, err)
	}
	return &rec, nil
}

func (s *RedisHistoryStore) recordKey(executionID string) string {
	return s.keyPrefix + executionID
}

func (s *RedisHistoryStore) indexKey() string {
	return s.keyPrefix + "index"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
