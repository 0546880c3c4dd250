// Package cache memoizes query answers in Redis. Keys embed the graph
// revision the answer was computed against, so any graph change makes
// old entries unreachable; the TTL reaps them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/query"
)

const answerPrefix = "answer:"

// Config carries the cache connection settings. An empty Addr
// disables caching.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Addr:     util.GetEnvString("REDIS_ADDR", ""),
		Password: util.GetEnvString("REDIS_PASSWORD", ""),
		DB:       int(util.GetEnvNumeric("REDIS_DB", 0)),
		TTL:      time.Duration(util.GetEnvNumeric("ANSWER_CACHE_TTL_SECONDS", 3600)) * time.Second,
	}
}

// AnswerCache memoizes answered queries. A nil cache is a no-op, so
// callers never branch on whether caching is configured.
type AnswerCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis. Returns nil when no address is configured.
func New(cfg Config) *AnswerCache {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.TTL)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *AnswerCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AnswerCache{client: client, ttl: ttl}
}

// Key builds the cache key for one query against one graph snapshot.
func Key(mode, question string, params query.Params, revision int64) string {
	payload, _ := json.Marshal(struct {
		Mode     string       `json:"mode"`
		Question string       `json:"question"`
		Params   query.Params `json:"params"`
		Revision int64        `json:"revision"`
	}{mode, question, params, revision})
	sum := sha256.Sum256(payload)
	return answerPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached result for key, or nil on a miss. Backend
// failures count as misses; the cache is advisory.
func (c *AnswerCache) Get(ctx context.Context, key string) *query.Result {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		logger.Warn("[Cache] Answer lookup failed", "error", err)
		return nil
	}
	var result query.Result
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warn("[Cache] Dropping undecodable answer entry", "error", err)
		return nil
	}
	return &result
}

// Put stores one result under key. Failures are logged and dropped.
func (c *AnswerCache) Put(ctx context.Context, key string, result *query.Result) {
	if c == nil || result == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		logger.Warn("[Cache] Failed to encode answer entry", "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Warn("[Cache] Failed to store answer entry", "error", err)
	}
}

func (c *AnswerCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
