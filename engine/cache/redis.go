// Package cache provides the Redis-backed embedding and search-result caches.
// Both are best-effort: every Redis failure or unreadable entry is logged and
// reported as a miss, never returned to the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// EmbeddingPrefix namespaces cached vectors.
	EmbeddingPrefix = "driveiq:embeddings"
	// SearchPrefix namespaces cached result lists.
	SearchPrefix = "driveiq:search"

	DefaultEmbeddingTTL = 24 * time.Hour
	DefaultSearchTTL    = 5 * time.Minute
)

// Options configures entry lifetimes.
type Options struct {
	EmbeddingTTL time.Duration
	SearchTTL    time.Duration
}

// DefaultOptions returns 24h for embeddings and 5m for search results.
func DefaultOptions() Options {
	return Options{EmbeddingTTL: DefaultEmbeddingTTL, SearchTTL: DefaultSearchTTL}
}

// Redis implements both caches over one client.
type Redis struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
}

// New wraps an existing client.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EmbeddingTTL <= 0 {
		opts.EmbeddingTTL = DefaultEmbeddingTTL
	}
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = DefaultSearchTTL
	}
	return &Redis{client: client, opts: opts, logger: logger}
}

// Dial parses a redis:// URL and returns a cache over a fresh client.
func Dial(url string, opts Options, logger *slog.Logger) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	o.DialTimeout = 5 * time.Second
	o.ReadTimeout = 5 * time.Second
	return New(redis.NewClient(o), opts, logger), nil
}

// Close closes the underlying client.
func (c *Redis) Close() error { return c.client.Close() }

// Ping checks reachability.
func (c *Redis) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// EmbeddingKey is the prefix plus the first 16 hex chars of sha256(text).
func EmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return EmbeddingPrefix + ":" + hex.EncodeToString(sum[:])[:16]
}

// SearchKey hashes the query together with its parameters. json.Marshal sorts
// map keys, so equal parameter sets produce equal keys.
func SearchKey(query string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	raw, _ := json.Marshal(params)
	sum := sha256.Sum256(append([]byte(query), raw...))
	return SearchPrefix + ":" + hex.EncodeToString(sum[:])[:16]
}

// GetEmbedding returns the cached vector for text.
func (c *Redis) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	var v []float32
	if !c.getJSON(ctx, EmbeddingKey(text), &v) || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// GetEmbeddings looks up many texts in one round trip. Misses are nil.
func (c *Redis) GetEmbeddings(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = EmbeddingKey(t)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("cache: mget embeddings failed", "err", err, "keys", len(keys))
		return out
	}
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var v []float32
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			c.logger.Warn("cache: corrupt embedding entry", "key", keys[i], "err", err)
			continue
		}
		if len(v) > 0 {
			out[i] = v
		}
	}
	return out
}

// SetEmbedding stores vec for text with the embedding TTL.
func (c *Redis) SetEmbedding(ctx context.Context, text string, vec []float32) {
	c.setJSON(ctx, EmbeddingKey(text), vec, c.opts.EmbeddingTTL)
}

// SetEmbeddings stores many vectors in one pipeline.
func (c *Redis) SetEmbeddings(ctx context.Context, texts []string, vecs [][]float32) {
	if len(texts) == 0 || len(texts) != len(vecs) {
		return
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, t := range texts {
			raw, err := json.Marshal(vecs[i])
			if err != nil {
				return err
			}
			p.Set(ctx, EmbeddingKey(t), raw, c.opts.EmbeddingTTL)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("cache: pipeline set embeddings failed", "err", err, "count", len(texts))
	}
}

// GetResults returns cached results for query and params.
func (c *Redis) GetResults(ctx context.Context, query string, params map[string]any) ([]domain.SearchResult, bool) {
	var rs []domain.SearchResult
	if !c.getJSON(ctx, SearchKey(query, params), &rs) {
		return nil, false
	}
	return rs, true
}

// SetResults stores results with the search TTL.
func (c *Redis) SetResults(ctx context.Context, query string, params map[string]any, results []domain.SearchResult) {
	c.setJSON(ctx, SearchKey(query, params), results, c.opts.SearchTTL)
}

// InvalidateSearch drops every cached result list, used after the corpus changes.
func (c *Redis) InvalidateSearch(ctx context.Context) int {
	var n int
	iter := c.client.Scan(ctx, 0, SearchPrefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("cache: delete search entry failed", "key", iter.Val(), "err", err)
			continue
		}
		n++
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache: scan search entries failed", "err", err)
	}
	return n
}

func (c *Redis) getJSON(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("cache: get failed", "key", key, "err", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache: corrupt entry", "key", key, "err", err)
		return false
	}
	return true
}

func (c *Redis) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache: encode failed", "key", key, "err", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache: set failed", "key", key, "err", err)
	}
}
