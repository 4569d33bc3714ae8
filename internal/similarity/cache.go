package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/metrics"
	"github.com/sqlbench/api/internal/models"
)

// ScoreCache memoises deterministic scores
type ScoreCache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
	Set(ctx context.Context, key string, score float64) error
}

// CacheKey identifies a comparison by comparator kind and statement text
func CacheKey(kind models.ComparatorKind, reference, candidate string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(reference))
	h.Write([]byte{0})
	h.Write([]byte(candidate))
	return hex.EncodeToString(h.Sum(nil))
}

// Cached decorates a deterministic comparator with a score cache
type Cached struct {
	next   Comparator
	cache  ScoreCache
	logger *zap.Logger
}

// NewCached wraps next. Non-deterministic comparators are returned unwrapped.
func NewCached(next Comparator, cache ScoreCache, logger *zap.Logger) Comparator {
	if !next.Kind().Deterministic() {
		return next
	}
	return &Cached{next: next, cache: cache, logger: logger}
}

// Kind implements Comparator
func (c *Cached) Kind() models.ComparatorKind {
	return c.next.Kind()
}

// Compare implements Comparator. Cache failures fall through to the wrapped comparator.
func (c *Cached) Compare(ctx context.Context, reference *models.SampleQuery, candidate *models.GeneratedCandidate) float64 {
	if reference == nil || candidate == nil {
		return c.next.Compare(ctx, reference, candidate)
	}

	key := CacheKey(c.next.Kind(), reference.ReferenceSQL, candidate.SQL)
	score, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.logger.Debug("score cache lookup failed", zap.Error(err))
		metrics.ScoreCacheLookups.WithLabelValues("error").Inc()
	case ok:
		metrics.ScoreCacheLookups.WithLabelValues("hit").Inc()
		return score
	default:
		metrics.ScoreCacheLookups.WithLabelValues("miss").Inc()
	}

	score = c.next.Compare(ctx, reference, candidate)
	if math.IsNaN(score) {
		return score
	}
	if err := c.cache.Set(ctx, key, score); err != nil {
		c.logger.Debug("score cache store failed", zap.Error(err))
	}
	return score
}

// RedisScoreCache stores scores as strings under a key prefix
type RedisScoreCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisScoreCache creates a cache; a zero ttl keeps entries forever
func NewRedisScoreCache(client *redis.Client, ttl time.Duration) *RedisScoreCache {
	return &RedisScoreCache{
		client: client,
		prefix: "sqlbench:score:",
		ttl:    ttl,
	}
}

// Get implements ScoreCache
func (r *RedisScoreCache) Get(ctx context.Context, key string) (float64, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// Set implements ScoreCache
func (r *RedisScoreCache) Set(ctx context.Context, key string, score float64) error {
	return r.client.Set(ctx, r.prefix+key, strconv.FormatFloat(score, 'f', -1, 64), r.ttl).Err()
}
