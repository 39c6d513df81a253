// Package cache implements the result cache: fingerprint -> compact
// analysis summary, immutable once written, 24h TTL. The two-tier shape
// (an in-process LRU ahead of a persistent backing store, with a
// panic-recovered background purger) follows the teacher's
// internal/cache/cache.go; the backing store and payload are specific to
// this domain (Redis instead of SQLite, analysis summaries instead of
// raw HTTP response bytes).
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/kv"
	"github.com/lexai-io/contract-intel/internal/metrics"
)

// Entry is the compact, immutable result summary stored at
// fingerprint.AnalysisCacheKey. It is the authoritative result for all
// analyses whose cacheKey equals this fingerprint.
type Entry struct {
	AnalysisID string   `json:"analysisId"`
	Summary    string   `json:"summary"`
	RiskScore  int      `json:"riskScore"`
	RiskLevel  string   `json:"riskLevel"`
	Clauses    []string `json:"clauses,omitempty"`
}

// TTL is the fixed lifetime of a cache entry, per the data model (§3).
const TTL = 24 * time.Hour

// memCapacity bounds the in-process LRU tier in front of the KV store.
const memCapacity = 4096

// Cache is the two-tier result cache: an in-process LRU in front of the
// shared key-value store, so repeat reads for a hot fingerprint within one
// process never round-trip to Redis. Real expiry is carried by the backing
// store's TTL. The LRU tier is populated on Set and on read-through, and
// Get serves a resident entry without consulting Redis, so an entry can
// still be served from memory after its Redis key has expired, until
// StartPurger's next pass removes it or LRU capacity eviction drops it.
type Cache struct {
	store   *kv.Store
	memory  *lru.Cache[string, *Entry]
	log     zerolog.Logger
	metrics *metrics.Collector
}

// New constructs a Cache backed by store.
func New(store *kv.Store, log zerolog.Logger) *Cache {
	mem, err := lru.New[string, *Entry](memCapacity)
	if err != nil {
		// Only fails for a non-positive size, which memCapacity never is.
		panic(err)
	}
	return &Cache{store: store, memory: mem, log: log.With().Str("component", "cache").Logger()}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (c *Cache) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// Get returns the cached entry for fingerprint fp, if any.
func (c *Cache) Get(ctx context.Context, fp string) (*Entry, bool, error) {
	key := cacheKey(fp)
	if e, ok := c.memory.Get(key); ok {
		c.metrics.ObserveCacheHit()
		return e, true, nil
	}
	raw, err := c.store.Get(ctx, key)
	if err == redis.Nil {
		c.metrics.ObserveCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, err
	}
	c.memory.Add(key, &e)
	c.metrics.ObserveCacheHit()
	return &e, true, nil
}

// Set writes entry at fingerprint fp with the fixed TTL. Entries are
// immutable once written: identical inputs produce an identical entry, so
// a second Set for the same fingerprint is a harmless no-op in practice.
func (c *Cache) Set(ctx context.Context, fp string, e *Entry) error {
	key := cacheKey(fp)
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, key, string(raw), TTL); err != nil {
		return err
	}
	c.memory.Add(key, e)
	return nil
}

// StartPurger starts a background goroutine that evicts capacity-stale
// entries from the in-memory LRU tier. Redis owns real expiry via TTL;
// this only bounds memory for entries that expired in Redis but are still
// resident in-process. Runs every 5 minutes until ctx is cancelled. The
// returned channel is closed when the goroutine exits.
func (c *Cache) StartPurger(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.log.Error().Interface("panic", r).Msg("cache purger: recovered from panic")
						}
					}()
					c.purge(ctx)
				}()
			}
		}
	}()
	return done
}

// purge drops in-memory entries whose backing Redis key has already
// expired, so a long-lived process doesn't keep stale reads hot.
func (c *Cache) purge(ctx context.Context) {
	for _, key := range c.memory.Keys() {
		n, err := c.store.Cmd.Exists(ctx, key).Result()
		if err == nil && n == 0 {
			c.memory.Remove(key)
		}
	}
}

func cacheKey(fp string) string {
	return "analysis:" + fp
}
