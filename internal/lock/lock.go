// Package lock implements the single-flight cooperative lock (§4.2).
//
// The lock is advisory, not a correctness boundary: it suppresses
// duplicate LLM spend in the common case, but the worker's cache recheck
// is what actually guarantees at-most-one effective LLM call per
// fingerprint. A holder must never assume it still holds the lock once
// its TTL has elapsed.
package lock

import (
	"context"
	"time"

	"github.com/lexai-io/contract-intel/internal/kv"
	"github.com/lexai-io/contract-intel/internal/metrics"
)

// TTL is the fixed lock lifetime used at admission (§3, §4.4).
const TTL = 5 * time.Minute

// Lock provides key-scoped compare-and-set-if-absent locking over the
// shared key-value store.
type Lock struct {
	store   *kv.Store
	metrics *metrics.Collector
}

// New constructs a Lock backed by store.
func New(store *kv.Store) *Lock {
	return &Lock{store: store}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (l *Lock) SetMetrics(m *metrics.Collector) {
	l.metrics = m
}

// Acquire attempts to create key only if absent, with expiry ttl. Returns
// true iff this call created the key (i.e. the caller now holds the
// lock).
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := l.store.SetNX(ctx, key, "1", ttl)
	if err == nil && !acquired {
		l.metrics.ObserveLockContended()
	}
	return acquired, err
}

// Release deletes key, best-effort. Safe to call even if the TTL already
// expired and another holder has since acquired the key — in that
// (rare, racy) case Release may delete a lock someone else now holds,
// which is why the lock is documented as advisory rather than correct
// under contention; the cache recheck is the real safety net.
func (l *Lock) Release(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}
