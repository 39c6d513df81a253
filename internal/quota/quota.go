// Package quota implements the per-tenant monthly analysis quota
// accountant (§4.3).
package quota

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexai-io/contract-intel/internal/fingerprint"
	"github.com/lexai-io/contract-intel/internal/kv"
)

// Unbounded marks a plan with no monthly limit.
const Unbounded = -1

// Plan names understood by the default table.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// DefaultPlans is the plan -> monthly-limit table from §4.3.
var DefaultPlans = map[string]int{
	PlanFree:       3,
	PlanPro:        50,
	PlanEnterprise: Unbounded,
}

// Status is the result of a Check call.
type Status struct {
	Used     int
	Limit    int
	Allowed  bool
	ResetsAt time.Time
}

// Accountant checks and increments quota counters.
type Accountant struct {
	store *kv.Store

	mu    sync.RWMutex
	plans map[string]int
}

// New constructs an Accountant using the given plan table. A nil table
// uses DefaultPlans.
func New(store *kv.Store, plans map[string]int) *Accountant {
	if plans == nil {
		plans = DefaultPlans
	}
	return &Accountant{store: store, plans: plans}
}

// SetPlans replaces the plan -> monthly-limit table. Safe to call
// concurrently with Check/Increment, e.g. from a config hot-reload
// callback. A nil table falls back to DefaultPlans.
func (a *Accountant) SetPlans(plans map[string]int) {
	if plans == nil {
		plans = DefaultPlans
	}
	a.mu.Lock()
	a.plans = plans
	a.mu.Unlock()
}

func (a *Accountant) plan(name string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	limit, ok := a.plans[name]
	if !ok {
		limit, ok = a.plans[PlanFree]
	}
	return limit, ok
}

// Check reports whether userID may be admitted under plan right now,
// without mutating the counter.
func (a *Accountant) Check(ctx context.Context, userID, plan string) (Status, error) {
	now := time.Now().UTC()
	resetsAt := secondsUntilUTCNextMonth(now)
	limit, _ := a.plan(plan)
	if limit == Unbounded {
		return Status{Used: 0, Limit: Unbounded, Allowed: true, ResetsAt: resetsAt}, nil
	}

	key := fingerprint.QuotaKey(userID, now)
	raw, err := a.store.Get(ctx, key)
	if err == redis.Nil {
		return Status{Used: 0, Limit: limit, Allowed: true, ResetsAt: resetsAt}, nil
	}
	if err != nil {
		return Status{}, err
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		used = 0
	}
	return Status{Used: used, Limit: limit, Allowed: used < limit, ResetsAt: resetsAt}, nil
}

// Increment atomically increments userID's counter for the current UTC
// month. If the post-increment value is 1 (the counter was just created),
// its expiry is set to the first instant of next UTC month.
func (a *Accountant) Increment(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	key := fingerprint.QuotaKey(userID, now)
	n, err := a.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if n == 1 {
		return a.store.ExpireAt(ctx, key, secondsUntilUTCNextMonth(now))
	}
	return nil
}

// secondsUntilUTCNextMonth returns the first instant of the UTC calendar
// month following now.
func secondsUntilUTCNextMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
