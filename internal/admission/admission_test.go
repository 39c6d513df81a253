package admission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/cache"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/fingerprint"
	"github.com/lexai-io/contract-intel/internal/kv"
	"github.com/lexai-io/contract-intel/internal/lock"
	"github.com/lexai-io/contract-intel/internal/quota"
)

// fakeContracts is an in-memory ContractStore.
type fakeContracts struct {
	byID map[string]*docstore.Contract
}

func (f *fakeContracts) Get(ctx context.Context, tenantID, contractID string) (*docstore.Contract, error) {
	c, ok := f.byID[contractID]
	if !ok || c.TenantID != tenantID || c.Deleted {
		return nil, notFoundErr{}
	}
	return c, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

// fakeAnalyses is an in-memory AnalysisStore.
type fakeAnalyses struct {
	mu      sync.Mutex
	byID    map[string]*docstore.Analysis
	inserts int
}

func newFakeAnalyses() *fakeAnalyses {
	return &fakeAnalyses{byID: map[string]*docstore.Analysis{}}
}

func (f *fakeAnalyses) Insert(ctx context.Context, a *docstore.Analysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[a.ID] = a
	f.inserts++
	return nil
}

func (f *fakeAnalyses) FindNonTerminal(ctx context.Context, contractID string, version int) (*docstore.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.ContractID == contractID && a.Version == version &&
			(a.State == docstore.StatePending || a.State == docstore.StateProcessing) {
			return a, nil
		}
	}
	return nil, nil
}

// fakeQueue records published jobs.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *fakeQueue) Publish(ctx context.Context, routingKey string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return err
	}
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newTestService(t *testing.T, contracts *fakeContracts, analyses *fakeAnalyses, q *fakeQueue) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := &kv.Store{
		Cmd: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Sub: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
	c := cache.New(store, zerolog.Nop())
	l := lock.New(store)
	qa := quota.New(store, map[string]int{quota.PlanFree: 3})
	marshal := func(j Job) ([]byte, error) { return json.Marshal(j) }
	return New(contracts, analyses, c, l, qa, q, marshal, zerolog.Nop())
}

func contractWithBody(id, tenant, body string) *docstore.Contract {
	fp := fingerprint.Hash(body)
	return &docstore.Contract{
		ID:          id,
		TenantID:    tenant,
		Body:        body,
		Fingerprint: fp,
		Versions:    []docstore.Version{{Number: 1, Body: body, Fingerprint: fp}},
	}
}

func TestAdmitCacheMissEnqueues(t *testing.T) {
	ctx := context.Background()
	body := "a very long contract body with a termination clause that exceeds fifty characters"
	contracts := &fakeContracts{byID: map[string]*docstore.Contract{"c1": contractWithBody("c1", "t1", body)}}
	analyses := newFakeAnalyses()
	q := &fakeQueue{}
	svc := newTestService(t, contracts, analyses, q)

	res, err := svc.Admit(ctx, "c1", "t1", "u1", quota.PlanFree, nil)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Cached || res.State != docstore.StatePending {
		t.Fatalf("unexpected result: %+v", res)
	}
	if q.count() != 1 {
		t.Fatalf("expected exactly 1 job enqueued, got %d", q.count())
	}
	if analyses.inserts != 1 {
		t.Fatalf("expected exactly 1 analysis row, got %d", analyses.inserts)
	}
}

func TestAdmitCacheHitShortCircuits(t *testing.T) {
	ctx := context.Background()
	body := "a very long contract body with a termination clause that exceeds fifty characters"
	fp := fingerprint.Hash(body)
	contracts := &fakeContracts{byID: map[string]*docstore.Contract{"c1": contractWithBody("c1", "t1", body)}}
	analyses := newFakeAnalyses()
	q := &fakeQueue{}
	svc := newTestService(t, contracts, analyses, q)

	if err := svc.cache.Set(ctx, fp, &cache.Entry{AnalysisID: "A0", Summary: "cached", RiskScore: 10, RiskLevel: "low"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	res, err := svc.Admit(ctx, "c1", "t1", "u1", quota.PlanFree, nil)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Cached || res.AnalysisID != "A0" || res.State != docstore.StateCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if q.count() != 0 {
		t.Fatal("expected no job enqueued on cache hit")
	}
	if analyses.inserts != 0 {
		t.Fatal("expected no analysis row created on cache hit")
	}
}

func TestAdmitBodyTooShortRejected(t *testing.T) {
	ctx := context.Background()
	contracts := &fakeContracts{byID: map[string]*docstore.Contract{"c1": contractWithBody("c1", "t1", "short")}}
	analyses := newFakeAnalyses()
	q := &fakeQueue{}
	svc := newTestService(t, contracts, analyses, q)

	_, err := svc.Admit(ctx, "c1", "t1", "u1", quota.PlanFree, nil)
	if err == nil {
		t.Fatal("expected validation error for short body")
	}
}

func TestAdmitQuotaBoundary(t *testing.T) {
	ctx := context.Background()
	analyses := newFakeAnalyses()
	q := &fakeQueue{}

	contracts := &fakeContracts{byID: map[string]*docstore.Contract{}}
	for i := 0; i < 4; i++ {
		id := "c" + string(rune('0'+i))
		body := "a very long contract body with a termination clause number " + string(rune('0'+i)) + "!!"
		contracts.byID[id] = contractWithBody(id, "t1", body)
	}
	svc := newTestService(t, contracts, analyses, q)

	for i := 0; i < 3; i++ {
		id := "c" + string(rune('0'+i))
		if _, err := svc.Admit(ctx, id, "t1", "u1", quota.PlanFree, nil); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
	}

	_, err := svc.Admit(ctx, "c3", "t1", "u1", quota.PlanFree, nil)
	if err == nil {
		t.Fatal("4th request should fail with QuotaExceeded")
	}
}

func TestAdmitSingleFlightDedupAttachesToInFlight(t *testing.T) {
	ctx := context.Background()
	body := "a very long contract body with a termination clause that exceeds fifty characters"
	contracts := &fakeContracts{byID: map[string]*docstore.Contract{"c1": contractWithBody("c1", "t1", body)}}
	analyses := newFakeAnalyses()
	q := &fakeQueue{}
	svc := newTestService(t, contracts, analyses, q)

	res1, err := svc.Admit(ctx, "c1", "t1", "u1", quota.PlanFree, nil)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	res2, err := svc.Admit(ctx, "c1", "t1", "u2", quota.PlanFree, nil)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}

	if q.count() != 1 {
		t.Fatalf("expected exactly one job enqueued across both admissions, got %d", q.count())
	}
	if res2.AnalysisID != res1.AnalysisID {
		t.Fatalf("expected second caller to attach to the first in-flight analysis, got %+v vs %+v", res2, res1)
	}
}
