package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/admission"
	"github.com/lexai-io/contract-intel/internal/apierrors"
	"github.com/lexai-io/contract-intel/internal/cache"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/kv"
	"github.com/lexai-io/contract-intel/internal/lock"
	"github.com/lexai-io/contract-intel/internal/quota"
	"github.com/lexai-io/contract-intel/internal/ws"
)

func marshalJob(job admission.Job) ([]byte, error) {
	return json.Marshal(job)
}

func newTestKVStore(t *testing.T) *kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return &kv.Store{
		Cmd: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Sub: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
}

type fakeContractStore struct {
	contracts map[string]*docstore.Contract
}

func (f *fakeContractStore) Get(ctx context.Context, tenantID, contractID string) (*docstore.Contract, error) {
	c, ok := f.contracts[contractID]
	if !ok || c.TenantID != tenantID {
		return nil, apierrors.NotFound("contract not found", nil)
	}
	return c, nil
}

type fakeAnalysisStore struct{}

func (f *fakeAnalysisStore) Insert(ctx context.Context, a *docstore.Analysis) error { return nil }
func (f *fakeAnalysisStore) FindNonTerminal(ctx context.Context, contractID string, version int) (*docstore.Analysis, error) {
	return nil, nil
}

type fakeEnqueuer struct {
	published [][]byte
}

func (f *fakeEnqueuer) Publish(ctx context.Context, routingKey string, body []byte) error {
	f.published = append(f.published, body)
	return nil
}

type fakeAuth struct{}

func (fakeAuth) Authenticate(token string) (ws.Principal, error) {
	return ws.Principal{UserID: "u1", TenantID: "t1"}, nil
}

func withPrincipalMiddleware(p Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func newTestRouter(t *testing.T, contracts *fakeContractStore, enq *fakeEnqueuer, principal Principal) chi.Router {
	t.Helper()
	store := newTestKVStore(t)
	c := cache.New(store, zerolog.Nop())
	l := lock.New(store)
	q := quota.New(store, nil)
	admit := admission.New(contracts, &fakeAnalysisStore{}, c, l, q, enq, marshalJob, zerolog.Nop())
	hub := ws.NewHub(fakeAuth{}, zerolog.Nop())

	r := Router(admit, contracts, enq, hub, nil, false, zerolog.Nop())
	wrapped := chi.NewRouter()
	wrapped.Use(withPrincipalMiddleware(principal))
	wrapped.Mount("/", r)
	return wrapped
}

func seededContract() *docstore.Contract {
	return &docstore.Contract{
		ID:       "c1",
		TenantID: "t1",
		Title:    "MSA",
		Versions: []docstore.Version{
			{Number: 1, Body: "This is a sufficiently long original contract body for testing purposes.", Fingerprint: "fp1", CreatedAt: time.Now().UTC()},
			{Number: 2, Body: "This is a sufficiently long amended contract body for testing purposes!!", Fingerprint: "fp2", CreatedAt: time.Now().UTC()},
		},
	}
}

func TestHealthzOK(t *testing.T) {
	router := newTestRouter(t, &fakeContractStore{contracts: map[string]*docstore.Contract{}}, &fakeEnqueuer{}, Principal{UserID: "u1", TenantID: "t1", Plan: "free"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestAnalysisEnqueuesJob(t *testing.T) {
	contracts := &fakeContractStore{contracts: map[string]*docstore.Contract{"c1": seededContract()}}
	enq := &fakeEnqueuer{}
	router := newTestRouter(t, contracts, enq, Principal{UserID: "u1", TenantID: "t1", Plan: "free"})

	req := httptest.NewRequest(http.MethodPost, "/v1/contracts/c1/analysis", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.published) != 1 {
		t.Fatalf("expected one job published, got %d", len(enq.published))
	}
	var resp analysisResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.State != "pending" || resp.Cached {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRequestDiffEnqueuesDiffJob(t *testing.T) {
	contracts := &fakeContractStore{contracts: map[string]*docstore.Contract{"c1": seededContract()}}
	enq := &fakeEnqueuer{}
	router := newTestRouter(t, contracts, enq, Principal{UserID: "u1", TenantID: "t1", Plan: "free"})

	body, _ := json.Marshal(diffRequest{VersionA: 1, VersionB: 2})
	req := httptest.NewRequest(http.MethodPost, "/v1/contracts/c1/diff", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.published) != 1 {
		t.Fatalf("expected one diff job published, got %d", len(enq.published))
	}
	var job diffJobPayload
	if err := json.Unmarshal(enq.published[0], &job); err != nil {
		t.Fatalf("unmarshal diff job: %v", err)
	}
	if job.Type != "diff" || job.DiffText == "" {
		t.Fatalf("unexpected diff job: %+v", job)
	}
}

func TestRequestAnalysisWithoutPrincipalIsForbidden(t *testing.T) {
	contracts := &fakeContractStore{contracts: map[string]*docstore.Contract{}}
	enq := &fakeEnqueuer{}
	store := newTestKVStore(t)
	c := cache.New(store, zerolog.Nop())
	l := lock.New(store)
	q := quota.New(store, nil)
	admit := admission.New(contracts, &fakeAnalysisStore{}, c, l, q, enq, marshalJob, zerolog.Nop())
	hub := ws.NewHub(fakeAuth{}, zerolog.Nop())
	router := Router(admit, contracts, enq, hub, nil, false, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/contracts/c1/analysis", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without an attached principal, got %d", rec.Code)
	}
}
