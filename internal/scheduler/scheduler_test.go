package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/docstore"
)

type fakeContractStore struct {
	mu         sync.Mutex
	candidates []docstore.Contract
	claimed    map[string]bool
}

func newFakeContractStore(contracts ...docstore.Contract) *fakeContractStore {
	return &fakeContractStore{candidates: contracts, claimed: map[string]bool{}}
}

func (f *fakeContractStore) ListExpiringCandidates(ctx context.Context) ([]docstore.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]docstore.Contract, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

func (f *fakeContractStore) AppendAlertIfAbsent(ctx context.Context, contractID string, rec docstore.AlertRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := contractID + ":" + strconv.Itoa(rec.Threshold)
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	for i := range f.candidates {
		if f.candidates[i].ID == contractID {
			f.candidates[i].AlertsSent = append(f.candidates[i].AlertsSent, rec)
		}
	}
	return true, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []AlertJob
}

func (f *fakeEnqueuer) Publish(ctx context.Context, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var job AlertJob
	if err := json.Unmarshal(body, &job); err != nil {
		return err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func TestScanFiresExactlyOneAlertAtBoundaryThreshold(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(7 * 24 * time.Hour)
	contract := docstore.Contract{
		ID:         "c1",
		TenantID:   "t1",
		Title:      "MSA",
		ExpiryAt:   &expiry,
		AlertDays:  []int{90, 60, 30, 7},
		AlertsSent: []docstore.AlertRecord{{Threshold: 90}, {Threshold: 60}, {Threshold: 30}},
	}
	store := newFakeContractStore(contract)
	enq := &fakeEnqueuer{}
	s := New(store, enq, "0 2 * * *", nil, zerolog.Nop())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected exactly 1 alert job, got %d", len(enq.jobs))
	}
	if enq.jobs[0].Threshold != 7 {
		t.Fatalf("expected threshold 7, got %d", enq.jobs[0].Threshold)
	}

	// A second scan must not re-fire the same threshold.
	enq.jobs = nil
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("expected no additional alert jobs on rescan, got %d", len(enq.jobs))
	}
}

func TestScanSkipsContractBeyondWindow(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(91 * 24 * time.Hour)
	contract := docstore.Contract{
		ID:        "c1",
		TenantID:  "t1",
		ExpiryAt:  &expiry,
		AlertDays: []int{90, 60, 30, 7},
	}
	store := newFakeContractStore(contract)
	enq := &fakeEnqueuer{}
	s := New(store, enq, "0 2 * * *", nil, zerolog.Nop())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("expected no alert jobs beyond the 90-day window, got %d", len(enq.jobs))
	}
}

func TestScanSkipsAlreadyExpiredContract(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(-24 * time.Hour)
	contract := docstore.Contract{
		ID:        "c1",
		TenantID:  "t1",
		ExpiryAt:  &expiry,
		AlertDays: []int{90, 60, 30, 7},
	}
	store := newFakeContractStore(contract)
	enq := &fakeEnqueuer{}
	s := New(store, enq, "0 2 * * *", nil, zerolog.Nop())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("expected no alert jobs for an already-expired contract, got %d", len(enq.jobs))
	}
}

func TestScanFiresMultipleThresholdsAtOnceWhenNoneYetSent(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(5 * 24 * time.Hour)
	contract := docstore.Contract{
		ID:        "c1",
		TenantID:  "t1",
		ExpiryAt:  &expiry,
		AlertDays: []int{90, 60, 30, 7},
	}
	store := newFakeContractStore(contract)
	enq := &fakeEnqueuer{}
	s := New(store, enq, "0 2 * * *", nil, zerolog.Nop())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(enq.jobs) != 4 {
		t.Fatalf("expected all 4 thresholds to fire on first scan, got %d", len(enq.jobs))
	}
}
