package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"telemetry-service/internal/fingerprint"
	"telemetry-service/internal/model"
	"telemetry-service/internal/policy"
	redisrepo "telemetry-service/internal/repository/redis"
)

// fakeStore is an in-memory claim store with a switchable outage mode.
type fakeStore struct {
	mu     sync.Mutex
	claims map[string]time.Duration
	down   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{claims: make(map[string]time.Duration)}
}

func (s *fakeStore) Admit(ctx context.Context, orgID, fp string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, fmt.Errorf("%w: connection refused", redisrepo.ErrDedupStoreUnavailable)
	}
	key := orgID + ":" + fp
	if _, exists := s.claims[key]; exists {
		return false, nil
	}
	s.claims[key] = ttl
	return true, nil
}

func (s *fakeStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeStore) lastTTL(orgID, fp string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl, ok := s.claims[orgID+":"+fp]
	return ttl, ok
}

func testEvent(id string, kind model.EventKind) *model.Event {
	return &model.Event{
		ID:         id,
		DeliveryID: "dlv-1",
		UserID:     "u1",
		OrgID:      "org-1",
		Kind:       kind,
		ReceivedAt: time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC),
	}
}

func newTestAdmitter(store Store, depth int) *Admitter {
	hasher := fingerprint.NewHasher(5 * time.Minute)
	policies := func() *policy.Policy { return policy.Default() }
	return NewAdmitter(store, hasher, policies, depth, 10*time.Millisecond)
}

func TestAdmitFirstWinsThenDuplicate(t *testing.T) {
	store := newFakeStore()
	a := newTestAdmitter(store, 8)

	first := testEvent("ev-1", model.KindClicked)
	d, err := a.Admit(context.Background(), first)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if d != Admitted {
		t.Fatalf("first event decision = %v, want Admitted", d)
	}
	if first.Fingerprint == "" {
		t.Fatal("fingerprint must be written onto the event")
	}

	// Same occurrence again: different event ID, same fingerprint inputs.
	second := testEvent("ev-2", model.KindClicked)
	d, err = a.Admit(context.Background(), second)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if d != Duplicate {
		t.Errorf("replay decision = %v, want Duplicate", d)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("replay fingerprint differs: %s vs %s", second.Fingerprint, first.Fingerprint)
	}
}

func TestAdmitUsesPerKindWindow(t *testing.T) {
	store := newFakeStore()
	a := newTestAdmitter(store, 8)

	opened := testEvent("ev-1", model.KindOpened)
	if _, err := a.Admit(context.Background(), opened); err != nil {
		t.Fatal(err)
	}
	ttl, ok := store.lastTTL(opened.OrgID, opened.Fingerprint)
	if !ok {
		t.Fatal("claim not recorded")
	}
	if want := policy.Default().DedupWindow(model.KindOpened); ttl != want {
		t.Errorf("opened ttl = %v, want %v", ttl, want)
	}

	reported := testEvent("ev-2", model.KindReported)
	if _, err := a.Admit(context.Background(), reported); err != nil {
		t.Fatal(err)
	}
	ttl, _ = store.lastTTL(reported.OrgID, reported.Fingerprint)
	if ttl != 0 {
		t.Errorf("reported claims must not expire, got ttl %v", ttl)
	}
}

func TestAdmitOutageDefersAndParks(t *testing.T) {
	store := newFakeStore()
	store.setDown(true)
	a := newTestAdmitter(store, 8)

	d, err := a.Admit(context.Background(), testEvent("ev-1", model.KindClicked))
	if err != nil {
		t.Fatalf("outage must not surface as an error: %v", err)
	}
	if d != Deferred {
		t.Fatalf("decision = %v, want Deferred", d)
	}
	if a.PendingDepth() != 1 {
		t.Errorf("pending depth = %d, want 1", a.PendingDepth())
	}
}

func TestAdmitPendingQueueBounded(t *testing.T) {
	store := newFakeStore()
	store.setDown(true)
	a := newTestAdmitter(store, 2)

	for i := 0; i < 5; i++ {
		ev := testEvent(fmt.Sprintf("ev-%d", i), model.KindClicked)
		if d, _ := a.Admit(context.Background(), ev); d != Deferred {
			t.Fatalf("event %d decision = %v, want Deferred", i, d)
		}
	}
	if a.PendingDepth() != 2 {
		t.Errorf("pending depth = %d, want capped at 2", a.PendingDepth())
	}
}

func TestDrainPendingReadmitsAfterRecovery(t *testing.T) {
	store := newFakeStore()
	store.setDown(true)
	a := newTestAdmitter(store, 8)

	// Two distinct occurrences plus a replay of the first.
	a.Admit(context.Background(), testEvent("ev-1", model.KindClicked))
	a.Admit(context.Background(), testEvent("ev-2", model.KindOpened))
	a.Admit(context.Background(), testEvent("ev-3", model.KindClicked))

	store.setDown(false)

	var mu sync.Mutex
	var admitted []string
	a.drainPending(context.Background(), func(_ context.Context, ev *model.Event) {
		mu.Lock()
		admitted = append(admitted, ev.ID)
		mu.Unlock()
	})

	if a.PendingDepth() != 0 {
		t.Errorf("pending depth = %d after drain, want 0", a.PendingDepth())
	}
	if len(admitted) != 2 {
		t.Fatalf("admitted %v, want exactly the two distinct occurrences", admitted)
	}
	if admitted[0] != "ev-1" || admitted[1] != "ev-2" {
		t.Errorf("admitted order = %v, want [ev-1 ev-2]", admitted)
	}
}

func TestDrainPendingStopsWhileStoreDown(t *testing.T) {
	store := newFakeStore()
	store.setDown(true)
	a := newTestAdmitter(store, 8)

	a.Admit(context.Background(), testEvent("ev-1", model.KindClicked))

	calls := 0
	a.drainPending(context.Background(), func(context.Context, *model.Event) { calls++ })

	if calls != 0 {
		t.Errorf("admitted callback ran %d times during outage", calls)
	}
	if a.PendingDepth() != 1 {
		t.Errorf("event must stay parked, pending depth = %d", a.PendingDepth())
	}
}
