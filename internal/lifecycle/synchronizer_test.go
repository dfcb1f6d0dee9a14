package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/example/ride-sync/internal/credstore"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
)

type emitted struct {
	event string
	data  any
}

// fakeChannel implements Channel; joins run immediately as if connected.
type fakeChannel struct {
	mu        sync.Mutex
	emits     []emitted
	listeners map[string][]func(json.RawMessage)
	joins     []string
	unjoins   []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{listeners: make(map[string][]func(json.RawMessage))}
}

func (f *fakeChannel) Emit(event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event, data})
}

func (f *fakeChannel) On(event string, h func(data json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[event] = append(f.listeners[event], h)
	return func() {}
}

func (f *fakeChannel) RegisterJoin(key string, fn func()) {
	f.mu.Lock()
	f.joins = append(f.joins, key)
	f.mu.Unlock()
	fn()
}

func (f *fakeChannel) UnregisterJoin(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unjoins = append(f.unjoins, key)
}

func (f *fakeChannel) deliver(t *testing.T, event string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	f.mu.Lock()
	hs := append([]func(json.RawMessage){}, f.listeners[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	order *models.Order
	calls int
}

func (f *fakeFetcher) GetOrder(_ context.Context, _ string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	cp := *f.order
	return &cp, nil
}

func newDriverSync(ch Channel) (*Synchronizer, *credstore.RideState) {
	state := credstore.NewRideState(credstore.NewMemory())
	s := New(ch, nil, state, logging.NewLogger("error"), "order-1", models.RoleDriver, "session-1")
	return s, state
}

func newClientSync(ch Channel, api OrderFetcher) (*Synchronizer, *credstore.RideState) {
	state := credstore.NewRideState(credstore.NewMemory())
	s := New(ch, api, state, logging.NewLogger("error"), "order-1", models.RoleClient, "token-1")
	return s, state
}

func TestJoinSendsRoleCredential(t *testing.T) {
	ch := newFakeChannel()
	s, _ := newDriverSync(ch)
	s.Join()
	s.Join() // second call must not re-register

	if len(ch.joins) != 1 || ch.joins[0] != "ride:order-1" {
		t.Fatalf("joins = %v", ch.joins)
	}
	if len(ch.emits) != 1 {
		t.Fatalf("emits = %v", ch.emits)
	}
	join, ok := ch.emits[0].data.(protocol.RideJoin)
	if !ok || join.Role != models.RoleDriver || join.SessionID != "session-1" || join.ClientToken != "" {
		t.Fatalf("join payload = %+v", ch.emits[0].data)
	}
}

func TestUpdateStatusStepwise(t *testing.T) {
	ch := newFakeChannel()
	s, _ := newDriverSync(ch)
	s.Join()

	// skipping a step is rejected; the ladder starts at enroute
	if err := s.UpdateStatus(models.RideArrived); err == nil {
		t.Fatal("skipped step accepted")
	}
	if err := s.UpdateStatus(models.RideEnroute); err != nil {
		t.Fatalf("enroute: %v", err)
	}
	// local status advances only on the server's broadcast
	if s.Current() != "" {
		t.Fatalf("current = %s before broadcast", s.Current())
	}
	ch.deliver(t, protocol.EventRideStatusChanged, protocol.RideStatusChanged{OrderID: "order-1", Status: models.RideEnroute})
	if s.Current() != models.RideEnroute {
		t.Fatalf("current = %s after broadcast", s.Current())
	}
	if err := s.UpdateStatus(models.RideArrived); err != nil {
		t.Fatalf("arrived: %v", err)
	}
}

func TestClientMayNotUpdateStatus(t *testing.T) {
	ch := newFakeChannel()
	s, _ := newClientSync(ch, nil)
	s.Join()
	if err := s.UpdateStatus(models.RideArrived); err == nil {
		t.Fatal("client status update accepted")
	}
}

func TestStatusRegressionsDropped(t *testing.T) {
	ch := newFakeChannel()
	s, _ := newClientSync(ch, nil)
	s.Join()

	var seen []models.RideStatus
	s.OnStatus = func(st models.RideStatus) { seen = append(seen, st) }

	ch.deliver(t, protocol.EventRideStatusChanged, protocol.RideStatusChanged{OrderID: "order-1", Status: models.RideInProgress})
	ch.deliver(t, protocol.EventRideStatusChanged, protocol.RideStatusChanged{OrderID: "order-1", Status: models.RideArrived})
	ch.deliver(t, protocol.EventRideStatusChanged, protocol.RideStatusChanged{OrderID: "order-1", Status: models.RideInProgress})

	if s.Current() != models.RideInProgress {
		t.Fatalf("current = %s", s.Current())
	}
	if len(seen) != 1 || seen[0] != models.RideInProgress {
		t.Fatalf("seen = %v", seen)
	}
}

func TestCompletedFiresOnce(t *testing.T) {
	ch := newFakeChannel()
	s, _ := newClientSync(ch, nil)
	s.Join()

	completed := 0
	s.OnCompleted = func() { completed++ }

	ch.deliver(t, protocol.EventRideStatusChanged, protocol.RideStatusChanged{OrderID: "order-1", Status: models.RideCompleted})
	ch.deliver(t, protocol.EventRideStatusChanged, protocol.RideStatusChanged{OrderID: "order-1", Status: models.RideCompleted})
	if completed != 1 {
		t.Fatalf("completed fired %d times", completed)
	}
}

func TestCancelledRunsCleanupThenCallback(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	s, state := newClientSync(ch, nil)
	_ = state.SaveRide(ctx, "order-1", "token-1")
	s.Join()

	stopped := false
	s.AddStopper(func() { stopped = true })

	var by models.Role
	s.OnCancelled = func(cancelledBy models.Role, _ string) {
		by = cancelledBy
		// cleanup must already have run
		if _, ok, _ := state.RideToken(ctx); ok {
			t.Error("token still present inside OnCancelled")
		}
	}

	ch.deliver(t, protocol.EventRideCancelled, protocol.RideCancelled{OrderID: "order-1", CancelledBy: models.RoleDriver})
	if by != models.RoleDriver {
		t.Fatalf("cancelledBy = %s", by)
	}
	if !stopped {
		t.Fatal("stopper not released")
	}

	// duplicate broadcast after cleanup is ignored
	calls := 0
	s.OnCancelled = func(models.Role, string) { calls++ }
	ch.deliver(t, protocol.EventRideCancelled, protocol.RideCancelled{OrderID: "order-1", CancelledBy: models.RoleDriver})
	if calls != 0 {
		t.Fatalf("cancelled callback re-fired %d times", calls)
	}
}

func TestCleanupIdempotentAndUnregisters(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	s, _ := newDriverSync(ch)
	s.Join()

	s.Cleanup(ctx)
	s.Cleanup(ctx)

	want := map[string]bool{"ride:order-1": false, "client:order-1": false}
	for _, key := range ch.unjoins {
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, seen := range want {
		if !seen {
			t.Fatalf("join %q not unregistered: %v", key, ch.unjoins)
		}
	}
	if len(ch.unjoins) != 2 {
		t.Fatalf("cleanup not idempotent, unjoins = %v", ch.unjoins)
	}
}

func TestAssignmentTriggersRefetchAndCache(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	api := &fakeFetcher{order: &models.Order{ID: "order-1", Status: models.OrderDriverArrived}}
	s, state := newClientSync(ch, api)
	s.Join()

	ch.deliver(t, protocol.EventDriverAssigned, protocol.DriverAssigned{OrderID: "order-1", DriverName: "Jean"})

	if api.calls != 1 {
		t.Fatalf("refetch calls = %d", api.calls)
	}
	if s.Current() != models.RideArrived {
		t.Fatalf("current = %s after refetch", s.Current())
	}
	cached, ok, _ := state.CachedOrder(ctx)
	if !ok || cached.ID != "order-1" {
		t.Fatalf("order not cached: ok=%v", ok)
	}
}
