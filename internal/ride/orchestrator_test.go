package ride

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/apiclient"
	"github.com/example/ride-sync/internal/credstore"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
)

// fakeChannel implements Channel; joins run immediately as if connected.
type fakeChannel struct {
	mu        sync.Mutex
	emits     []string
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
	f.emits = append(f.emits, event)
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

type fakeAPI struct {
	resp *apiclient.CreateOrderResponse
	err  error
}

func (f *fakeAPI) CreateOrder(_ context.Context, _ *models.OrderRequest) (*apiclient.CreateOrderResponse, error) {
	return f.resp, f.err
}

func newTestOrchestrator(api API, ch Channel) (*Orchestrator, *credstore.RideState) {
	state := credstore.NewRideState(credstore.NewMemory())
	o := NewOrchestrator(api, ch, state, logging.NewLogger("error"))
	return o, state
}

func okAPI() *fakeAPI {
	return &fakeAPI{resp: &apiclient.CreateOrderResponse{
		Order:       models.Order{ID: "order-1", Status: models.OrderPending},
		ClientToken: "token-1",
	}}
}

func TestStartPersistsCredentialsAndJoins(t *testing.T) {
	ch := newFakeChannel()
	o, state := newTestOrchestrator(okAPI(), ch)

	if err := o.Start(context.Background(), &models.OrderRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := o.State(); got != StateSearching {
		t.Fatalf("state = %s, want searching", got)
	}
	tok, ok, _ := state.RideToken(context.Background())
	if !ok || tok != "token-1" {
		t.Fatalf("token not persisted: %q ok=%v", tok, ok)
	}
	if len(ch.joins) != 1 || ch.joins[0] != "client:order-1" {
		t.Fatalf("joins = %v", ch.joins)
	}
	if len(ch.emits) != 1 || ch.emits[0] != protocol.EventClientJoin {
		t.Fatalf("emits = %v", ch.emits)
	}
}

func TestStartCreateError(t *testing.T) {
	ch := newFakeChannel()
	o, _ := newTestOrchestrator(&fakeAPI{err: errors.New("boom")}, ch)

	var transitions []State
	o.OnTransition = func(tr Transition) { transitions = append(transitions, tr.State) }

	if err := o.Start(context.Background(), &models.OrderRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if o.State() != StateError {
		t.Fatalf("state = %s, want error", o.State())
	}
	if len(ch.joins) != 0 {
		t.Fatalf("no join expected on failed create, got %v", ch.joins)
	}
	if len(transitions) != 1 || transitions[0] != StateError {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestDriverAssignedMovesToFound(t *testing.T) {
	ch := newFakeChannel()
	o, _ := newTestOrchestrator(okAPI(), ch)

	var mu sync.Mutex
	var got *AssignedDriver
	o.OnTransition = func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		if tr.State == StateFound {
			got = tr.Driver
		}
	}
	if err := o.Start(context.Background(), &models.OrderRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// assignment for another order must be ignored
	ch.deliver(t, protocol.EventDriverAssigned, protocol.DriverAssigned{OrderID: "other", DriverName: "X"})
	if o.State() != StateSearching {
		t.Fatalf("foreign assignment changed state to %s", o.State())
	}

	ch.deliver(t, protocol.EventDriverAssigned, protocol.DriverAssigned{
		OrderID: "order-1", DriverName: "Jean Dupont", DriverID: "driver-1", SessionID: "session-9",
	})
	if o.State() != StateFound {
		t.Fatalf("state = %s, want found", o.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Name != "Jean Dupont" || got.SessionID != "session-9" {
		t.Fatalf("driver = %+v", got)
	}
}

func TestSearchExpiryFiresExactlyOnce(t *testing.T) {
	ch := newFakeChannel()
	o, _ := newTestOrchestrator(okAPI(), ch)
	o.SearchExpiry = 20 * time.Millisecond

	hits := make(chan State, 4)
	o.OnTransition = func(tr Transition) { hits <- tr.State }

	if err := o.Start(context.Background(), &models.OrderRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := <-hits; st != StateSearching {
		t.Fatalf("first transition = %s", st)
	}
	if st := <-hits; st != StateExpired {
		t.Fatalf("second transition = %s", st)
	}

	// server-side expiry arriving after the local one must not re-fire
	ch.deliver(t, protocol.EventOrderExpired, protocol.OrderRef{OrderID: "order-1"})
	select {
	case st := <-hits:
		t.Fatalf("extra transition %s after terminal expiry", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAssignmentBeatsStaleExpiry(t *testing.T) {
	ch := newFakeChannel()
	o, _ := newTestOrchestrator(okAPI(), ch)
	o.SearchExpiry = time.Hour

	if err := o.Start(context.Background(), &models.OrderRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.deliver(t, protocol.EventDriverAssigned, protocol.DriverAssigned{OrderID: "order-1", DriverName: "J"})
	ch.deliver(t, protocol.EventOrderExpired, protocol.OrderRef{OrderID: "order-1"})
	if o.State() != StateFound {
		t.Fatalf("state = %s, want found to stick", o.State())
	}
}

func TestJoinErrorIsProtocolError(t *testing.T) {
	ch := newFakeChannel()
	o, _ := newTestOrchestrator(okAPI(), ch)

	var gotErr error
	o.OnTransition = func(tr Transition) {
		if tr.State == StateError {
			gotErr = tr.Err
		}
	}
	if err := o.Start(context.Background(), &models.OrderRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.deliver(t, protocol.EventClientJoinError, protocol.JoinError{Message: "jeton de course invalide"})

	var apiErr *apiclient.Error
	if !errors.As(gotErr, &apiErr) || apiErr.Kind != apiclient.KindProtocol {
		t.Fatalf("err = %v, want protocol apiclient.Error", gotErr)
	}
}

func TestCancelClearsEverything(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	o, state := newTestOrchestrator(okAPI(), ch)

	if err := o.Start(ctx, &models.OrderRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ch.unjoins) != 1 || ch.unjoins[0] != "client:order-1" {
		t.Fatalf("unjoins = %v", ch.unjoins)
	}
	if _, ok, _ := state.RideToken(ctx); ok {
		t.Fatal("token survived cancel")
	}
	// second cancel is a no-op
	if err := o.Cancel(ctx); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}
