package location

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
)

type fakeChannel struct {
	mu        sync.Mutex
	emits     []any
	listeners map[string][]func(json.RawMessage)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{listeners: make(map[string][]func(json.RawMessage))}
}

func (f *fakeChannel) Emit(event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, data)
}

func (f *fakeChannel) On(event string, h func(data json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[event] = append(f.listeners[event], h)
	i := len(f.listeners[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[event][i] = nil
	}
}

func (f *fakeChannel) deliver(t *testing.T, event string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	hs := append([]func(json.RawMessage){}, f.listeners[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(raw)
		}
	}
}

func (f *fakeChannel) updates() []protocol.DriverLocationUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.DriverLocationUpdate, 0, len(f.emits))
	for _, e := range f.emits {
		if u, ok := e.(protocol.DriverLocationUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func TestGateFirstSampleAlwaysPasses(t *testing.T) {
	g := NewGate(time.Second, 15)
	if !g.Allow(-17.55, -149.56) {
		t.Fatal("first sample rejected")
	}
}

func TestGateTimeOrDistance(t *testing.T) {
	g := NewGate(time.Second, 15)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	if !g.Allow(-17.5500, -149.5600) {
		t.Fatal("first sample rejected")
	}
	// neither elapsed nor moved: rejected
	if g.Allow(-17.5500, -149.5600) {
		t.Fatal("unmoved sample within interval passed")
	}
	// moved ~110m, still within interval: distance alone admits it
	if !g.Allow(-17.5510, -149.5600) {
		t.Fatal("distant sample rejected")
	}
	// tiny move but interval elapsed: time alone admits it
	now = now.Add(1100 * time.Millisecond)
	if !g.Allow(-17.5510001, -149.5600) {
		t.Fatal("sample after interval rejected")
	}
}

func TestGateRecordsOnlyAdmittedSamples(t *testing.T) {
	g := NewGate(time.Hour, 100)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	if !g.Allow(0, 0) {
		t.Fatal("first sample rejected")
	}
	// two ~60m moves, each under the threshold relative to the last
	// admitted point; the second must pass because drift accumulates
	if g.Allow(0.00054, 0) {
		t.Fatal("60m move passed a 100m gate")
	}
	if !g.Allow(0.00108, 0) {
		t.Fatal("accumulated 120m drift rejected")
	}
}

func TestDriverPublisherHeadingFallback(t *testing.T) {
	ch := newFakeChannel()
	p := NewDriverPublisher(ch, "order-1", "session-1", NewGate(time.Nanosecond, 0.001))

	p.Publish(models.LocationSample{Lat: 0, Lng: 0})
	p.Publish(models.LocationSample{Lat: 1, Lng: 0}) // due north of previous

	ups := ch.updates()
	if len(ups) != 2 {
		t.Fatalf("updates = %d", len(ups))
	}
	if ups[0].Heading != 0 {
		t.Fatalf("first heading = %v, want 0 with no previous point", ups[0].Heading)
	}
	if math.Abs(ups[1].Heading-0) > 1e-6 {
		t.Fatalf("northward heading = %v", ups[1].Heading)
	}

	// an explicit platform heading is never overridden
	p.Publish(models.LocationSample{Lat: 2, Lng: 0, Heading: 123})
	ups = ch.updates()
	if ups[2].Heading != 123 {
		t.Fatalf("explicit heading overridden: %v", ups[2].Heading)
	}
}

func TestDriverPublisherCarriesIdentity(t *testing.T) {
	ch := newFakeChannel()
	p := NewDriverPublisher(ch, "order-1", "session-1", NewGate(time.Nanosecond, 0.001))
	p.Publish(models.LocationSample{Lat: -17.55, Lng: -149.56, Speed: 42})

	ups := ch.updates()
	if len(ups) != 1 {
		t.Fatalf("updates = %d", len(ups))
	}
	u := ups[0]
	if u.OrderID != "order-1" || u.SessionID != "session-1" || u.Speed != 42 || u.Timestamp == 0 {
		t.Fatalf("update = %+v", u)
	}
}

func TestPublisherStop(t *testing.T) {
	ch := newFakeChannel()
	p := NewDriverPublisher(ch, "order-1", "session-1", NewGate(time.Nanosecond, 0.001))
	p.Publish(models.LocationSample{Lat: 1, Lng: 1})
	p.Stop()
	p.Publish(models.LocationSample{Lat: 2, Lng: 2})
	if got := len(ch.updates()); got != 1 {
		t.Fatalf("publishes after stop: %d", got)
	}
}

func TestClientPublisherThrottled(t *testing.T) {
	ch := newFakeChannel()
	p := NewClientPublisher(ch, "order-1", "token-1", NewGate(time.Hour, 1e6))
	p.Publish(-17.55, -149.56)
	p.Publish(-17.55, -149.56)

	ch.mu.Lock()
	n := len(ch.emits)
	ch.mu.Unlock()
	if n != 1 {
		t.Fatalf("emits = %d, want duplicate suppressed", n)
	}
	u, ok := ch.emits[0].(protocol.ClientLocationUpdate)
	if !ok || u.ClientToken != "token-1" || u.OrderID != "order-1" {
		t.Fatalf("update = %+v", ch.emits[0])
	}
}

func TestOnDriverLocationFiltersByRide(t *testing.T) {
	ch := newFakeChannel()
	var got []protocol.LocationBroadcast
	unsub := OnDriverLocation(ch, "order-1", func(b protocol.LocationBroadcast) { got = append(got, b) })

	ch.deliver(t, protocol.EventDriverLocation, protocol.LocationBroadcast{OrderID: "other", Lat: 1})
	ch.deliver(t, protocol.EventDriverLocation, protocol.LocationBroadcast{OrderID: "order-1", Lat: 2})
	if len(got) != 1 || got[0].Lat != 2 {
		t.Fatalf("got = %+v", got)
	}

	unsub()
	ch.deliver(t, protocol.EventDriverLocation, protocol.LocationBroadcast{OrderID: "order-1", Lat: 3})
	if len(got) != 1 {
		t.Fatalf("listener survived unsubscribe: %+v", got)
	}
}
