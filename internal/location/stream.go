// Package location is the lossy live-position channel: best effort, last
// value wins, no history. Publishing is rate-gated by time and distance;
// heading falls back to a computed bearing when the fix carries none.
package location

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

// Channel is the slice of the transport manager the streamers need.
type Channel interface {
	Emit(event string, data any)
	On(event string, h func(data json.RawMessage)) func()
}

// Gate decides whether a new fix is worth publishing: either enough time has
// passed or the position moved far enough (OR semantics).
type Gate struct {
	MinInterval time.Duration // default 2.5s
	MinDistance float64       // meters, default 15

	mu      sync.Mutex
	now     func() time.Time
	lastAt  time.Time
	lastLat float64
	lastLng float64
	hasPrev bool
}

func NewGate(minInterval time.Duration, minDistance float64) *Gate {
	if minInterval <= 0 {
		minInterval = 2500 * time.Millisecond
	}
	if minDistance <= 0 {
		minDistance = 15
	}
	return &Gate{MinInterval: minInterval, MinDistance: minDistance, now: time.Now}
}

// Allow reports whether the sample passes the gate and records it if so.
// The first sample always passes.
func (g *Gate) Allow(lat, lng float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.hasPrev {
		elapsed := now.Sub(g.lastAt)
		dist := geo.Haversine(g.lastLat, g.lastLng, lat, lng)
		if elapsed < g.MinInterval && dist < g.MinDistance {
			return false
		}
	}
	g.hasPrev = true
	g.lastAt = now
	g.lastLat = lat
	g.lastLng = lng
	return true
}

// DriverPublisher streams the driver's position into the ride room.
type DriverPublisher struct {
	channel   Channel
	rideID    string
	sessionID string
	gate      *Gate

	mu      sync.Mutex
	prevLat float64
	prevLng float64
	hasPrev bool
	stopped bool
}

func NewDriverPublisher(channel Channel, rideID, sessionID string, gate *Gate) *DriverPublisher {
	if gate == nil {
		gate = NewGate(0, 0)
	}
	return &DriverPublisher{channel: channel, rideID: rideID, sessionID: sessionID, gate: gate}
}

// Publish offers a fix to the channel. Samples failing the rate gate are
// dropped. When the platform supplies no heading (stationary or
// low-accuracy fixes) the bearing from the previous point is used instead.
func (p *DriverPublisher) Publish(s models.LocationSample) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	heading := s.Heading
	if heading == 0 && p.hasPrev {
		heading = geo.Bearing(p.prevLat, p.prevLng, s.Lat, s.Lng)
	}
	p.prevLat, p.prevLng = s.Lat, s.Lng
	p.hasPrev = true
	p.mu.Unlock()

	if !p.gate.Allow(s.Lat, s.Lng) {
		observability.LocationsThrottled.Inc()
		return
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p.channel.Emit(protocol.EventDriverLocationOut, protocol.DriverLocationUpdate{
		OrderID:   p.rideID,
		SessionID: p.sessionID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Heading:   heading,
		Speed:     s.Speed,
		Timestamp: ts.UnixMilli(),
	})
	observability.LocationsPublished.WithLabelValues(string(models.RoleDriver)).Inc()
}

// Stop makes further publishes no-ops. Used by ride cleanup.
func (p *DriverPublisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// ClientPublisher streams the rider's position so the driver app can render
// it. Typically gated at a lower cadence than the driver side.
type ClientPublisher struct {
	channel Channel
	rideID  string
	token   string
	gate    *Gate

	mu      sync.Mutex
	stopped bool
}

func NewClientPublisher(channel Channel, rideID, clientToken string, gate *Gate) *ClientPublisher {
	if gate == nil {
		gate = NewGate(0, 0)
	}
	return &ClientPublisher{channel: channel, rideID: rideID, token: clientToken, gate: gate}
}

func (p *ClientPublisher) Publish(lat, lng float64) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	if !p.gate.Allow(lat, lng) {
		observability.LocationsThrottled.Inc()
		return
	}
	p.channel.Emit(protocol.EventClientLocationOut, protocol.ClientLocationUpdate{
		OrderID:     p.rideID,
		ClientToken: p.token,
		Lat:         lat,
		Lng:         lng,
		Timestamp:   time.Now().UnixMilli(),
	})
	observability.LocationsPublished.WithLabelValues(string(models.RoleClient)).Inc()
}

func (p *ClientPublisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// OnDriverLocation subscribes to the driver's relayed position for one ride.
// Subscriptions are plain listeners: they survive reconnects on their own
// and are not part of the join replay registry.
func OnDriverLocation(channel Channel, rideID string, fn func(protocol.LocationBroadcast)) func() {
	return onLocation(channel, protocol.EventDriverLocation, rideID, fn)
}

// OnClientLocation subscribes to the rider's relayed position for one ride.
func OnClientLocation(channel Channel, rideID string, fn func(protocol.LocationBroadcast)) func() {
	return onLocation(channel, protocol.EventClientLocation, rideID, fn)
}

func onLocation(channel Channel, event, rideID string, fn func(protocol.LocationBroadcast)) func() {
	return channel.On(event, func(data json.RawMessage) {
		var ev protocol.LocationBroadcast
		if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != rideID {
			return
		}
		fn(ev)
	})
}
