// Package lifecycle keeps both parties' view of an assigned ride in sync:
// the driver advances the status, the client mirrors it, and either side may
// cancel. One Synchronizer instance serves one ride.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-sync/internal/credstore"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
)

// Channel is the slice of the transport manager the synchronizer needs.
type Channel interface {
	Emit(event string, data any)
	On(event string, h func(data json.RawMessage)) func()
	RegisterJoin(key string, fn func())
	UnregisterJoin(key string)
}

// OrderFetcher re-fetches the authoritative order to reconcile gaps after
// reconnects and on driver assignment.
type OrderFetcher interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
}

// Synchronizer mirrors the ride-status progression for one ride.
type Synchronizer struct {
	channel Channel
	api     OrderFetcher
	state   *credstore.RideState
	logger  *slog.Logger

	rideID string
	role   models.Role
	creds  protocol.Credentials

	// OnStatus observes each accepted (monotonic) status change.
	// OnCompleted fires once when the ride reaches completed; the driver app
	// uses it to enter the payment handshake. OnCancelled fires once on
	// cancellation, after cleanup ran.
	OnStatus    func(models.RideStatus)
	OnCancelled func(cancelledBy models.Role, reason string)
	OnCompleted func()

	mu        sync.Mutex
	current   models.RideStatus
	joined    bool
	cleanedUp bool
	unsubs    []func()
	stoppers  []func() // extra ride-scoped resources released on cleanup
}

// New builds a synchronizer for one ride. credential is the session id for
// the driver role, the ride token for the client role.
func New(channel Channel, api OrderFetcher, state *credstore.RideState, logger *slog.Logger, rideID string, role models.Role, credential string) *Synchronizer {
	s := &Synchronizer{
		channel: channel,
		api:     api,
		state:   state,
		logger:  logger,
		rideID:  rideID,
		role:    role,
	}
	if role == models.RoleDriver {
		s.creds = protocol.Credentials{SessionID: credential}
	} else {
		s.creds = protocol.Credentials{ClientToken: credential}
	}
	return s
}

// Current returns the last accepted ride status.
func (s *Synchronizer) Current() models.RideStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Join enters the ride room. The join is registered with the transport's
// replay registry, so it is re-issued automatically after any reconnection.
func (s *Synchronizer) Join() {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = true
	s.mu.Unlock()

	s.listen()
	s.channel.RegisterJoin(s.joinKey(), func() {
		s.channel.Emit(protocol.EventRideJoin, protocol.RideJoin{
			OrderID:     s.rideID,
			Role:        s.role,
			Credentials: s.creds,
		})
	})
}

// Seed initializes the local status from an authoritative order fetch,
// mapping the order status onto the ride progression.
func (s *Synchronizer) Seed(o *models.Order) {
	if st, ok := models.RideStatusFromOrder(o.Status); ok {
		s.mu.Lock()
		s.current = st
		s.mu.Unlock()
	}
}

// UpdateStatus advances the ride; driver role only, one step at a time
// along enroute → arrived → inprogress → completed.
func (s *Synchronizer) UpdateStatus(next models.RideStatus) error {
	if s.role != models.RoleDriver {
		return fmt.Errorf("lifecycle: role %q may not drive status transitions", s.role)
	}
	// the first update after acceptance is always enroute
	s.mu.Lock()
	want, ok := models.RideEnroute, true
	if s.current != "" {
		want, ok = s.current.Next()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("lifecycle: no transition from %q", s.current)
	}
	if next != want {
		return fmt.Errorf("lifecycle: illegal transition %q -> %q", s.current, next)
	}
	s.channel.Emit(protocol.EventRideStatusUpdate, protocol.RideStatusUpdate{
		OrderID:   s.rideID,
		SessionID: s.creds.SessionID,
		Status:    next,
	})
	return nil
}

// Cancel requests cancellation; the resulting ride:cancelled broadcast
// drives the actual cleanup on both parties.
func (s *Synchronizer) Cancel(reason string) {
	s.channel.Emit(protocol.EventRideCancel, protocol.RideCancel{
		OrderID:     s.rideID,
		Role:        s.role,
		Reason:      reason,
		Credentials: s.creds,
	})
}

// AddStopper registers a ride-scoped resource released during cleanup, such
// as a location publisher.
func (s *Synchronizer) AddStopper(stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppers = append(s.stoppers, stop)
}

// Cleanup releases every ride-scoped resource: listeners, room
// registrations, persisted credentials and the order cache. Idempotent;
// shared by the cancellation and payment-success exit paths.
func (s *Synchronizer) Cleanup(ctx context.Context) {
	s.mu.Lock()
	if s.cleanedUp {
		s.mu.Unlock()
		return
	}
	s.cleanedUp = true
	unsubs := s.unsubs
	stoppers := s.stoppers
	s.unsubs = nil
	s.stoppers = nil
	s.mu.Unlock()

	for _, stop := range stoppers {
		stop()
	}
	for _, u := range unsubs {
		u()
	}
	s.channel.UnregisterJoin(s.joinKey())
	s.channel.UnregisterJoin("client:" + s.rideID)
	if err := s.state.ClearRide(ctx); err != nil {
		s.logger.Warn("ride state cleanup failed", "ride_id", s.rideID, "error", err)
	}
	s.logger.Info("ride resources released", "ride_id", s.rideID)
}

func (s *Synchronizer) joinKey() string { return "ride:" + s.rideID }

func (s *Synchronizer) listen() {
	unsubStatus := s.channel.On(protocol.EventRideStatusChanged, func(data json.RawMessage) {
		var ev protocol.RideStatusChanged
		if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != s.rideID {
			return
		}
		s.applyStatus(ev.Status)
	})

	unsubCancelled := s.channel.On(protocol.EventRideCancelled, func(data json.RawMessage) {
		var ev protocol.RideCancelled
		if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != s.rideID {
			return
		}
		s.mu.Lock()
		done := s.cleanedUp
		cb := s.OnCancelled
		s.mu.Unlock()
		if done {
			return
		}
		s.Cleanup(context.Background())
		if cb != nil {
			cb(ev.CancelledBy, ev.Reason)
		}
	})

	unsubAssigned := s.channel.On(protocol.EventDriverAssigned, func(data json.RawMessage) {
		var ev protocol.DriverAssigned
		if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != s.rideID {
			return
		}
		// No event redelivery happens after a reconnect, so the HTTP fetch
		// is the source of truth for anything missed.
		s.refetch()
	})

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubStatus, unsubCancelled, unsubAssigned)
	s.mu.Unlock()
}

// applyStatus accepts only forward movement along the progression; late or
// duplicated events are dropped.
func (s *Synchronizer) applyStatus(next models.RideStatus) {
	s.mu.Lock()
	if next.Rank() < 0 || next.Rank() < s.current.Rank() {
		s.mu.Unlock()
		return
	}
	changed := next != s.current
	s.current = next
	statusCB := s.OnStatus
	completedCB := s.OnCompleted
	s.mu.Unlock()

	if !changed {
		return
	}
	if statusCB != nil {
		statusCB(next)
	}
	if next == models.RideCompleted && completedCB != nil {
		completedCB()
	}
}

func (s *Synchronizer) refetch() {
	if s.api == nil {
		return
	}
	o, err := s.api.GetOrder(context.Background(), s.rideID)
	if err != nil {
		s.logger.Warn("order refetch failed", "ride_id", s.rideID, "error", err)
		return
	}
	if err := s.state.CacheOrder(context.Background(), o); err != nil {
		s.logger.Debug("order cache write failed", "error", err)
	}
	if st, ok := models.RideStatusFromOrder(o.Status); ok {
		s.applyStatus(st)
	}
}
