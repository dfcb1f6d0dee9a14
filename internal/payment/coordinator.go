// Package payment runs the two-party settlement handshake entered when a
// ride completes. The server aggregates both parties' confirmations and
// emits a single authoritative payment:status event; this coordinator turns
// that stream into at-most-one resolution per attempt.
package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

// State of the handshake for the local party.
type State string

const (
	StatePending        State = "pending"
	StateConfirmed      State = "confirmed"
	StateFailed         State = "failed"
	StateRetrying       State = "retrying"
	StateSwitchedToCash State = "switchedToCash"
)

// Channel is the slice of the transport manager the coordinator needs.
type Channel interface {
	Emit(event string, data any)
	On(event string, h func(data json.RawMessage)) func()
}

// Coordinator tracks one ride's payment handshake.
type Coordinator struct {
	channel Channel
	logger  *slog.Logger
	rideID  string
	role    models.Role
	creds   protocol.Credentials

	// OnResult observes each resolution; OnPending fires when a retry or
	// cash switch re-enters the pending display state. Cleanup runs once
	// after a confirmed outcome, shared with the cancellation exit path.
	OnResult  func(models.PaymentOutcome)
	OnPending func()
	Cleanup   func(ctx context.Context)

	mu       sync.Mutex
	st       State
	attempt  int // bumped on retry/switch; duplicate events within one attempt resolve once
	resolved int // last attempt that produced a resolution
	unsub    func()
}

// New builds a coordinator for one ride. credential is the session id for
// the driver role, the ride token for the client role.
func New(channel Channel, logger *slog.Logger, rideID string, role models.Role, credential string) *Coordinator {
	c := &Coordinator{
		channel: channel,
		logger:  logger,
		rideID:  rideID,
		role:    role,
		st:      StatePending,
		attempt: 1,
	}
	if role == models.RoleDriver {
		c.creds = protocol.Credentials{SessionID: credential}
	} else {
		c.creds = protocol.Credentials{ClientToken: credential}
	}
	return c
}

// State returns the current handshake state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Start begins listening for payment:status events. Call once, when the
// ride reaches completed.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.unsub != nil {
		c.mu.Unlock()
		return
	}
	c.unsub = c.channel.On(protocol.EventPaymentStatus, c.handleStatus)
	c.mu.Unlock()
}

// Stop detaches the listener without resolving.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Confirm reports this party's confirmation (or refusal). One-shot emit;
// the authoritative outcome arrives as a payment:status event.
func (c *Coordinator) Confirm(confirmed bool) {
	c.channel.Emit(protocol.EventPaymentConfirm, protocol.PaymentConfirm{
		OrderID:     c.rideID,
		Confirmed:   confirmed,
		Role:        c.role,
		Credentials: c.creds,
	})
}

// Retry re-attempts the same payment method after a failure. Calling it
// twice before a response arms only one new attempt.
func (c *Coordinator) Retry() {
	c.mu.Lock()
	if c.st != StateFailed {
		c.mu.Unlock()
		return
	}
	c.st = StateRetrying
	c.attempt++
	pending := c.OnPending
	c.mu.Unlock()

	c.channel.Emit(protocol.EventPaymentRetry, protocol.PaymentRetry{
		OrderID:     c.rideID,
		ClientToken: c.creds.ClientToken,
	})
	c.enterPending(pending)
}

// SwitchToCash abandons the card attempt and falls back to cash settlement.
func (c *Coordinator) SwitchToCash() {
	c.mu.Lock()
	if c.st != StateFailed {
		c.mu.Unlock()
		return
	}
	c.st = StateSwitchedToCash
	c.attempt++
	pending := c.OnPending
	c.mu.Unlock()

	c.channel.Emit(protocol.EventPaymentSwitchCash, protocol.PaymentSwitchCash{
		OrderID:     c.rideID,
		ClientToken: c.creds.ClientToken,
	})
	c.enterPending(pending)
}

func (c *Coordinator) enterPending(cb func()) {
	c.mu.Lock()
	c.st = StatePending
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Coordinator) handleStatus(data json.RawMessage) {
	var ev protocol.PaymentStatus
	if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != c.rideID {
		return
	}

	var next State
	switch ev.Status {
	case models.OrderPaymentConfirmed:
		next = StateConfirmed
	case models.OrderPaymentFailed:
		next = StateFailed
	default:
		// payment_pending and other progress notes keep the display as is
		return
	}

	c.mu.Lock()
	if c.resolved == c.attempt {
		// duplicate resolution for the same attempt
		c.mu.Unlock()
		return
	}
	c.resolved = c.attempt
	c.st = next
	cb := c.OnResult
	cleanup := c.Cleanup
	c.mu.Unlock()

	outcome := models.PaymentOutcome{
		RideID:    ev.OrderID,
		Confirmed: next == StateConfirmed,
		Amount:    ev.Amount,
		Method:    ev.PaymentMethod,
		CardBrand: ev.CardBrand,
		CardLast4: ev.CardLast4,
		ErrorMsg:  ev.ErrorMessage,
	}
	observability.PaymentOutcomes.WithLabelValues(string(ev.Status)).Inc()
	c.logger.Info("payment resolved", "ride_id", c.rideID, "status", string(ev.Status))

	if cb != nil {
		cb(outcome)
	}
	if next == StateConfirmed {
		c.Stop()
		if cleanup != nil {
			cleanup(context.Background())
		}
	}
}
