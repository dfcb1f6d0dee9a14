// Package ride drives the request side of a ride: create the order over
// HTTP, obtain the capability token, then wait for driver assignment inside
// the client session room.
package ride

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/apiclient"
	"github.com/example/ride-sync/internal/credstore"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
)

// State of the request orchestration.
type State string

const (
	StateCreating  State = "creating"
	StateSearching State = "searching"
	StateFound     State = "found"
	StateExpired   State = "expired"
	StateError     State = "error"
)

// Channel is the slice of the transport manager the orchestrator needs.
type Channel interface {
	Emit(event string, data any)
	On(event string, h func(data json.RawMessage)) func()
	RegisterJoin(key string, fn func())
	UnregisterJoin(key string)
}

// API is the slice of the HTTP client the orchestrator needs.
type API interface {
	CreateOrder(ctx context.Context, req *models.OrderRequest) (*apiclient.CreateOrderResponse, error)
}

// AssignedDriver describes the driver attached to the ride on success.
type AssignedDriver struct {
	Name      string
	DriverID  string
	SessionID string
}

// Transition is delivered on every state change. Driver is set on found,
// Err on error.
type Transition struct {
	State  State
	Driver *AssignedDriver
	Err    error
}

// Orchestrator runs one ride request. Not reusable: create a new one per
// submission.
type Orchestrator struct {
	api     API
	channel Channel
	state   *credstore.RideState
	logger  *slog.Logger

	// SearchExpiry is the client-local defensive expiry; the server enforces
	// its own authoritative timer.
	SearchExpiry time.Duration

	// OnTransition receives every state change; OnElapsed ticks once per
	// second while searching. Both are optional and must be set before Start.
	OnTransition func(Transition)
	OnElapsed    func(seconds int)

	mu       sync.Mutex
	st       State
	orderID  string
	token    string
	expiry   *time.Timer
	ticker   *time.Ticker
	tickStop chan struct{}
	unsubs   []func()
}

func NewOrchestrator(api API, channel Channel, state *credstore.RideState, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		api:          api,
		channel:      channel,
		state:        state,
		logger:       logger,
		SearchExpiry: 60 * time.Second,
		st:           StateCreating,
	}
}

// State returns the current orchestration state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st
}

// OrderID returns the created order id, empty until creation succeeds.
func (o *Orchestrator) OrderID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orderID
}

// Token returns the ride capability token, empty until creation succeeds.
func (o *Orchestrator) Token() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.token
}

// Start submits the request and begins searching. Returns the creation
// error, if any; later transitions arrive through OnTransition.
func (o *Orchestrator) Start(ctx context.Context, req *models.OrderRequest) error {
	resp, err := o.api.CreateOrder(ctx, req)
	if err != nil {
		o.transition(Transition{State: StateError, Err: err})
		return err
	}

	// Persist credentials before any further step so a restart mid-flow can
	// recover the ride.
	if err := o.state.SaveRide(ctx, resp.Order.ID, resp.ClientToken); err != nil {
		o.transition(Transition{State: StateError, Err: err})
		return err
	}

	o.mu.Lock()
	o.orderID = resp.Order.ID
	o.token = resp.ClientToken
	o.mu.Unlock()

	o.listen(resp.Order.ID)
	o.joinClientSession(resp.Order.ID, resp.ClientToken)
	o.startTimers()
	o.transition(Transition{State: StateSearching})
	return nil
}

// Cancel aborts the request. All persisted ride state is cleared and the
// room registration removed; no partial ride remains addressable. Idempotent.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	orderID := o.orderID
	o.mu.Unlock()
	o.teardown()
	if orderID != "" {
		o.channel.UnregisterJoin("client:" + orderID)
	}
	return o.state.ClearRide(ctx)
}

func (o *Orchestrator) joinClientSession(orderID, token string) {
	o.channel.RegisterJoin("client:"+orderID, func() {
		o.channel.Emit(protocol.EventClientJoin, protocol.ClientJoin{
			OrderID:     orderID,
			ClientToken: token,
		})
	})
}

func (o *Orchestrator) listen(orderID string) {
	unsubAssigned := o.channel.On(protocol.EventDriverAssigned, func(data json.RawMessage) {
		var ev protocol.DriverAssigned
		if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != orderID {
			return
		}
		o.transition(Transition{State: StateFound, Driver: &AssignedDriver{
			Name:      ev.DriverName,
			DriverID:  ev.DriverID,
			SessionID: ev.SessionID,
		}})
	})
	unsubExpired := o.channel.On(protocol.EventOrderExpired, func(data json.RawMessage) {
		var ev protocol.OrderRef
		if err := json.Unmarshal(data, &ev); err != nil || ev.OrderID != orderID {
			return
		}
		o.transition(Transition{State: StateExpired})
	})
	unsubJoinErr := o.channel.On(protocol.EventClientJoinError, func(data json.RawMessage) {
		var ev protocol.JoinError
		_ = json.Unmarshal(data, &ev)
		o.transition(Transition{State: StateError, Err: &apiclient.Error{
			Kind:    apiclient.KindProtocol,
			Message: ev.Message,
		}})
	})

	o.mu.Lock()
	o.unsubs = append(o.unsubs, unsubAssigned, unsubExpired, unsubJoinErr)
	o.mu.Unlock()
}

func (o *Orchestrator) startTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expiry = time.AfterFunc(o.SearchExpiry, func() {
		o.transition(Transition{State: StateExpired})
	})
	if o.OnElapsed != nil {
		o.ticker = time.NewTicker(time.Second)
		o.tickStop = make(chan struct{})
		go func(t *time.Ticker, stop chan struct{}) {
			seconds := 0
			for {
				select {
				case <-t.C:
					seconds++
					o.OnElapsed(seconds)
				case <-stop:
					return
				}
			}
		}(o.ticker, o.tickStop)
	}
}

// transition moves to a terminal state exactly once; a stale expiry firing
// after assignment is ignored.
func (o *Orchestrator) transition(t Transition) {
	o.mu.Lock()
	switch o.st {
	case StateFound, StateExpired, StateError:
		o.mu.Unlock()
		return
	}
	if o.st == StateCreating && t.State == StateExpired {
		// expiry cannot precede searching
		o.mu.Unlock()
		return
	}
	o.st = t.State
	cb := o.OnTransition
	o.mu.Unlock()

	switch t.State {
	case StateFound, StateExpired, StateError:
		o.teardown()
	}

	o.logger.Info("ride request transition", "state", string(t.State))
	if cb != nil {
		cb(t)
	}
}

// teardown stops timers and listeners. Safe to call repeatedly.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	expiry := o.expiry
	ticker := o.ticker
	stop := o.tickStop
	unsubs := o.unsubs
	o.expiry = nil
	o.ticker = nil
	o.tickStop = nil
	o.unsubs = nil
	o.mu.Unlock()

	if expiry != nil {
		expiry.Stop()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if stop != nil {
		close(stop)
	}
	for _, u := range unsubs {
		u()
	}
}
