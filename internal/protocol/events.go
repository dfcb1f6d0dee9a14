// Package protocol defines the named events and payload shapes exchanged
// over the persistent ride-coordination channel. Both the client library and
// the coordination server speak exactly this vocabulary.
package protocol

import (
	"encoding/json"

	"github.com/example/ride-sync/internal/models"
)

// Outbound (app → server) event names.
const (
	EventDriverJoin        = "driver:join"
	EventDriverStatus      = "driver:status"
	EventClientJoin        = "client:join"
	EventRideJoin          = "ride:join"
	EventOrderAccept       = "order:accept"
	EventOrderDecline      = "order:decline"
	EventRideStatusUpdate  = "ride:status:update"
	EventRideCancel        = "ride:cancel"
	EventPaymentConfirm    = "payment:confirm"
	EventPaymentRetry      = "payment:retry"
	EventPaymentSwitchCash = "payment:switch-cash"
	EventDriverLocationOut = "location:driver:update"
	EventClientLocationOut = "location:client:update"
)

// Inbound (server → app) event names.
const (
	EventOrderNew           = "order:new"
	EventOrdersPending      = "orders:pending"
	EventOrderTaken         = "order:taken"
	EventOrderExpired       = "order:expired"
	EventOrderAcceptOK      = "order:accept:success"
	EventOrderAcceptError   = "order:accept:error"
	EventDriverAssigned     = "order:driver:assigned"
	EventClientJoinError    = "client:join:error"
	EventRideStatusChanged  = "ride:status:changed"
	EventRideCancelled      = "ride:cancelled"
	EventPaymentStatus      = "payment:status"
	EventPaymentRetryReady  = "payment:retry:ready"
	EventPaymentSwitchedCsh = "payment:switched-to-cash"
	EventDriverLocation     = "location:driver"
	EventClientLocation     = "location:client"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Wrap marshals data into an Envelope ready for transmission.
func Wrap(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Credentials carries the role-specific secret attached to room operations.
// Exactly one of SessionID (driver) or ClientToken (client) is set.
type Credentials struct {
	SessionID   string `json:"sessionId,omitempty"`
	ClientToken string `json:"clientToken,omitempty"`
}

type DriverJoin struct {
	SessionID string `json:"sessionId"`
}

type DriverStatus struct {
	SessionID string `json:"sessionId"`
	Online    bool   `json:"isOnline"`
}

type ClientJoin struct {
	OrderID     string `json:"orderId"`
	ClientToken string `json:"clientToken,omitempty"`
}

type RideJoin struct {
	OrderID string      `json:"orderId"`
	Role    models.Role `json:"role"`
	Credentials
}

type OrderAccept struct {
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
}

type OrderDecline struct {
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
}

type OrderRef struct {
	OrderID string `json:"orderId"`
}

type DriverAssigned struct {
	OrderID    string `json:"orderId"`
	DriverName string `json:"driverName"`
	DriverID   string `json:"driverId"`
	SessionID  string `json:"sessionId"`
}

type JoinError struct {
	Message string `json:"message"`
}

type RideStatusUpdate struct {
	OrderID   string            `json:"orderId"`
	SessionID string            `json:"sessionId"`
	Status    models.RideStatus `json:"status"`
}

type RideStatusChanged struct {
	OrderID     string             `json:"orderId"`
	Status      models.RideStatus  `json:"status"`
	OrderStatus models.OrderStatus `json:"orderStatus"`
	DriverName  string             `json:"driverName,omitempty"`
}

type RideCancel struct {
	OrderID string      `json:"orderId"`
	Role    models.Role `json:"role"`
	Reason  string      `json:"reason,omitempty"`
	Credentials
}

type RideCancelled struct {
	OrderID     string      `json:"orderId"`
	CancelledBy models.Role `json:"cancelledBy"`
	Reason      string      `json:"reason,omitempty"`
}

type PaymentConfirm struct {
	OrderID   string      `json:"orderId"`
	Confirmed bool        `json:"confirmed"`
	Role      models.Role `json:"role"`
	Credentials
}

type PaymentRetry struct {
	OrderID     string `json:"orderId"`
	ClientToken string `json:"clientToken"`
}

type PaymentSwitchCash struct {
	OrderID     string `json:"orderId"`
	ClientToken string `json:"clientToken"`
}

// PaymentStatus is the single authoritative settlement event the server
// emits to both parties once it has aggregated their confirmations.
type PaymentStatus struct {
	OrderID         string               `json:"orderId"`
	Status          models.OrderStatus   `json:"status"`
	Confirmed       bool                 `json:"confirmed"`
	DriverConfirmed bool                 `json:"driverConfirmed,omitempty"`
	ClientConfirmed bool                 `json:"clientConfirmed,omitempty"`
	Amount          float64              `json:"amount,omitempty"`
	PaymentMethod   models.PaymentMethod `json:"paymentMethod,omitempty"`
	CardBrand       string               `json:"cardBrand,omitempty"`
	CardLast4       string               `json:"cardLast4,omitempty"`
	ErrorMessage    string               `json:"errorMessage,omitempty"`
}

type DriverLocationUpdate struct {
	OrderID   string  `json:"orderId"`
	SessionID string  `json:"sessionId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

type ClientLocationUpdate struct {
	OrderID     string  `json:"orderId"`
	ClientToken string  `json:"clientToken"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Timestamp   int64   `json:"timestamp"`
}

// LocationBroadcast is the relayed form delivered to the other party.
type LocationBroadcast struct {
	OrderID   string  `json:"orderId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp int64   `json:"timestamp"`
}
