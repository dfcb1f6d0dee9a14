package models

import (
	"math"
	"time"
)

// AddressKind tags the position of an address within an itinerary.
type AddressKind string

const (
	AddressPickup      AddressKind = "pickup"
	AddressStop        AddressKind = "stop"
	AddressDestination AddressKind = "destination"
)

// Address is one itinerary point: free text plus optional place id and coordinates.
type Address struct {
	ID      string      `json:"id"`
	Value   string      `json:"value"`
	PlaceID string      `json:"placeId,omitempty"`
	Type    AddressKind `json:"type"`
	Lat     *float64    `json:"lat,omitempty"`
	Lng     *float64    `json:"lng,omitempty"`
}

// RideOption is a selectable ride class with its pricing parameters.
type RideOption struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	BasePrice  float64 `json:"price"`
	PricePerKm float64 `json:"pricePerKm"`
}

type Supplement struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

type RouteInfo struct {
	DistanceKm float64 `json:"distance"`
	Duration   string  `json:"duration"`
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

// OrderStatus is the server-authoritative order state.
type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderAccepted         OrderStatus = "accepted"
	OrderDeclined         OrderStatus = "declined"
	OrderExpired          OrderStatus = "expired"
	OrderCancelled        OrderStatus = "cancelled"
	OrderDriverEnroute    OrderStatus = "driver_enroute"
	OrderDriverArrived    OrderStatus = "driver_arrived"
	OrderInProgress       OrderStatus = "in_progress"
	OrderCompleted        OrderStatus = "completed"
	OrderPaymentPending   OrderStatus = "payment_pending"
	OrderPaymentConfirmed OrderStatus = "payment_confirmed"
	OrderPaymentFailed    OrderStatus = "payment_failed"
)

// Terminal reports whether no further lifecycle transition can occur.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDeclined, OrderExpired, OrderCancelled, OrderPaymentConfirmed:
		return true
	}
	return false
}

// RideStatus is the in-ride progression shared by driver and client apps.
type RideStatus string

const (
	RideEnroute    RideStatus = "enroute"
	RideArrived    RideStatus = "arrived"
	RideInProgress RideStatus = "inprogress"
	RideCompleted  RideStatus = "completed"
)

var rideStatusRank = map[RideStatus]int{
	RideEnroute:    0,
	RideArrived:    1,
	RideInProgress: 2,
	RideCompleted:  3,
}

// Rank returns the position of s along the ride progression, or -1 for
// unknown statuses.
func (s RideStatus) Rank() int {
	r, ok := rideStatusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Next returns the status following s, if any.
func (s RideStatus) Next() (RideStatus, bool) {
	switch s {
	case RideEnroute:
		return RideArrived, true
	case RideArrived:
		return RideInProgress, true
	case RideInProgress:
		return RideCompleted, true
	}
	return "", false
}

// RideStatusFromOrder maps an order status onto the in-ride progression.
func RideStatusFromOrder(s OrderStatus) (RideStatus, bool) {
	switch s {
	case OrderAccepted, OrderDriverEnroute:
		return RideEnroute, true
	case OrderDriverArrived:
		return RideArrived, true
	case OrderInProgress:
		return RideInProgress, true
	case OrderCompleted, OrderPaymentPending, OrderPaymentConfirmed, OrderPaymentFailed:
		return RideCompleted, true
	}
	return "", false
}

// Role identifies which party a participant acts as inside a ride room.
type Role string

const (
	RoleDriver Role = "driver"
	RoleClient Role = "client"
)

// OrderRequest is the client-originated ride draft. Immutable after
// submission; resubmitting creates a new order.
type OrderRequest struct {
	ClientName     string        `json:"clientName"`
	ClientPhone    string        `json:"clientPhone"`
	Addresses      []Address     `json:"addresses"`
	RideOption     RideOption    `json:"rideOption"`
	RouteInfo      *RouteInfo    `json:"routeInfo,omitempty"`
	Passengers     int           `json:"passengers"`
	Supplements    []Supplement  `json:"supplements"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	SelectedCardID string        `json:"selectedCardId,omitempty"`
	TotalPrice     float64       `json:"totalPrice"`
	DriverEarnings float64       `json:"driverEarnings"`
	ScheduledTime  *time.Time    `json:"scheduledTime,omitempty"`
	AdvanceBooking bool          `json:"isAdvanceBooking"`
}

// Order is the server-authoritative ride entity.
type Order struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"clientId,omitempty"`
	ClientName       string        `json:"clientName"`
	ClientPhone      string        `json:"clientPhone"`
	Addresses        []Address     `json:"addresses"`
	RideOption       RideOption    `json:"rideOption"`
	RouteInfo        *RouteInfo    `json:"routeInfo,omitempty"`
	Passengers       int           `json:"passengers"`
	Supplements      []Supplement  `json:"supplements"`
	PaymentMethod    PaymentMethod `json:"paymentMethod"`
	TotalPrice       float64       `json:"totalPrice"`
	DriverEarnings   float64       `json:"driverEarnings"`
	ScheduledTime    *time.Time    `json:"scheduledTime,omitempty"`
	AdvanceBooking   bool          `json:"isAdvanceBooking"`
	Status           OrderStatus   `json:"status"`
	AssignedDriverID string        `json:"assignedDriverId,omitempty"`
	Driver           *DriverBrief  `json:"driver,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	ExpiresAt        time.Time     `json:"expiresAt"`
}

// DriverBrief is the assigned-driver summary embedded in order detail.
type DriverBrief struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	VehicleModel string `json:"vehicleModel,omitempty"`
	VehicleColor string `json:"vehicleColor,omitempty"`
	VehiclePlate string `json:"vehiclePlate,omitempty"`
}

type Driver struct {
	ID           string `json:"id"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Phone        string `json:"phone"`
	Code         string `json:"-"`
	Active       bool   `json:"isActive"`
	VehicleModel string `json:"vehicleModel,omitempty"`
	VehicleColor string `json:"vehicleColor,omitempty"`
	VehiclePlate string `json:"vehiclePlate,omitempty"`
}

func (d Driver) FullName() string { return d.FirstName + " " + d.LastName }

// DriverSession is the capability credential scoped to a driver's
// online/offline lifecycle.
type DriverSession struct {
	ID         string    `json:"id"`
	DriverID   string    `json:"driverId"`
	DriverName string    `json:"driverName"`
	Online     bool      `json:"isOnline"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// LocationSample is an ephemeral position fix. Each new sample supersedes
// the previous one; no history is kept client-side.
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentOutcome is the transient result of the confirmation handshake.
type PaymentOutcome struct {
	RideID    string
	Confirmed bool
	Amount    float64
	Method    PaymentMethod
	CardBrand string
	CardLast4 string
	ErrorMsg  string
}

// Price computes the total and the driver-earnings share for a ride:
// base price + per-km distance price + supplements, driver share 80% rounded.
func Price(opt RideOption, distanceKm float64, supplements []Supplement) (total, driverEarnings float64) {
	total = opt.BasePrice + distanceKm*opt.PricePerKm
	for _, s := range supplements {
		total += s.Price * float64(s.Quantity)
	}
	driverEarnings = math.Round(total * 0.8)
	return total, driverEarnings
}
