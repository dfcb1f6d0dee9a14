package coordserver

import (
	"context"
	"errors"
	"sync"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

// Charger settles a card payment for a completed ride. Implementations must
// be safe for concurrent use.
type Charger interface {
	Charge(ctx context.Context, order *models.Order) (brand, last4 string, err error)
}

// SimulatedCharger approves every charge unless FailFirst is set, in which
// case the first attempt per order fails. Used when no Stripe key is
// configured, and by tests exercising the retry path.
type SimulatedCharger struct {
	FailFirst bool

	mu    sync.Mutex
	tried map[string]bool
}

func (c *SimulatedCharger) Charge(_ context.Context, order *models.Order) (string, string, error) {
	if c.FailFirst {
		c.mu.Lock()
		if c.tried == nil {
			c.tried = make(map[string]bool)
		}
		first := !c.tried[order.ID]
		c.tried[order.ID] = true
		c.mu.Unlock()
		if first {
			return "", "", errors.New("carte refusée")
		}
	}
	return "visa", "4242", nil
}

// StripeCharger charges via a Stripe PaymentIntent. XPF has no minor unit,
// so amounts go over as-is.
type StripeCharger struct{}

func NewStripeCharger(apiKey string) *StripeCharger {
	stripe.Key = apiKey
	return &StripeCharger{}
}

func (c *StripeCharger) Charge(ctx context.Context, order *models.Order) (string, string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(order.TotalPrice)),
		Currency: stripe.String(string(stripe.CurrencyXPF)),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("order_id", order.ID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", "", err
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", "", errors.New("paiement non abouti: " + string(pi.Status))
	}
	brand, last4 := "", ""
	if pm := pi.PaymentMethod; pm != nil && pm.Card != nil {
		brand = string(pm.Card.Brand)
		last4 = pm.Card.Last4
	}
	return brand, last4, nil
}

// beginSettlement moves a just-completed order into payment and, for card
// rides, kicks off the charge in the background.
func (s *Server) beginSettlement(order *models.Order) {
	order.Status = models.OrderPaymentPending
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("settlement start failed", "order_id", order.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.payments[order.ID] = &paymentState{}
	s.mu.Unlock()

	s.broadcastPaymentStatus(order, &paymentState{}, "")

	if order.PaymentMethod == models.PaymentCard {
		go s.chargeCard(order.ID)
	}
}

// chargeCard runs the card charge and publishes the outcome. Runs off the
// websocket goroutine.
func (s *Server) chargeCard(orderID string) {
	order, err := s.store.GetOrder(orderID)
	if err != nil || order.Status != models.OrderPaymentPending {
		return
	}
	s.mu.Lock()
	ps := s.payments[orderID]
	if ps == nil || ps.charging {
		s.mu.Unlock()
		return
	}
	ps.charging = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	brand, last4, err := s.charger.Charge(ctx, order)

	s.mu.Lock()
	if ps := s.payments[orderID]; ps != nil {
		ps.charging = false
	}
	s.mu.Unlock()

	if err != nil {
		order.Status = models.OrderPaymentFailed
		if uerr := s.store.UpdateOrder(order); uerr != nil {
			s.logger.Error("payment failure update failed", "order_id", orderID, "error", uerr)
			return
		}
		observability.PaymentOutcomes.WithLabelValues("failed").Inc()
		s.logger.Warn("card charge failed", "order_id", orderID, "error", err)
		s.broadcastPaymentStatus(order, s.paymentStateOf(orderID), err.Error())
		return
	}

	s.settle(order, brand, last4)
}

// confirmPayment records a party's confirmation. Cash rides settle on the
// driver's confirmation; the client's is advisory.
func (s *Server) confirmPayment(ev protocol.PaymentConfirm) {
	order, err := s.store.GetOrder(ev.OrderID)
	if err != nil || order.Status != models.OrderPaymentPending {
		return
	}
	if !s.authorizeRoleAction(order, ev.Role, ev.Credentials) {
		return
	}

	s.mu.Lock()
	ps := s.payments[ev.OrderID]
	if ps == nil {
		ps = &paymentState{}
		s.payments[ev.OrderID] = ps
	}
	switch ev.Role {
	case models.RoleDriver:
		ps.driverConfirmed = ev.Confirmed
	case models.RoleClient:
		ps.clientConfirmed = ev.Confirmed
	}
	snap := *ps
	s.mu.Unlock()

	if order.PaymentMethod == models.PaymentCash && snap.driverConfirmed && ev.Confirmed {
		s.settle(order, "", "")
		return
	}
	s.broadcastPaymentStatus(order, &snap, "")
}

// retryPayment re-runs the card charge after a failure.
func (s *Server) retryPayment(orderID, clientToken string) {
	order, err := s.store.GetOrder(orderID)
	if err != nil || order.Status != models.OrderPaymentFailed {
		return
	}
	if !s.authorizeRoleAction(order, models.RoleClient, protocol.Credentials{ClientToken: clientToken}) {
		return
	}

	order.Status = models.OrderPaymentPending
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("payment retry update failed", "order_id", orderID, "error", err)
		return
	}
	observability.PaymentOutcomes.WithLabelValues("retried").Inc()
	s.toRideRoom(orderID, "", protocol.EventPaymentRetryReady, protocol.OrderRef{OrderID: orderID})
	s.toClientRoom(orderID, protocol.EventPaymentRetryReady, protocol.OrderRef{OrderID: orderID})
	go s.chargeCard(orderID)
}

// switchToCash abandons card settlement; the ride then settles like any
// cash ride, on the driver's confirmation.
func (s *Server) switchToCash(orderID, clientToken string) {
	order, err := s.store.GetOrder(orderID)
	if err != nil {
		return
	}
	if order.Status != models.OrderPaymentFailed && order.Status != models.OrderPaymentPending {
		return
	}
	if !s.authorizeRoleAction(order, models.RoleClient, protocol.Credentials{ClientToken: clientToken}) {
		return
	}

	order.PaymentMethod = models.PaymentCash
	order.Status = models.OrderPaymentPending
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("switch to cash update failed", "order_id", orderID, "error", err)
		return
	}
	s.mu.Lock()
	s.payments[orderID] = &paymentState{}
	s.mu.Unlock()

	observability.PaymentOutcomes.WithLabelValues("switched_to_cash").Inc()
	s.logger.Info("payment switched to cash", "order_id", orderID)
	ref := protocol.OrderRef{OrderID: orderID}
	s.toRideRoom(orderID, "", protocol.EventPaymentSwitchedCsh, ref)
	s.toClientRoom(orderID, protocol.EventPaymentSwitchedCsh, ref)
}

// settle finalizes the ride. This is the only place an order reaches its
// terminal paid state.
func (s *Server) settle(order *models.Order, cardBrand, cardLast4 string) {
	order.Status = models.OrderPaymentConfirmed
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("settlement update failed", "order_id", order.ID, "error", err)
		return
	}
	observability.PaymentOutcomes.WithLabelValues("confirmed").Inc()
	s.logger.Info("payment confirmed", "order_id", order.ID, "method", string(order.PaymentMethod))

	ps := s.paymentStateOf(order.ID)
	status := protocol.PaymentStatus{
		OrderID:         order.ID,
		Status:          order.Status,
		Confirmed:       true,
		DriverConfirmed: ps.driverConfirmed,
		ClientConfirmed: ps.clientConfirmed,
		Amount:          order.TotalPrice,
		PaymentMethod:   order.PaymentMethod,
		CardBrand:       cardBrand,
		CardLast4:       cardLast4,
	}
	s.toRideRoom(order.ID, "", protocol.EventPaymentStatus, status)
	s.toClientRoom(order.ID, protocol.EventPaymentStatus, status)

	s.mu.Lock()
	delete(s.tokens, order.ID)
	delete(s.payments, order.ID)
	s.mu.Unlock()
}

func (s *Server) paymentStateOf(orderID string) *paymentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps := s.payments[orderID]; ps != nil {
		cp := *ps
		return &cp
	}
	return &paymentState{}
}

func (s *Server) broadcastPaymentStatus(order *models.Order, ps *paymentState, errMsg string) {
	status := protocol.PaymentStatus{
		OrderID:         order.ID,
		Status:          order.Status,
		Confirmed:       order.Status == models.OrderPaymentConfirmed,
		DriverConfirmed: ps.driverConfirmed,
		ClientConfirmed: ps.clientConfirmed,
		Amount:          order.TotalPrice,
		PaymentMethod:   order.PaymentMethod,
		ErrorMessage:    errMsg,
	}
	s.toRideRoom(order.ID, "", protocol.EventPaymentStatus, status)
	s.toClientRoom(order.ID, protocol.EventPaymentStatus, status)
}
