package coordserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // development server, all origins allowed
	},
}

// wsconn wraps one websocket participant. The mutex serializes writes,
// which gorilla requires.
type wsconn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	sessionID string // set once the connection joined as a driver
}

func (c *wsconn) send(event string, data any) error {
	env, err := protocol.Wrap(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &wsconn{conn: conn}
	println("DEBUG handleWS upgrade done", time.Now().UnixMilli())
	go s.readConn(c)
}

func (s *Server) readConn(c *wsconn) {
	defer s.dropConn(c)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		s.handleEvent(c, env)
	}
}

func (s *Server) handleEvent(c *wsconn, env protocol.Envelope) {
	println("DEBUG handleEvent", env.Event, time.Now().UnixMilli())
	switch env.Event {
	case protocol.EventDriverJoin:
		var ev protocol.DriverJoin
		if json.Unmarshal(env.Data, &ev) == nil {
			s.driverJoin(c, ev.SessionID)
		}
	case protocol.EventDriverStatus:
		var ev protocol.DriverStatus
		if json.Unmarshal(env.Data, &ev) == nil {
			s.driverStatus(ev.SessionID, ev.Online)
		}
	case protocol.EventClientJoin:
		var ev protocol.ClientJoin
		if json.Unmarshal(env.Data, &ev) == nil {
			s.clientJoin(c, ev.OrderID, ev.ClientToken)
		}
	case protocol.EventRideJoin:
		var ev protocol.RideJoin
		if json.Unmarshal(env.Data, &ev) == nil {
			s.rideJoin(c, ev)
		}
	case protocol.EventOrderAccept:
		var ev protocol.OrderAccept
		if json.Unmarshal(env.Data, &ev) == nil {
			s.acceptOrder(c, ev.OrderID, ev.SessionID)
		}
	case protocol.EventOrderDecline:
		// declines are advisory; the order keeps waiting for another driver
	case protocol.EventRideStatusUpdate:
		var ev protocol.RideStatusUpdate
		if json.Unmarshal(env.Data, &ev) == nil {
			s.updateRideStatus(ev)
		}
	case protocol.EventRideCancel:
		var ev protocol.RideCancel
		if json.Unmarshal(env.Data, &ev) == nil {
			s.cancelRide(ev)
		}
	case protocol.EventPaymentConfirm:
		var ev protocol.PaymentConfirm
		if json.Unmarshal(env.Data, &ev) == nil {
			s.confirmPayment(ev)
		}
	case protocol.EventPaymentRetry:
		var ev protocol.PaymentRetry
		if json.Unmarshal(env.Data, &ev) == nil {
			s.retryPayment(ev.OrderID, ev.ClientToken)
		}
	case protocol.EventPaymentSwitchCash:
		var ev protocol.PaymentSwitchCash
		if json.Unmarshal(env.Data, &ev) == nil {
			s.switchToCash(ev.OrderID, ev.ClientToken)
		}
	case protocol.EventDriverLocationOut:
		var ev protocol.DriverLocationUpdate
		if json.Unmarshal(env.Data, &ev) == nil {
			s.relayDriverLocation(ev)
		}
	case protocol.EventClientLocationOut:
		var ev protocol.ClientLocationUpdate
		if json.Unmarshal(env.Data, &ev) == nil {
			s.relayClientLocation(ev)
		}
	default:
		s.logger.Debug("unknown event", "event", env.Event)
	}
}

func (s *Server) dropConn(c *wsconn) {
	_ = c.conn.Close()
	s.mu.Lock()
	if c.sessionID != "" && s.driverConns[c.sessionID] == c {
		delete(s.driverConns, c.sessionID)
	}
	for id, room := range s.clientRooms {
		delete(room, c)
		if len(room) == 0 {
			delete(s.clientRooms, id)
		}
	}
	for id, room := range s.rideRooms {
		if _, ok := room[c]; ok {
			delete(room, c)
			observability.RoomMembers.Dec()
		}
		if len(room) == 0 {
			delete(s.rideRooms, id)
		}
	}
	s.mu.Unlock()
}

func (s *Server) driverJoin(c *wsconn, sessionID string) {
	s.mu.Lock()
	_, known := s.sessions[sessionID]
	if known {
		c.sessionID = sessionID
		s.driverConns[sessionID] = c
	}
	s.mu.Unlock()
	if !known {
		s.logger.Warn("driver join with unknown session", "session_id", sessionID)
		return
	}
	// replay the waiting queue so a reconnecting driver misses nothing
	pending := s.pendingOrders()
	_ = c.send(protocol.EventOrdersPending, pending)
}

func (s *Server) driverStatus(sessionID string, online bool) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Online = online
		sess.LastSeenAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Server) clientJoin(c *wsconn, orderID, token string) {
	s.mu.Lock()
	want, known := s.tokens[orderID]
	s.mu.Unlock()
	if !known || (token != "" && token != want) {
		_ = c.send(protocol.EventClientJoinError, protocol.JoinError{Message: "jeton de course invalide"})
		return
	}
	s.mu.Lock()
	if s.clientRooms[orderID] == nil {
		s.clientRooms[orderID] = make(map[*wsconn]bool)
	}
	s.clientRooms[orderID][c] = true
	s.mu.Unlock()
	println("DEBUG clientJoin ok", orderID)
}

func (s *Server) rideJoin(c *wsconn, ev protocol.RideJoin) {
	order, err := s.store.GetOrder(ev.OrderID)
	if err != nil {
		_ = c.send(protocol.EventClientJoinError, protocol.JoinError{Message: "commande introuvable"})
		return
	}

	switch ev.Role {
	case models.RoleDriver:
		s.mu.Lock()
		sess, ok := s.sessions[ev.SessionID]
		s.mu.Unlock()
		if !ok || sess.DriverID != order.AssignedDriverID {
			_ = c.send(protocol.EventClientJoinError, protocol.JoinError{Message: "session chauffeur invalide pour cette course"})
			return
		}
	case models.RoleClient:
		s.mu.Lock()
		want := s.tokens[ev.OrderID]
		s.mu.Unlock()
		// the token is only ever valid for the ride it was issued for
		if want == "" || ev.ClientToken != want {
			_ = c.send(protocol.EventClientJoinError, protocol.JoinError{Message: "jeton de course invalide"})
			return
		}
	default:
		return
	}

	s.mu.Lock()
	if s.rideRooms[ev.OrderID] == nil {
		s.rideRooms[ev.OrderID] = make(map[*wsconn]models.Role)
	}
	if _, present := s.rideRooms[ev.OrderID][c]; !present {
		observability.RoomMembers.Inc()
	}
	s.rideRooms[ev.OrderID][c] = ev.Role
	s.mu.Unlock()
	s.logger.Debug("ride room join", "order_id", ev.OrderID, "role", string(ev.Role))
}

func (s *Server) acceptOrder(c *wsconn, orderID, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		_ = c.send(protocol.EventOrderAcceptError, protocol.JoinError{Message: "session inconnue"})
		return
	}

	// assignment is one way and first-accept-wins, so check-and-claim must
	// be atomic across concurrent accepts
	s.acceptMu.Lock()
	order, err := s.store.GetOrder(orderID)
	if err != nil {
		s.acceptMu.Unlock()
		_ = c.send(protocol.EventOrderAcceptError, protocol.JoinError{Message: "commande introuvable"})
		return
	}
	if order.Status != models.OrderPending {
		s.acceptMu.Unlock()
		_ = c.send(protocol.EventOrderAcceptError, protocol.JoinError{Message: "course déjà attribuée"})
		return
	}
	order.Status = models.OrderAccepted
	order.AssignedDriverID = sess.DriverID
	if err := s.store.UpdateOrder(order); err != nil {
		s.acceptMu.Unlock()
		_ = c.send(protocol.EventOrderAcceptError, protocol.JoinError{Message: "erreur serveur"})
		return
	}
	s.acceptMu.Unlock()

	s.mu.Lock()
	if t := s.expiry[orderID]; t != nil {
		t.Stop()
		delete(s.expiry, orderID)
	}
	s.mu.Unlock()

	s.attachDriver(order)
	_ = c.send(protocol.EventOrderAcceptOK, order)

	assigned := protocol.DriverAssigned{
		OrderID:    orderID,
		DriverName: sess.DriverName,
		DriverID:   sess.DriverID,
		SessionID:  sessionID,
	}
	s.mu.Lock()
	println("DEBUG accept broadcast", orderID, "room size", len(s.clientRooms[orderID]))
	s.mu.Unlock()
	s.toClientRoom(orderID, protocol.EventDriverAssigned, assigned)
	s.toRideRoom(orderID, "", protocol.EventDriverAssigned, assigned)
	s.toDriversExcept(sessionID, protocol.EventOrderTaken, protocol.OrderRef{OrderID: orderID})
	s.logger.Info("order assigned", "order_id", orderID, "driver_id", sess.DriverID)
}

func (s *Server) updateRideStatus(ev protocol.RideStatusUpdate) {
	s.mu.Lock()
	sess, ok := s.sessions[ev.SessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	order, err := s.store.GetOrder(ev.OrderID)
	if err != nil || order.AssignedDriverID != sess.DriverID {
		return
	}
	// only the assigned driver advances, one step at a time, never backward
	allowed := models.RideEnroute
	if order.Status != models.OrderAccepted {
		current, ok := models.RideStatusFromOrder(order.Status)
		if !ok {
			return
		}
		if allowed, ok = current.Next(); !ok {
			return
		}
	}
	if ev.Status != allowed {
		s.logger.Warn("illegal status transition rejected", "order_id", ev.OrderID, "status", string(order.Status), "to", string(ev.Status))
		return
	}

	switch ev.Status {
	case models.RideArrived:
		order.Status = models.OrderDriverArrived
	case models.RideInProgress:
		order.Status = models.OrderInProgress
	case models.RideCompleted:
		order.Status = models.OrderCompleted
	default:
		order.Status = models.OrderDriverEnroute
	}
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("status update failed", "order_id", ev.OrderID, "error", err)
		return
	}

	s.toRideRoom(ev.OrderID, "", protocol.EventRideStatusChanged, protocol.RideStatusChanged{
		OrderID:     ev.OrderID,
		Status:      ev.Status,
		OrderStatus: order.Status,
		DriverName:  sess.DriverName,
	})

	if ev.Status == models.RideCompleted {
		s.beginSettlement(order)
	}
}

func (s *Server) cancelRide(ev protocol.RideCancel) {
	order, err := s.store.GetOrder(ev.OrderID)
	if err != nil || order.Status.Terminal() {
		return
	}
	if !s.authorizeRoleAction(order, ev.Role, ev.Credentials) {
		return
	}

	order.Status = models.OrderCancelled
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("cancel update failed", "order_id", ev.OrderID, "error", err)
		return
	}

	s.mu.Lock()
	if t := s.expiry[ev.OrderID]; t != nil {
		t.Stop()
		delete(s.expiry, ev.OrderID)
	}
	delete(s.tokens, ev.OrderID)
	delete(s.payments, ev.OrderID)
	s.mu.Unlock()

	cancelled := protocol.RideCancelled{OrderID: ev.OrderID, CancelledBy: ev.Role, Reason: ev.Reason}
	s.toRideRoom(ev.OrderID, "", protocol.EventRideCancelled, cancelled)
	s.toClientRoom(ev.OrderID, protocol.EventRideCancelled, cancelled)
	s.logger.Info("ride cancelled", "order_id", ev.OrderID, "by", string(ev.Role))
}

// authorizeRoleAction checks the role-specific credential attached to a room
// operation. The ride token is valid only for the ride it was issued for.
func (s *Server) authorizeRoleAction(order *models.Order, role models.Role, creds protocol.Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case models.RoleDriver:
		sess, ok := s.sessions[creds.SessionID]
		return ok && sess.DriverID == order.AssignedDriverID
	case models.RoleClient:
		want := s.tokens[order.ID]
		return want != "" && creds.ClientToken == want
	}
	return false
}

func (s *Server) relayDriverLocation(ev protocol.DriverLocationUpdate) {
	s.mu.Lock()
	_, ok := s.sessions[ev.SessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	b := protocol.LocationBroadcast{
		OrderID:   ev.OrderID,
		Lat:       ev.Lat,
		Lng:       ev.Lng,
		Heading:   ev.Heading,
		Speed:     ev.Speed,
		Timestamp: ev.Timestamp,
	}
	s.toRideRoom(ev.OrderID, models.RoleClient, protocol.EventDriverLocation, b)
	s.toClientRoom(ev.OrderID, protocol.EventDriverLocation, b)
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(ev.OrderID, b); err != nil {
			s.logger.Debug("kafka publish failed", "error", err)
		}
	}
}

func (s *Server) relayClientLocation(ev protocol.ClientLocationUpdate) {
	s.mu.Lock()
	want := s.tokens[ev.OrderID]
	s.mu.Unlock()
	if want == "" || ev.ClientToken != want {
		return
	}
	b := protocol.LocationBroadcast{
		OrderID:   ev.OrderID,
		Lat:       ev.Lat,
		Lng:       ev.Lng,
		Timestamp: ev.Timestamp,
	}
	s.toRideRoom(ev.OrderID, models.RoleDriver, protocol.EventClientLocation, b)
}

// broadcastNewOrder offers a freshly created order to every online driver.
func (s *Server) broadcastNewOrder(order *models.Order) {
	s.mu.Lock()
	conns := make([]*wsconn, 0, len(s.driverConns))
	for sessID, c := range s.driverConns {
		if sess, ok := s.sessions[sessID]; ok && sess.Online {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(protocol.EventOrderNew, order)
	}
}

func (s *Server) broadcastOrderGone(orderID string, expired bool) {
	event := protocol.EventOrderTaken
	if expired {
		event = protocol.EventOrderExpired
	}
	ref := protocol.OrderRef{OrderID: orderID}
	s.toDriversExcept("", event, ref)
	s.toClientRoom(orderID, event, ref)
}

func (s *Server) pendingOrders() []*models.Order {
	out, err := s.store.Pending()
	if err != nil {
		s.logger.Error("pending orders lookup failed", "error", err)
		return []*models.Order{}
	}
	return out
}

// toRideRoom sends to every room member, or only to members of one role
// when role is non-empty.
func (s *Server) toRideRoom(orderID string, role models.Role, event string, data any) {
	s.mu.Lock()
	conns := make([]*wsconn, 0, len(s.rideRooms[orderID]))
	for c, r := range s.rideRooms[orderID] {
		if role == "" || r == role {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(event, data)
	}
}

func (s *Server) toClientRoom(orderID string, event string, data any) {
	s.mu.Lock()
	conns := make([]*wsconn, 0, len(s.clientRooms[orderID]))
	for c := range s.clientRooms[orderID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(event, data)
	}
}

func (s *Server) toDriversExcept(sessionID string, event string, data any) {
	s.mu.Lock()
	conns := make([]*wsconn, 0, len(s.driverConns))
	for id, c := range s.driverConns {
		if id != sessionID {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(event, data)
	}
}
