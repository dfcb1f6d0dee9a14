// Package coordserver is the development coordination server: it implements
// the HTTP and real-time wire contract the protocol client speaks, with an
// in-memory order store by default and optional Postgres, Kafka and Stripe
// integrations. A production deployment replaces this process; the contract
// stays.
package coordserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/storage"
)

type paymentState struct {
	driverConfirmed bool
	clientConfirmed bool
	charging        bool
}

type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	store   storage.OrderStore
	kafka   *ingest.KafkaProducer
	charger Charger
	places  *placesProxy
	router  *mux.Router

	mu       sync.Mutex
	acceptMu sync.Mutex // serializes first-accept-wins assignment

	drivers     map[string]models.Driver // keyed by access code
	driversByID map[string]models.Driver
	sessions    map[string]*models.DriverSession
	tokens      map[string]string // order id -> ride token
	expiry      map[string]*time.Timer
	payments    map[string]*paymentState
	driverConns map[string]*wsconn // session id -> connection
	clientRooms map[string]map[*wsconn]bool
	rideRooms   map[string]map[*wsconn]models.Role
}

// New wires a server from explicit dependencies. store must not be nil;
// kafka and places may be.
func New(cfg config.ServerConfig, logger *slog.Logger, store storage.OrderStore, kafka *ingest.KafkaProducer, charger Charger) *Server {
	if charger == nil {
		charger = &SimulatedCharger{}
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		kafka:       kafka,
		charger:     charger,
		router:      mux.NewRouter(),
		drivers:     make(map[string]models.Driver),
		driversByID: make(map[string]models.Driver),
		sessions:    make(map[string]*models.DriverSession),
		tokens:      make(map[string]string),
		expiry:      make(map[string]*time.Timer),
		payments:    make(map[string]*paymentState),
		driverConns: make(map[string]*wsconn),
		clientRooms: make(map[string]map[*wsconn]bool),
		rideRooms:   make(map[string]map[*wsconn]models.Role),
	}
	if cfg.PlacesAPIKey != "" {
		s.places = newPlacesProxy(cfg.PlacesAPIKey)
	}
	s.seedDrivers()
	s.registerMiddleware()
	s.routes()
	return s
}

// NewFromEnv wires the server from environment configuration with sensible
// fallbacks: memory store unless PG_DSN is set, Kafka/Stripe only when
// configured.
func NewFromEnv(logger *slog.Logger) (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var charger Charger
	if cfg.StripeAPIKey != "" {
		charger = NewStripeCharger(cfg.StripeAPIKey)
	}

	return New(cfg, logger, store, kp, charger), nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/api/orders", s.handleCreateOrder).Methods("POST")
	s.router.HandleFunc("/api/orders/active/client", s.handleActiveClientOrder).Methods("GET")
	s.router.HandleFunc("/api/orders/active/driver", s.handleActiveDriverOrder).Methods("GET")
	s.router.HandleFunc("/api/orders/{id}", s.handleGetOrder).Methods("GET")
	s.router.HandleFunc("/api/driver/login", s.handleDriverLogin).Methods("POST")
	s.router.HandleFunc("/api/driver-sessions/{id}/status", s.handleSessionStatus).Methods("PATCH")
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws", s.handleWS)
	if s.places != nil {
		s.router.HandleFunc("/api/places/autocomplete", s.places.handleAutocomplete).Methods("GET")
		s.router.HandleFunc("/api/places/details", s.places.handleDetails).Methods("GET")
	}
}

// seedDrivers loads the development driver roster with its access codes.
func (s *Server) seedDrivers() {
	seed := []models.Driver{
		{ID: "driver-1", FirstName: "Jean", LastName: "Dupont", Phone: "+68987123456", Code: "111111", Active: true, VehicleModel: "Toyota Prius", VehicleColor: "Blanc", VehiclePlate: "AB-123-CD"},
		{ID: "driver-2", FirstName: "Marie", LastName: "Martin", Phone: "+68987234567", Code: "222222", Active: true, VehicleModel: "Nissan Leaf", VehicleColor: "Rouge", VehiclePlate: "EF-456-GH"},
		{ID: "driver-3", FirstName: "Pierre", LastName: "Bernard", Phone: "+68987345678", Code: "123456", Active: false, VehicleModel: "Hyundai Ioniq", VehicleColor: "Bleu", VehiclePlate: "IJ-789-KL"},
	}
	for _, d := range seed {
		s.drivers[d.Code] = d
		s.driversByID[d.ID] = d
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "corps de requête invalide")
		return
	}
	if len(req.Addresses) < 2 {
		writeError(w, http.StatusBadRequest, "adresses de départ et d'arrivée requises")
		return
	}
	if req.Passengers < 1 {
		writeError(w, http.StatusBadRequest, "nombre de passagers invalide")
		return
	}

	total, earnings := req.TotalPrice, req.DriverEarnings
	if total <= 0 {
		var dist float64
		if req.RouteInfo != nil {
			dist = req.RouteInfo.DistanceKm
		}
		total, earnings = models.Price(req.RideOption, dist, req.Supplements)
	}

	now := time.Now()
	order := &models.Order{
		ID:             "order-" + newID(),
		ClientID:       clientIDFromRequest(r),
		ClientName:     req.ClientName,
		ClientPhone:    req.ClientPhone,
		Addresses:      req.Addresses,
		RideOption:     req.RideOption,
		RouteInfo:      req.RouteInfo,
		Passengers:     req.Passengers,
		Supplements:    req.Supplements,
		PaymentMethod:  req.PaymentMethod,
		TotalPrice:     total,
		DriverEarnings: earnings,
		ScheduledTime:  req.ScheduledTime,
		AdvanceBooking: req.AdvanceBooking,
		Status:         models.OrderPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.OrderTTL),
	}
	if err := s.store.SaveOrder(order); err != nil {
		s.logger.Error("order save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	token := "token-" + newID()
	s.mu.Lock()
	s.tokens[order.ID] = token
	s.expiry[order.ID] = time.AfterFunc(s.cfg.OrderTTL, func() { s.expireOrder(order.ID) })
	s.mu.Unlock()

	observability.OrdersCreated.Inc()
	s.logger.Info("order created", "order_id", order.ID, "payment", string(order.PaymentMethod))
	s.broadcastNewOrder(order)

	writeJSON(w, http.StatusCreated, map[string]any{"order": order, "clientToken": token})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.store.GetOrder(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "commande introuvable")
		return
	}
	s.attachDriver(order)
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleActiveClientOrder(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	order, ok, err := s.store.ActiveByClient(clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	resp := map[string]any{"hasActiveOrder": ok}
	if ok {
		s.attachDriver(order)
		resp["order"] = order
		s.mu.Lock()
		resp["clientToken"] = s.tokens[order.ID]
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActiveDriverOrder(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "session inconnue")
		return
	}
	order, has, err := s.store.ActiveByDriver(sess.DriverID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	resp := map[string]any{"hasActiveOrder": has}
	if has {
		resp["order"] = order
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDriverLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		writeError(w, http.StatusBadRequest, "code requis")
		return
	}
	s.mu.Lock()
	driver, ok := s.drivers[body.Code]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "code incorrect")
		return
	}
	if !driver.Active {
		writeError(w, http.StatusForbidden, "compte chauffeur désactivé")
		return
	}

	now := time.Now()
	sess := &models.DriverSession{
		ID:         "session-" + newID(),
		DriverID:   driver.ID,
		DriverName: driver.FullName(),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     "driverSessionId",
		Value:    sess.ID,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   7 * 24 * 3600,
	})
	s.logger.Info("driver session created", "driver_id", driver.ID, "session_id", sess.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess, "driver": driver})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Online bool `json:"isOnline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "corps de requête invalide")
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.Online = body.Online
		sess.LastSeenAt = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session inconnue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// expireOrder marks a still-pending order expired and tells everyone.
func (s *Server) expireOrder(orderID string) {
	order, err := s.store.GetOrder(orderID)
	if err != nil || order.Status != models.OrderPending {
		return
	}
	order.Status = models.OrderExpired
	if err := s.store.UpdateOrder(order); err != nil {
		s.logger.Error("order expiry update failed", "order_id", orderID, "error", err)
		return
	}
	s.mu.Lock()
	delete(s.tokens, orderID)
	delete(s.expiry, orderID)
	s.mu.Unlock()
	observability.OrdersExpired.Inc()
	s.logger.Info("order expired", "order_id", orderID)
	s.broadcastOrderGone(orderID, true)
}

func (s *Server) attachDriver(o *models.Order) {
	if o.AssignedDriverID == "" {
		return
	}
	s.mu.Lock()
	d, ok := s.driversByID[o.AssignedDriverID]
	s.mu.Unlock()
	if !ok {
		return
	}
	o.Driver = &models.DriverBrief{
		ID:           d.ID,
		Name:         d.FullName(),
		Phone:        d.Phone,
		VehicleModel: d.VehicleModel,
		VehicleColor: d.VehicleColor,
		VehiclePlate: d.VehiclePlate,
	}
}

func clientIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie("clientSessionId"); err == nil && c.Value != "" {
		return c.Value
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
