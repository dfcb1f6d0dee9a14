// Command simulator drives a full ride against a running coordination
// server: a rider requests the ride, a driver accepts it, walks the status
// ladder while streaming positions, and the cash settlement is confirmed.
// Useful for exercising the protocol end to end during development.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/ride-sync/internal/apiclient"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/credstore"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/location"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/payment"
	"github.com/example/ride-sync/internal/platform"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/ride"
	"github.com/example/ride-sync/internal/transport"
)

func main() {
	var code string
	var stepDelay time.Duration
	flag.StringVar(&code, "driver-code", "111111", "driver access code")
	flag.DurationVar(&stepDelay, "step-delay", 2*time.Second, "delay between driver status steps")
	flag.Parse()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// the simulator impersonates a fully capable device
	caps := platform.Detect(
		func() bool { return true },
		nil, // no native payment sheet in a headless run
		func() bool { return true },
	)

	done := make(chan struct{})
	go runDriver(ctx, cfg, logger, caps, code, stepDelay)
	go runRider(ctx, cfg, logger, caps, done)

	select {
	case <-done:
		log.Println("ride settled, simulation complete")
	case <-ctx.Done():
		log.Fatal("simulation timed out")
	}
}

func newManager(cfg config.ClientConfig, logger *slog.Logger) *transport.Manager {
	return transport.NewManager(cfg.WSURL, logger, transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		BackoffMin:     cfg.ReconnectMin,
		BackoffMax:     cfg.ReconnectMax,
	})
}

func runRider(ctx context.Context, cfg config.ClientConfig, base *slog.Logger, caps platform.Capabilities, done chan struct{}) {
	logger := logging.ForComponent(base, "rider")
	api := apiclient.New(cfg.BaseURL)
	api.ClientSessionID = "sim-client"
	mgr := newManager(cfg, logger)
	defer mgr.Close()
	if err := mgr.ConnectAndWait(ctx); err != nil {
		log.Fatalf("rider connect: %v", err)
	}

	var store credstore.Store = credstore.NewMemory()
	if cfg.RedisAddr != "" {
		store = credstore.NewRedis(cfg.RedisAddr, cfg.RedisPassword, "sim-rider", cfg.OrderCacheTTL)
	}
	state := credstore.NewRideState(store)
	state.CacheTTL = cfg.OrderCacheTTL

	orch := ride.NewOrchestrator(api, mgr, state, logger)
	orch.SearchExpiry = cfg.SearchExpiry

	found := make(chan ride.AssignedDriver, 1)
	orch.OnTransition = func(t ride.Transition) {
		logger.Info("ride state", "state", string(t.State))
		if t.State == ride.StateFound && t.Driver != nil {
			found <- *t.Driver
		}
		if t.State == ride.StateExpired || t.State == ride.StateError {
			log.Fatalf("ride not assigned: state=%s err=%v", t.State, t.Err)
		}
	}

	req := &models.OrderRequest{
		ClientName:  "Client Simulation",
		ClientPhone: "+68987000000",
		Addresses: []models.Address{
			{ID: "a1", Value: "Papeete centre", Type: models.AddressPickup, Lat: f(-17.5516), Lng: f(-149.5585)},
			{ID: "a2", Value: "Aéroport de Faa'a", Type: models.AddressDestination, Lat: f(-17.5350), Lng: f(-149.6126)},
		},
		RideOption:    models.RideOption{ID: "standard", Title: "Standard", BasePrice: 1000, PricePerKm: 150},
		RouteInfo:     &models.RouteInfo{DistanceKm: 6.2, Duration: "14 min"},
		Passengers:    1,
		PaymentMethod: models.PaymentCash,
	}
	if err := orch.Start(ctx, req); err != nil {
		log.Fatalf("order create: %v", err)
	}
	logger.Info("searching for driver", "order_id", orch.OrderID())

	var driver ride.AssignedDriver
	select {
	case driver = <-found:
	case <-ctx.Done():
		return
	}
	logger.Info("driver assigned", "driver", driver.Name)

	orderID, token := orch.OrderID(), orch.Token()
	sync := lifecycle.New(mgr, api, state, logger, orderID, models.RoleClient, token)
	sync.OnStatus = func(st models.RideStatus) {
		logger.Info("ride status", "status", string(st))
	}

	pay := payment.New(mgr, logger, orderID, models.RoleClient, token)
	pay.Cleanup = sync.Cleanup
	pay.OnResult = func(out models.PaymentOutcome) {
		logger.Info("payment outcome", "confirmed", out.Confirmed, "amount", out.Amount)
		if out.Confirmed {
			close(done)
		}
	}
	sync.OnCompleted = func() {
		logger.Info("ride completed, awaiting settlement")
		pay.Start()
		pay.Confirm(true)
	}
	sync.Join()

	if caps.HasMaps {
		stopLoc := location.OnDriverLocation(mgr, orderID, func(b protocol.LocationBroadcast) {
			logger.Debug("driver position", "lat", b.Lat, "lng", b.Lng, "heading", b.Heading)
		})
		sync.AddStopper(stopLoc)
	}

	<-ctx.Done()
}

func runDriver(ctx context.Context, cfg config.ClientConfig, base *slog.Logger, caps platform.Capabilities, code string, stepDelay time.Duration) {
	logger := logging.ForComponent(base, "driver")
	api := apiclient.New(cfg.BaseURL)
	login, err := api.DriverLogin(ctx, code)
	if err != nil {
		log.Fatalf("driver login: %v", err)
	}
	sessionID := login.Session.ID
	api.DriverSessionID = sessionID
	if err := api.SetDriverSessionStatus(ctx, sessionID, true); err != nil {
		log.Fatalf("driver online: %v", err)
	}
	logger.Info("driver online", "name", login.Session.DriverName)

	mgr := newManager(cfg, logger)
	defer mgr.Close()
	if err := mgr.ConnectAndWait(ctx); err != nil {
		log.Fatalf("driver connect: %v", err)
	}
	mgr.RegisterJoin("driver:"+sessionID, func() {
		mgr.Emit(protocol.EventDriverJoin, protocol.DriverJoin{SessionID: sessionID})
	})

	accepted := make(chan string, 1)
	mgr.On(protocol.EventOrderAcceptOK, func(data json.RawMessage) {
		var o models.Order
		if json.Unmarshal(data, &o) == nil {
			accepted <- o.ID
		}
	})
	mgr.On(protocol.EventOrderNew, func(data json.RawMessage) {
		var o models.Order
		if json.Unmarshal(data, &o) != nil {
			return
		}
		logger.Info("offer received", "order_id", o.ID, "price", o.TotalPrice)
		mgr.Emit(protocol.EventOrderAccept, protocol.OrderAccept{OrderID: o.ID, SessionID: sessionID})
	})

	var orderID string
	select {
	case orderID = <-accepted:
	case <-ctx.Done():
		return
	}
	logger.Info("order accepted", "order_id", orderID)

	state := credstore.NewRideState(credstore.NewMemory())
	sync := lifecycle.New(mgr, api, state, logger, orderID, models.RoleDriver, sessionID)
	sync.Join()

	pay := payment.New(mgr, logger, orderID, models.RoleDriver, sessionID)
	pay.Cleanup = sync.Cleanup
	sync.OnCompleted = func() {
		pay.Start()
		pay.Confirm(true) // cash collected
	}

	if caps.HasPositioning {
		pub := location.NewDriverPublisher(mgr, orderID, sessionID,
			location.NewGate(cfg.LocationMinGap, cfg.LocationMinDist))
		sync.AddStopper(pub.Stop)
		go func() {
			lat, lng := -17.5516, -149.5585
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					lat += (rand.Float64() - 0.3) / 1000
					lng += (rand.Float64() - 0.3) / 1000
					pub.Publish(models.LocationSample{Lat: lat, Lng: lng, Speed: 40})
				}
			}
		}()
	}

	for _, st := range []models.RideStatus{models.RideEnroute, models.RideArrived, models.RideInProgress, models.RideCompleted} {
		select {
		case <-ctx.Done():
			return
		case <-time.After(stepDelay):
		}
		if err := sync.UpdateStatus(st); err != nil {
			log.Fatalf("status %s: %v", st, err)
		}
		logger.Info("status advanced", "status", string(st))
	}

	<-ctx.Done()
}

func f(v float64) *float64 { return &v }
