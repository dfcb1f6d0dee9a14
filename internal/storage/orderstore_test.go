package storage

import (
	"errors"
	"testing"

	"github.com/example/ride-sync/internal/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	o := &models.Order{ID: "order-1", ClientID: "c1", Status: models.OrderPending}
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetOrder("order-1")
	if err != nil || got.ClientID != "c1" {
		t.Fatalf("get = %+v err=%v", got, err)
	}

	// the stored copy must be isolated from caller mutation
	got.Status = models.OrderCancelled
	again, _ := s.GetOrder("order-1")
	if again.Status != models.OrderPending {
		t.Fatal("store leaked a mutable reference")
	}

	if _, err := s.GetOrder("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order err = %v", err)
	}
}

func TestMemoryStoreActiveLookups(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveOrder(&models.Order{ID: "o1", ClientID: "c1", Status: models.OrderCancelled})
	_ = s.SaveOrder(&models.Order{ID: "o2", ClientID: "c1", AssignedDriverID: "d1", Status: models.OrderInProgress})

	o, ok, err := s.ActiveByClient("c1")
	if err != nil || !ok || o.ID != "o2" {
		t.Fatalf("active by client = %+v ok=%v err=%v", o, ok, err)
	}
	o, ok, _ = s.ActiveByDriver("d1")
	if !ok || o.ID != "o2" {
		t.Fatalf("active by driver = %+v ok=%v", o, ok)
	}
	if _, ok, _ := s.ActiveByClient("c2"); ok {
		t.Fatal("phantom active order")
	}
}

func TestMemoryStorePending(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveOrder(&models.Order{ID: "o1", Status: models.OrderPending})
	_ = s.SaveOrder(&models.Order{ID: "o2", Status: models.OrderAccepted})

	pending, err := s.Pending()
	if err != nil || len(pending) != 1 || pending[0].ID != "o1" {
		t.Fatalf("pending = %+v err=%v", pending, err)
	}
}
