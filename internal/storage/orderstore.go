package storage

import (
	"errors"
	"sync"

	"github.com/example/ride-sync/internal/models"
)

// ErrNotFound is returned for unknown order ids.
var ErrNotFound = errors.New("order not found")

// OrderStore defines persistence operations for orders.
type OrderStore interface {
	SaveOrder(o *models.Order) error
	UpdateOrder(o *models.Order) error
	GetOrder(id string) (*models.Order, error)
	// ActiveByClient returns the client's non-terminal order, if any.
	ActiveByClient(clientID string) (*models.Order, bool, error)
	// ActiveByDriver returns the non-terminal order assigned to the driver.
	ActiveByDriver(driverID string) (*models.Order, bool, error)
	// Pending returns all orders still waiting for a driver.
	Pending() ([]*models.Order, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) SaveOrder(o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOrder(o *models.Order) error {
	return m.SaveOrder(o)
}

func (m *MemoryStore) GetOrder(id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Pending() ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Order{}
	for _, o := range m.orders {
		if o.Status == models.OrderPending {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveByClient(clientID string) (*models.Order, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.ClientID == clientID && !o.Status.Terminal() {
			cp := *o
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) ActiveByDriver(driverID string) (*models.Order, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.AssignedDriverID == driverID && !o.Status.Terminal() {
			cp := *o
			return &cp, true, nil
		}
	}
	return nil, false, nil
}
