// Package credstore is the opaque persisted key-value store holding session
// ids, ride-scoped capability tokens and the short-lived order cache.
package credstore

import (
	"context"
	"sync"
)

// Well-known keys. A Store holds at most one active ride per app instance.
const (
	KeyClientSession = "clientSessionId"
	KeyDriverSession = "driverSessionId"
	KeyClientToken   = "rideClientToken"
	KeyCurrentOrder  = "currentOrderId"
	KeyCachedOrder   = "cachedOrder"
	KeyCachedOrderAt = "cachedOrderAt"
)

// Store is an opaque get/set/delete credential store. Implementations must
// tolerate deletes of absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Memory is the in-process Store used by tests and single-process apps; it
// stands in for the platform secure store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
