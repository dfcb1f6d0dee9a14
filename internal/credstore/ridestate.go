package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// DefaultOrderCacheTTL bounds how long a cached order may serve as an
// offline fallback for the authoritative fetch.
const DefaultOrderCacheTTL = 5 * time.Minute

// RideState wraps a Store with the per-ride persistence the protocol needs:
// the capability token, the current order id, and the short-TTL order cache.
type RideState struct {
	Store    Store
	CacheTTL time.Duration
	now      func() time.Time
}

func NewRideState(s Store) *RideState {
	return &RideState{Store: s, CacheTTL: DefaultOrderCacheTTL, now: time.Now}
}

// SaveRide persists the ride credential pair. Written before any room join
// so an app restart mid-flow can recover.
func (r *RideState) SaveRide(ctx context.Context, orderID, clientToken string) error {
	if err := r.Store.Set(ctx, KeyClientToken, clientToken); err != nil {
		return err
	}
	return r.Store.Set(ctx, KeyCurrentOrder, orderID)
}

func (r *RideState) RideToken(ctx context.Context) (string, bool, error) {
	return r.Store.Get(ctx, KeyClientToken)
}

func (r *RideState) CurrentOrderID(ctx context.Context) (string, bool, error) {
	return r.Store.Get(ctx, KeyCurrentOrder)
}

// CacheOrder stores a projection of the order for offline fallback.
func (r *RideState) CacheOrder(ctx context.Context, o *models.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("cache order: %w", err)
	}
	if err := r.Store.Set(ctx, KeyCachedOrder, string(raw)); err != nil {
		return err
	}
	return r.Store.Set(ctx, KeyCachedOrderAt, strconv.FormatInt(r.now().Unix(), 10))
}

// CachedOrder returns the cached order if present and younger than the TTL.
func (r *RideState) CachedOrder(ctx context.Context) (*models.Order, bool, error) {
	at, ok, err := r.Store.Get(ctx, KeyCachedOrderAt)
	if err != nil || !ok {
		return nil, false, err
	}
	sec, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, false, nil
	}
	ttl := r.CacheTTL
	if ttl <= 0 {
		ttl = DefaultOrderCacheTTL
	}
	if r.now().Sub(time.Unix(sec, 0)) > ttl {
		return nil, false, nil
	}
	raw, ok, err := r.Store.Get(ctx, KeyCachedOrder)
	if err != nil || !ok {
		return nil, false, err
	}
	var o models.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, false, nil
	}
	return &o, true, nil
}

// ClearRide removes every piece of ride-scoped persisted state. Idempotent;
// shared by the cancellation and payment-success exit paths.
func (r *RideState) ClearRide(ctx context.Context) error {
	var first error
	for _, key := range []string{KeyClientToken, KeyCurrentOrder, KeyCachedOrder, KeyCachedOrderAt} {
		if err := r.Store.Delete(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}
