package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a redis instance, for deployments where the
// protocol client runs as a long-lived gateway process rather than on a
// device. Keys are namespaced per owner so several clients can share one
// instance.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to addr. owner distinguishes this client's keys;
// ttl bounds how long stale credentials may linger (0 = no expiry).
func NewRedis(addr, password, owner string, ttl time.Duration) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, prefix: "ridesync:cred:" + owner + ":", ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
