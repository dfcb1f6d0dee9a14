package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the coordination server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN string

	KafkaBrokers []string
	KafkaTopic   string

	StripeAPIKey string

	PlacesAPIKey string

	OrderTTL time.Duration

	LogLevel string
}

// ClientConfig captures the knobs of the protocol client library shared by
// the rider and driver sides.
type ClientConfig struct {
	BaseURL string
	WSURL   string

	ConnectTimeout  time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	SearchExpiry    time.Duration
	OrderCacheTTL   time.Duration
	LocationMinGap  time.Duration
	LocationMinDist float64

	RedisAddr     string
	RedisPassword string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "ride-locations",
		OrderTTL:        60 * time.Second,
		LogLevel:        "info",
	}
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:         "http://localhost:8080",
		ConnectTimeout:  10 * time.Second,
		ReconnectMin:    time.Second,
		ReconnectMax:    10 * time.Second,
		SearchExpiry:    60 * time.Second,
		OrderCacheTTL:   5 * time.Minute,
		LocationMinGap:  2500 * time.Millisecond,
		LocationMinDist: 15,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.OrderTTL, "ORDER_TTL", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.PlacesAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.OrderTTL <= 0 {
		errs = append(errs, fmt.Errorf("ORDER_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.BaseURL, "API_URL")
	setStringFromEnv(&cfg.WSURL, "WS_URL")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.BaseURL)
	}

	setDurationFromEnv(&cfg.ConnectTimeout, "CONNECT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReconnectMin, "RECONNECT_MIN", &errs)
	setDurationFromEnv(&cfg.ReconnectMax, "RECONNECT_MAX", &errs)
	setDurationFromEnv(&cfg.SearchExpiry, "SEARCH_EXPIRY", &errs)
	setDurationFromEnv(&cfg.OrderCacheTTL, "ORDER_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.LocationMinGap, "LOCATION_MIN_GAP", &errs)
	setFloatFromEnv(&cfg.LocationMinDist, "LOCATION_MIN_DIST_M", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		errs = append(errs, fmt.Errorf("reconnect backoff bounds invalid: min=%s max=%s", cfg.ReconnectMin, cfg.ReconnectMax))
	}

	return cfg, errors.Join(errs...)
}

func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
