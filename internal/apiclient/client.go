// Package apiclient wraps the coordination server's HTTP surface: one-shot
// order creation, authoritative order fetches and credential bootstrap.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// Client talks JSON to the coordination server. Session ids ride along as
// cookies, matching the server's cookie-based auth.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// ClientSessionID / DriverSessionID are attached as auth cookies when set.
	ClientSessionID string
	DriverSessionID string

	// Retry policy for idempotent GETs; network and 5xx failures only.
	RetryAttempts int
	RetryDelay    time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:       baseURL,
		HTTP:          &http.Client{Timeout: 10 * time.Second},
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// CreateOrderResponse pairs the created order with its ride-scoped
// capability token.
type CreateOrderResponse struct {
	Order       models.Order `json:"order"`
	ClientToken string       `json:"clientToken"`
}

// CreateOrder submits the ride draft. One-shot: no automatic retry, since a
// replay would create a second order.
func (c *Client) CreateOrder(ctx context.Context, req *models.OrderRequest) (*CreateOrderResponse, error) {
	var out CreateOrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches the authoritative order detail, retrying transient
// failures.
func (c *Client) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var out models.Order
	if err := c.doIdempotent(ctx, "/api/orders/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveOrderResponse reports whether the caller has a ride in flight.
type ActiveOrderResponse struct {
	HasActiveOrder bool          `json:"hasActiveOrder"`
	Order          *models.Order `json:"order,omitempty"`
	ClientToken    string        `json:"clientToken,omitempty"`
}

func (c *Client) ActiveClientOrder(ctx context.Context) (*ActiveOrderResponse, error) {
	var out ActiveOrderResponse
	if err := c.doIdempotent(ctx, "/api/orders/active/client", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ActiveDriverOrder(ctx context.Context, sessionID string) (*ActiveOrderResponse, error) {
	var out ActiveOrderResponse
	path := "/api/orders/active/driver?sessionId=" + sessionID
	if err := c.doIdempotent(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DriverLoginResponse carries the authenticated driver and its session.
type DriverLoginResponse struct {
	Success bool                 `json:"success"`
	Driver  models.Driver        `json:"driver"`
	Session models.DriverSession `json:"session"`
}

// DriverLogin exchanges an access code for a driver session. 401 for an
// unknown code, 403 for a disabled account.
func (c *Client) DriverLogin(ctx context.Context, code string) (*DriverLoginResponse, error) {
	var out DriverLoginResponse
	body := map[string]string{"code": code}
	if err := c.do(ctx, http.MethodPost, "/api/driver/login", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetDriverSessionStatus toggles the driver session online/offline.
func (c *Client) SetDriverSessionStatus(ctx context.Context, sessionID string, online bool) error {
	body := map[string]bool{"isOnline": online}
	return c.do(ctx, http.MethodPatch, "/api/driver-sessions/"+sessionID+"/status", body, nil)
}

func (c *Client) doIdempotent(ctx context.Context, path string, out any) error {
	attempts := c.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := c.RetryDelay
	var last error
	for i := 0; i < attempts; i++ {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		last = err
		if e, ok := AsError(err); !ok || !e.Retryable() {
			return err
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(delay):
		}
		delay *= 2
	}
	return last
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ClientSessionID != "" {
		req.AddCookie(&http.Cookie{Name: "clientSessionId", Value: c.ClientSessionID})
	}
	if c.DriverSessionID != "" {
		req.AddCookie(&http.Cookie{Name: "driverSessionId", Value: c.DriverSessionID})
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &errBody)
		msg := errBody.Error
		if msg == "" {
			msg = errBody.Message
		}
		return classify(resp.StatusCode, msg)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
