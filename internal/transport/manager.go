// Package transport maintains the single persistent bidirectional connection
// an app instance holds to the ride-coordination server. It survives network
// loss with unbounded backoff-limited reconnection and replays registered
// room joins after every successful (re)connection, so higher layers never
// need to detect a blip themselves.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

// ErrConnectTimeout is returned by ConnectAndWait when the handshake does
// not complete within the configured bound. Callers must treat it as
// retryable.
var ErrConnectTimeout = errors.New("transport: connection timeout")

// Handler consumes the raw payload of one inbound event. Alias so callers
// can satisfy channel interfaces with plain function literals.
type Handler = func(data json.RawMessage)

// Options tunes the reconnection policy.
type Options struct {
	ConnectTimeout time.Duration // bound for ConnectAndWait, default 10s
	BackoffMin     time.Duration // first retry delay, default 1s
	BackoffMax     time.Duration // delay cap, default 10s
}

func (o *Options) fill() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
}

type joinEntry struct {
	key string
	fn  func()
}

// Manager owns the websocket connection. Construct one per app instance and
// inject it into the components that need the channel.
type Manager struct {
	url    string
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool
	cancel    context.CancelFunc
	waiters   []chan struct{}

	listeners map[string]map[int]Handler
	nextID    int

	// keyed join registry, replayed in registration order
	joins []joinEntry
}

func NewManager(url string, logger *slog.Logger, opts Options) *Manager {
	opts.fill()
	return &Manager{
		url:       url,
		opts:      opts,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		listeners: make(map[string]map[int]Handler),
	}
}

// Connect starts the connection loop. Calling it while already running is a
// no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
}

// ConnectAndWait starts the loop if needed and blocks until the handshake
// completes, ctx is done, or the configured timeout elapses.
func (m *Manager) ConnectAndWait(ctx context.Context) error {
	m.Connect()

	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrConnectTimeout
	}
}

// Connected reports whether the channel is currently usable.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close stops the loop and drops the connection. The manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Emit sends one named event. Sends performed while disconnected are
// silently dropped; callers relying on delivery must reconcile via the
// authoritative HTTP fetch.
func (m *Manager) Emit(event string, data any) {
	env, err := protocol.Wrap(event, data)
	if err != nil {
		m.logger.Error("emit marshal failed", "event", event, "error", err)
		return
	}
	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	if !connected || conn == nil {
		m.mu.Unlock()
		observability.DroppedEmits.Inc()
		m.logger.Debug("emit dropped while disconnected", "event", event)
		return
	}
	err = conn.WriteJSON(env)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("emit write failed", "event", event, "error", err)
	}
}

// On registers a listener for one event name and returns its unsubscribe
// function. Listeners stay attached across reconnects; only room joins are
// replayed.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[event] == nil {
		m.listeners[event] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.listeners[event][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[event], id)
	}
}

// RegisterJoin records a room-join side effect under key. The join runs
// immediately if the channel is up, and again after every reconnection,
// until UnregisterJoin(key) is called. Re-registering a key replaces its
// join without changing its position.
func (m *Manager) RegisterJoin(key string, fn func()) {
	m.mu.Lock()
	replaced := false
	for i := range m.joins {
		if m.joins[i].key == key {
			m.joins[i].fn = fn
			replaced = true
			break
		}
	}
	if !replaced {
		m.joins = append(m.joins, joinEntry{key: key, fn: fn})
	}
	connected := m.connected
	m.mu.Unlock()
	if connected {
		fn()
	}
}

// UnregisterJoin removes a join from the replay registry. Safe to call for
// unknown keys.
func (m *Manager) UnregisterJoin(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.joins {
		if m.joins[i].key == key {
			m.joins = append(m.joins[:i], m.joins[i+1:]...)
			return
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	backoff := m.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			m.logger.Debug("dial failed", "url", m.url, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.opts.BackoffMax {
				backoff = m.opts.BackoffMax
			}
			continue
		}
		backoff = m.opts.BackoffMin

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.connected = true
		waiters := m.waiters
		m.waiters = nil
		joins := make([]joinEntry, len(m.joins))
		copy(joins, m.joins)
		m.mu.Unlock()

		observability.Reconnects.Inc()
		m.logger.Info("transport connected", "url", m.url)
		for _, w := range waiters {
			close(w)
		}
		for _, j := range joins {
			observability.JoinsReplayed.Inc()
			j.fn()
		}

		m.readLoop(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.connected = false
		}
		closed := m.closed
		m.mu.Unlock()
		_ = conn.Close()
		if closed || ctx.Err() != nil {
			return
		}
		m.logger.Warn("transport disconnected, reconnecting")
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("read failed", "error", err)
			}
			return
		}
		if env.Event == "" {
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.listeners[env.Event]))
	for _, h := range m.listeners[env.Event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	observability.EventsDispatched.WithLabelValues(env.Event).Inc()
	for _, h := range hs {
		h(env.Data)
	}
}
