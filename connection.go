package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync/internal/clock"
)

// ============================================================================
// Transport
// ============================================================================

// Transport opens bidirectional event channels to the server.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established channel. Send must not block on network I/O;
// it enqueues and returns. Receive blocks until an event arrives, the
// channel breaks, or ctx is done.
type Conn interface {
	Send(Outbound) error
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      float64
	attempt     int
}

func newReconnector(cfg *SessionConfig) *reconnector {
	r := &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		jitter:      0.5,
	}
	if cfg.DisableJitter {
		r.jitter = 0
	}
	return r
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay doubles from the base delay per attempt, plus up to half the
// base delay of jitter, capped at the max delay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := rand.Float64() * float64(r.baseDelay) * r.jitter
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Connection manager
// ============================================================================

// EventHandler receives inbound events of one type.
type EventHandler func(Event)

// HandlerID identifies a registered handler for OffEvent.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn EventHandler
}

// StateListener observes connection state changes. err is a
// *TransportError when the change was caused by a transport failure.
type StateListener func(state ConnectionState, err error)

// connRun is one Connect..Disconnect lifetime.
type connRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   Conn
}

// connManager owns the single channel to the server. It dials, announces
// identity on every dial, reconnects with backoff after a drop, and keeps
// handlers registered across reconnects. Inbound events are delivered to
// handlers synchronously, in receive order, from one read goroutine.
type connManager struct {
	transport Transport
	clock     clock.Clock
	log       *slog.Logger
	metrics   *sessionMetrics
	heartbeat time.Duration

	mu        sync.Mutex
	state     ConnectionState
	identity  string
	run       *connRun
	recon     *reconnector
	handlers  map[string][]handlerEntry
	nextID    HandlerID
	listeners []StateListener
	pingSeq   int
	lastRecv  time.Time
}

func newConnManager(t Transport, c clock.Clock, cfg *SessionConfig, m *sessionMetrics, log *slog.Logger) *connManager {
	cm := &connManager{
		transport: t,
		clock:     c,
		log:       log,
		metrics:   m,
		state:     StateDisconnected,
		recon:     newReconnector(cfg),
		handlers:  make(map[string][]handlerEntry),
	}
	if !cfg.DisableHeartbeat {
		cm.heartbeat = cfg.HeartbeatInterval
	}
	return cm
}

// OnEvent registers a handler for an inbound event type.
func (m *connManager) OnEvent(eventType string, h EventHandler) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.handlers[eventType] = append(m.handlers[eventType], handlerEntry{id: m.nextID, fn: h})
	return m.nextID
}

// OffEvent removes a handler. Unknown ids are ignored.
func (m *connManager) OffEvent(id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, hs := range m.handlers {
		for i, h := range hs {
			if h.id == id {
				m.handlers[t] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers a state listener.
func (m *connManager) OnStateChange(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *connManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts connecting in the background and returns at once. It is
// a no-op while a connection is already running.
func (m *connManager) Connect(identity string) {
	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &connRun{ctx: ctx, cancel: cancel}
	m.run = r
	m.identity = identity
	m.recon.reset()
	m.mu.Unlock()

	m.setState(r, StateConnecting, nil)
	go m.loop(r)
}

// Disconnect tears the connection down and cancels any pending reconnect.
// It is idempotent.
func (m *connManager) Disconnect() {
	m.mu.Lock()
	r := m.run
	m.run = nil
	if r == nil {
		m.mu.Unlock()
		return
	}
	conn := r.conn
	r.conn = nil
	m.state = StateDisconnected
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	r.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	m.metrics.setConnected(false)
	m.log.Info("disconnected")
	for _, l := range listeners {
		notifyState(l, StateDisconnected, nil)
	}
}

// Send enqueues an outbound event on the current channel.
func (m *connManager) Send(out Outbound) error {
	m.mu.Lock()
	var conn Conn
	if m.run != nil {
		conn = m.run.conn
	}
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(out); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (m *connManager) loop(r *connRun) {
	for {
		err := m.session(r)
		if r.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		retry := m.recon.shouldReconnect()
		var delay time.Duration
		if retry {
			delay = m.recon.nextDelay()
		}
		attempt := m.recon.attempt
		m.mu.Unlock()

		if !retry {
			m.log.Warn("giving up reconnecting", slog.String("error", err.Error()))
			m.abandon(r, err)
			return
		}
		m.metrics.reconnects.Inc()
		m.log.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		m.setState(r, StateReconnecting, err)

		select {
		case <-r.ctx.Done():
			return
		case <-m.clock.After(delay):
		}
	}
}

// session dials once and reads until the channel breaks. The returned
// error is always a *TransportError.
func (m *connManager) session(r *connRun) error {
	conn, err := m.transport.Dial(r.ctx)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		_ = conn.Close()
		return &TransportError{Op: "dial", Err: context.Canceled}
	}
	r.conn = conn
	identity := m.identity
	m.lastRecv = m.clock.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	if err := conn.Send(Outbound{Type: EventConnect, Payload: ConnectPayload{Identity: identity}}); err != nil {
		return &TransportError{Op: "announce", Err: err}
	}

	stop := make(chan struct{})
	defer close(stop)
	if m.heartbeat > 0 {
		go m.heartbeatLoop(r, conn, stop)
	}

	for {
		ev, err := conn.Receive(r.ctx)
		if err != nil {
			return &TransportError{Op: "receive", Err: err}
		}
		if r.ctx.Err() != nil {
			return &TransportError{Op: "receive", Err: r.ctx.Err()}
		}

		m.mu.Lock()
		m.lastRecv = m.clock.Now()
		m.mu.Unlock()

		if ev.Type == EventConnected {
			m.mu.Lock()
			m.recon.reset()
			m.mu.Unlock()
			m.log.Info("connected", slog.String("identity", identity))
			m.setState(r, StateConnected, nil)
		}
		m.dispatch(ev)
	}
}

// heartbeatLoop pings on every tick and force-closes the channel when
// nothing has been received for two intervals.
func (m *connManager) heartbeatLoop(r *connRun, conn Conn, stop <-chan struct{}) {
	ticker := m.clock.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			stale := now.Sub(m.lastRecv) > 2*m.heartbeat
			m.pingSeq++
			seq := m.pingSeq
			m.mu.Unlock()

			if stale {
				m.log.Warn("heartbeat timeout, closing connection")
				_ = conn.Close()
				return
			}
			if err := conn.Send(Outbound{Type: EventPing, Payload: PingPayload{RequestID: "ping-" + strconv.Itoa(seq)}}); err != nil {
				m.log.Debug("ping not sent", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *connManager) dispatch(ev Event) {
	m.mu.Lock()
	hs := append([]handlerEntry(nil), m.handlers[ev.Type]...)
	m.mu.Unlock()
	if len(hs) == 0 {
		m.log.Debug("unhandled event", slog.String("type", ev.Type))
	}
	for _, h := range hs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.log.Error("event handler panicked",
						slog.String("type", ev.Type),
						slog.String("panic", fmt.Sprint(p)))
				}
			}()
			h.fn(ev)
		}()
	}
}

// abandon ends run r after reconnect attempts ran out, so a later Connect
// starts fresh.
func (m *connManager) abandon(r *connRun, err error) {
	r.cancel()
	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		return
	}
	m.run = nil
	m.state = StateDisconnected
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()
	m.metrics.setConnected(false)
	for _, l := range listeners {
		notifyState(l, StateDisconnected, err)
	}
}

// setState records a state change for run r and notifies listeners. It
// does nothing if r has been superseded by Disconnect or a new Connect.
func (m *connManager) setState(r *connRun, s ConnectionState, err error) {
	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()
	m.metrics.setConnected(s == StateConnected)
	for _, l := range listeners {
		notifyState(l, s, err)
	}
}

func notifyState(l StateListener, s ConnectionState, err error) {
	defer func() { recover() }()
	l(s, err)
}
