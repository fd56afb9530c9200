package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync/internal/clock"
)

var (
	epoch      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	errDropped = errors.New("connection dropped")
)

// ============================================================================
// Fake transport
// ============================================================================

// fakeTransport hands out fakeConns. Deliver on a conn blocks until the
// read loop has finished handling the event, so tests observe state
// deterministically.
type fakeTransport struct {
	t *testing.T

	mu       sync.Mutex
	conns    []*fakeConn
	failNext int
	dials    int
	dialed   chan *fakeConn
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{t: t, dialed: make(chan *fakeConn, 16)}
}

func (f *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	f.dials++
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	c := &fakeConn{
		t:       f.t,
		inbox:   make(chan Event),
		handled: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	f.dialed <- c
	return c, nil
}

func (f *fakeTransport) failDials(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// waitConn returns the next dialed connection.
func (f *fakeTransport) waitConn() *fakeConn {
	f.t.Helper()
	select {
	case c := <-f.dialed:
		return c
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeConn struct {
	t *testing.T

	mu         sync.Mutex
	sent       []Outbound
	inbox      chan Event
	handled    chan struct{}
	delivering bool
	closed     chan struct{}
	once       sync.Once
}

func (c *fakeConn) Send(out Outbound) error {
	select {
	case <-c.closed:
		return errDropped
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, out)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (Event, error) {
	// Reaching Receive again means the previous event was fully handled.
	if c.delivering {
		c.delivering = false
		c.handled <- struct{}{}
	}
	select {
	case ev := <-c.inbox:
		c.delivering = true
		return ev, nil
	case <-c.closed:
		return Event{}, errDropped
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Deliver injects an inbound event and waits until it has been handled.
func (c *fakeConn) Deliver(eventType string, payload any) {
	c.t.Helper()
	ev := NewEvent(eventType, payload)
	select {
	case c.inbox <- ev:
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out delivering %s", eventType)
	}
	select {
	case <-c.handled:
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out handling %s", eventType)
	}
}

// Drop simulates the server going away.
func (c *fakeConn) Drop() { _ = c.Close() }

func (c *fakeConn) Sent() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.sent...)
}

func (c *fakeConn) SentOfType(eventType string) []Outbound {
	var out []Outbound
	for _, o := range c.Sent() {
		if o.Type == eventType {
			out = append(out, o)
		}
	}
	return out
}

// ============================================================================
// Recording sender for component tests
// ============================================================================

type recordingSender struct {
	mu   sync.Mutex
	sent []Outbound
	err  error
}

func (r *recordingSender) Send(out Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, out)
	return nil
}

func (r *recordingSender) ofType(eventType string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, o := range r.sent {
		if o.Type == eventType {
			out = append(out, o)
		}
	}
	return out
}

// ============================================================================
// Session helpers
// ============================================================================

func testConfig() SessionConfig {
	return SessionConfig{DisableJitter: true, DisableHeartbeat: true}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("c%d", n)
	}
}

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *fakeTransport, *clock.FakeClock) {
	t.Helper()
	tr := newFakeTransport(t)
	clk := clock.NewFake(epoch)
	base := []SessionOption{
		WithConfig(testConfig()),
		WithClock(clk),
		WithIDGenerator(sequentialIDs()),
	}
	s, err := New(tr, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s, tr, clk
}

// connect connects the session and completes the server handshake.
func connect(t *testing.T, s *Session, tr *fakeTransport, identity string) *fakeConn {
	t.Helper()
	if err := s.Connect(context.Background(), identity); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := tr.waitConn()
	c.Deliver(EventConnected, nil)
	return c
}

func mustMessage(t *testing.T, s *Session, clientID string) Message {
	t.Helper()
	m, ok := s.Message(ByClientID(clientID))
	if !ok {
		t.Fatalf("message %s not found", clientID)
	}
	return m
}
