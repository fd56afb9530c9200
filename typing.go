package chatsync

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync/internal/clock"
)

// sender is the outbound half of the connection as seen by components.
type sender interface {
	Send(Outbound) error
}

type localTyping struct {
	limiter   *rate.Limiter
	announced bool
	idle      *clock.Timer
}

type remoteTyping struct {
	expiresAt time.Time
	timer     *clock.Timer
}

// typingTracker throttles local typing announcements and expires remote
// typing indicators that were never explicitly stopped. It is not safe for
// concurrent use; the session serializes access, timer callbacks included.
type typingTracker struct {
	clock    clock.Clock
	conn     sender
	log      *slog.Logger
	throttle time.Duration
	idle     time.Duration
	expiry   time.Duration

	local  map[string]*localTyping
	remote map[string]*remoteTyping

	onChange func(conversationID string)
}

func newTypingTracker(c clock.Clock, conn sender, cfg *SessionConfig, log *slog.Logger) *typingTracker {
	return &typingTracker{
		clock:    c,
		conn:     conn,
		log:      log,
		throttle: cfg.TypingThrottle,
		idle:     cfg.TypingIdle,
		expiry:   cfg.TypingExpiry,
		local:    make(map[string]*localTyping),
		remote:   make(map[string]*remoteTyping),
	}
}

// ============================================================================
// Local side
// ============================================================================

// SetLocalTyping announces the local user's typing state. While typing
// continues at most one start announcement goes out per throttle window.
// A stop is sent immediately on false, or after the idle period with no
// further keystrokes.
func (t *typingTracker) SetLocalTyping(conversationID string, isTyping bool) {
	lt := t.local[conversationID]
	if !isTyping {
		if lt != nil {
			t.stopLocal(conversationID, lt)
		}
		return
	}
	if lt == nil {
		lt = &localTyping{limiter: t.newLimiter()}
		t.local[conversationID] = lt
	}
	if lt.limiter.AllowN(t.clock.Now(), 1) {
		t.announce(conversationID, true)
		lt.announced = true
	}

	lt.idle.Stop()
	var idle *clock.Timer
	idle = t.clock.AfterFunc(t.idle, func() {
		if cur := t.local[conversationID]; cur == lt && lt.idle == idle {
			t.stopLocal(conversationID, lt)
		}
	})
	lt.idle = idle
}

func (t *typingTracker) stopLocal(conversationID string, lt *localTyping) {
	lt.idle.Stop()
	lt.idle = nil
	if lt.announced {
		t.announce(conversationID, false)
	}
	delete(t.local, conversationID)
}

func (t *typingTracker) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(t.throttle), 1)
}

func (t *typingTracker) announce(conversationID string, isTyping bool) {
	err := t.conn.Send(Outbound{Type: EventTyping, Payload: TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}})
	if err != nil {
		t.log.Debug("typing announcement not sent",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

// ============================================================================
// Remote side
// ============================================================================

// OnRemoteTyping applies a typing_status event. A start (re)arms the
// expiry timer; a stop clears the indicator at once.
func (t *typingTracker) OnRemoteTyping(conversationID string, isTyping bool) {
	prev := t.remote[conversationID]
	if prev != nil {
		prev.timer.Stop()
	}
	if !isTyping {
		if prev != nil {
			delete(t.remote, conversationID)
			t.changed(conversationID)
		}
		return
	}
	rt := &remoteTyping{expiresAt: t.clock.Now().Add(t.expiry)}
	rt.timer = t.clock.AfterFunc(t.expiry, func() {
		if t.remote[conversationID] == rt {
			delete(t.remote, conversationID)
			t.changed(conversationID)
		}
	})
	t.remote[conversationID] = rt
	if prev == nil {
		t.changed(conversationID)
	}
}

// IsTyping reports whether the counterpart is typing in the conversation.
func (t *typingTracker) IsTyping(conversationID string) bool {
	rt := t.remote[conversationID]
	return rt != nil && t.clock.Now().Before(rt.expiresAt)
}

// Clear drops all typing state for a conversation without announcing.
func (t *typingTracker) Clear(conversationID string) {
	if lt := t.local[conversationID]; lt != nil {
		lt.idle.Stop()
		delete(t.local, conversationID)
	}
	if rt := t.remote[conversationID]; rt != nil {
		rt.timer.Stop()
		delete(t.remote, conversationID)
		t.changed(conversationID)
	}
}

// Close cancels every timer.
func (t *typingTracker) Close() {
	for id := range t.local {
		t.Clear(id)
	}
	for id := range t.remote {
		t.Clear(id)
	}
}

func (t *typingTracker) changed(conversationID string) {
	if t.onChange != nil {
		t.onChange(conversationID)
	}
}
