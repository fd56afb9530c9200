// Package chatsync keeps a client's conversations, messages, typing and
// presence state, and unread counters in sync with a chat server over an
// unreliable realtime transport. Sends are rendered optimistically and
// reconciled with server acknowledgments.
//
// Example:
//
//	transport := chatsync.NewWSTransport("https://chat.example.com", token)
//	session, _ := chatsync.New(transport,
//		chatsync.WithHistory(chatsync.NewClient("https://chat.example.com", token).Conversations))
//	session.Subscribe(func(c chatsync.Change) { render(session) })
//	session.Connect(ctx, "user-1")
//	clientID, _ := session.SendMessage("conv-42", "hello", nil)
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync/internal/clock"
)

// Listener is notified after every state change. It runs after the
// change is complete, outside the session lock, and may query the session.
type Listener func(Change)

// Session is the entry point for callers. Every command, inbound event,
// and timer callback runs to completion under one lock, so no two
// mutations interleave.
type Session struct {
	cfg     SessionConfig
	log     *slog.Logger
	clock   clock.Clock
	metrics *sessionMetrics
	history HistorySource

	mu       sync.Mutex
	conn     *connManager
	store    *conversationStore
	presence *presenceTracker
	typing   *typingTracker
	dispatch *dispatcher
	identity string
	seeded   map[string]bool
	changes  []Change

	// bg scopes background calls to the history service; Disconnect
	// cancels it.
	bg     context.Context
	stopBg context.CancelFunc

	lmu        sync.Mutex
	listeners  map[int]Listener
	listenerID int
}

// New builds a session on top of transport. Nothing is dialed until
// Connect.
func New(transport Transport, opts ...SessionOption) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidInput)
	}
	o := sessionOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	o.config.defaults()
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	m, err := newSessionMetrics(o.registry)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       o.config,
		log:       o.logger,
		clock:     o.clock,
		metrics:   m,
		history:   o.history,
		store:     newConversationStore(),
		presence:  newPresenceTracker(),
		seeded:    make(map[string]bool),
		listeners: make(map[int]Listener),
	}
	s.bg, s.stopBg = context.WithCancel(context.Background())
	guarded := &guardedClock{Clock: o.clock, s: s}
	s.conn = newConnManager(transport, o.clock, &s.cfg, m, o.logger.With("component", "connection"))
	s.typing = newTypingTracker(guarded, s.conn, &s.cfg, o.logger.With("component", "typing"))
	s.dispatch = newDispatcher(s.store, s.conn, guarded, &s.cfg, m, o.newID, o.logger.With("component", "dispatcher"))

	s.store.onChange = s.record
	s.typing.onChange = func(id string) { s.record(Change{Kind: ChangeTyping, ConversationID: id}) }
	s.routeEvents()
	return s, nil
}

// ============================================================================
// Execution model
// ============================================================================

// guardedClock runs timer callbacks under the session lock.
type guardedClock struct {
	clock.Clock
	s *Session
}

func (g *guardedClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	return g.Clock.AfterFunc(d, func() { g.s.exec(f) })
}

// exec runs fn under the lock, then delivers the changes it produced.
func (s *Session) exec(fn func()) {
	s.mu.Lock()
	fn()
	changes := s.changes
	s.changes = nil
	s.mu.Unlock()
	s.notify(changes)
}

func (s *Session) execErr(fn func() error) error {
	var err error
	s.exec(func() { err = fn() })
	return err
}

// record buffers a change; callers hold s.mu.
func (s *Session) record(c Change) {
	s.changes = append(s.changes, c)
}

func (s *Session) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.lmu.Lock()
	ids := lo.Keys(s.listeners)
	s.lmu.Unlock()
	for _, c := range lo.Uniq(changes) {
		for _, id := range ids {
			s.lmu.Lock()
			l, ok := s.listeners[id]
			s.lmu.Unlock()
			if !ok {
				continue
			}
			func() {
				defer func() { recover() }() // swallow panics in user callbacks
				l(c)
			}()
		}
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	s.lmu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect starts the realtime connection for identity and, when a history
// source is configured, seeds the conversation list. The connection itself
// is established in the background; watch ConnectionState or subscribe
// for ChangeConnection.
func (s *Session) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	s.exec(func() { s.identity = identity })
	s.conn.Connect(identity)

	if s.history == nil {
		return nil
	}
	if err := s.LoadConversations(ctx); err != nil {
		s.log.Warn("conversation list not loaded", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Disconnect closes the connection, cancels every timer and background
// history call, and fails sends still waiting for an ack. Conversations and messages stay in memory.
// It is idempotent.
func (s *Session) Disconnect() {
	s.exec(func() {
		s.dispatch.Close()
		s.typing.Close()
		s.presence.Reset()
		s.record(Change{Kind: ChangePresence})
		s.stopBg()
		s.bg, s.stopBg = context.WithCancel(context.Background())
	})
	s.conn.Disconnect()
}

// ConnectionState reports the realtime connection state.
func (s *Session) ConnectionState() ConnectionState {
	return s.conn.State()
}

// OnConnectionState registers a listener for connection state changes.
// Transport errors surface here and nowhere else.
func (s *Session) OnConnectionState(l StateListener) {
	s.conn.OnStateChange(l)
}

// ============================================================================
// Commands
// ============================================================================

// SendMessage optimistically inserts a message and transmits it. The
// returned clientId identifies the message until and after the ack.
func (s *Session) SendMessage(conversationID, text string, attachments []Attachment) (string, error) {
	var id string
	err := s.execErr(func() error {
		var err error
		id, err = s.dispatch.Dispatch(conversationID, text, attachments)
		return err
	})
	return id, err
}

// Retry re-sends a failed message.
func (s *Session) Retry(clientID string) error {
	return s.execErr(func() error { return s.dispatch.Retry(clientID) })
}

// MarkAsRead clears the unread counter and tells the history service in
// the background.
func (s *Session) MarkAsRead(conversationID string) error {
	var bg context.Context
	if err := s.execErr(func() error {
		bg = s.bg
		return s.store.MarkRead(conversationID)
	}); err != nil {
		return err
	}
	if s.history != nil {
		go func() {
			ctx, cancel := context.WithTimeout(bg, DefaultTimeout)
			defer cancel()
			if err := s.history.MarkRead(ctx, conversationID); err != nil {
				s.log.Warn("mark read not synced",
					slog.String("conversation_id", conversationID),
					slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// SetTyping reports the local user's typing state for a conversation.
func (s *Session) SetTyping(conversationID string, isTyping bool) {
	s.exec(func() { s.typing.SetLocalTyping(conversationID, isTyping) })
}

// Pin pins or unpins a conversation.
func (s *Session) Pin(conversationID string, pinned bool) error {
	return s.execErr(func() error { return s.store.SetPinned(conversationID, pinned) })
}

// StartConversation creates a conversation locally.
func (s *Session) StartConversation(c Conversation) error {
	return s.execErr(func() error {
		if c.LastActivityAt.IsZero() {
			c.LastActivityAt = s.clock.Now()
		}
		return s.store.UpsertConversation(c)
	})
}

// RemoveConversation archives a conversation and cancels its typing
// timers. Its messages remain queryable until the session ends.
func (s *Session) RemoveConversation(conversationID string) error {
	return s.execErr(func() error {
		wasActive := s.store.Active() == conversationID
		if err := s.store.Archive(conversationID); err != nil {
			return err
		}
		s.typing.Clear(conversationID)
		if wasActive {
			s.sendRef(EventLeaveConversation, conversationID)
		}
		return nil
	})
}

// OpenConversation makes a conversation active: it joins the room, clears
// unread, and seeds history the first time it is opened.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	var seed bool
	err := s.execErr(func() error {
		prev := s.store.Active()
		if err := s.store.SetActive(conversationID); err != nil {
			return err
		}
		if prev != "" && prev != conversationID {
			s.sendRef(EventLeaveConversation, prev)
		}
		if err := s.store.MarkRead(conversationID); err != nil {
			return err
		}
		s.sendRef(EventJoinConversation, conversationID)
		seed = s.history != nil && !s.seeded[conversationID]
		return nil
	})
	if err != nil || !seed {
		return err
	}
	return s.LoadHistory(ctx, conversationID, 1)
}

// CloseConversation leaves the active conversation.
func (s *Session) CloseConversation(conversationID string) {
	s.exec(func() {
		if s.store.Active() != conversationID {
			return
		}
		_ = s.store.SetActive("")
		s.sendRef(EventLeaveConversation, conversationID)
	})
}

// LoadConversations seeds the conversation list from the history service.
// Server unread counts can raise local counters but never lower them.
func (s *Session) LoadConversations(ctx context.Context) error {
	if s.history == nil {
		return fmt.Errorf("%w: no history source configured", ErrInvalidInput)
	}
	convs, err := s.history.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	s.exec(func() {
		for _, c := range convs {
			err := s.store.UpsertConversation(c)
			if err == nil {
				err = s.store.SetUnread(c.ID, c.UnreadCount)
			}
			if err != nil {
				s.log.Warn("skipping conversation", slog.String("id", c.ID), slog.String("error", err.Error()))
			}
		}
		s.store.Reorder()
	})
	return nil
}

// LoadHistory fetches one page of history and merges it in front of the
// live messages.
func (s *Session) LoadHistory(ctx context.Context, conversationID string, page int) error {
	if s.history == nil {
		return fmt.Errorf("%w: no history source configured", ErrInvalidInput)
	}
	mp, err := s.history.MessagePage(ctx, conversationID, page, s.cfg.HistoryPageSize)
	if err != nil {
		return fmt.Errorf("load history %s: %w", conversationID, err)
	}
	return s.execErr(func() error {
		msgs := lo.Map(mp.Messages, func(w WireMessage, _ int) Message {
			return w.toMessage(conversationID, s.identity)
		})
		if _, err := s.store.SeedMessages(conversationID, msgs); err != nil {
			return err
		}
		s.seeded[conversationID] = true
		return nil
	})
}

func (s *Session) sendRef(eventType, conversationID string) {
	err := s.conn.Send(Outbound{Type: eventType, Payload: ConversationRefPayload{ConversationID: conversationID}})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Warn("event not sent",
			slog.String("type", eventType),
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

// ============================================================================
// Queries
// ============================================================================

// Conversations returns the visible conversations in display order, with
// IsOnline derived from current presence.
func (s *Session) Conversations() []Conversation {
	convs := s.store.Conversations()
	for i := range convs {
		convs[i].IsOnline = s.presence.IsOnline(convs[i].CounterpartID)
	}
	return convs
}

// Conversation returns one conversation, including archived ones.
func (s *Session) Conversation(id string) (Conversation, bool) {
	c, ok := s.store.Conversation(id)
	if ok {
		c.IsOnline = s.presence.IsOnline(c.CounterpartID)
	}
	return c, ok
}

// Messages returns a conversation's messages in the order they were
// created locally or received.
func (s *Session) Messages(conversationID string) []Message {
	return s.store.Messages(conversationID)
}

// Message looks up one message.
func (s *Session) Message(ref MessageRef) (Message, bool) {
	return s.store.Message(ref)
}

// IsTyping reports whether the counterpart is typing.
func (s *Session) IsTyping(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.IsTyping(conversationID)
}

// UnreadCount returns the unread counter, 0 for unknown conversations.
func (s *Session) UnreadCount(conversationID string) int {
	c, _ := s.store.Conversation(conversationID)
	return c.UnreadCount
}

// IsOnline reports whether identity is currently connected.
func (s *Session) IsOnline(identity string) bool {
	return s.presence.IsOnline(identity)
}

// OnlineIdentities lists the identities currently online, sorted.
func (s *Session) OnlineIdentities() []string {
	return s.presence.Online()
}

// SearchMessages searches message text across loaded conversations.
func (s *Session) SearchMessages(query, conversationID string, limit int) []Message {
	return s.store.Search(query, conversationID, limit)
}

// ============================================================================
// Inbound routing
// ============================================================================

func (s *Session) routeEvents() {
	s.conn.OnStateChange(func(state ConnectionState, err error) {
		s.exec(func() {
			if state != StateConnected {
				s.presence.Reset()
			}
			s.record(Change{Kind: ChangeConnection})
		})
	})

	s.on(EventConnected, func(Event) error {
		if active := s.store.Active(); active != "" {
			s.sendRef(EventJoinConversation, active)
		}
		return nil
	})

	s.on(EventMessageAck, func(ev Event) error {
		var p MessageAckPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.dispatch.HandleAck(p.ClientID, p.ServerID)
	})

	s.on(EventNewMessage, func(ev Event) error {
		var p NewMessagePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		msg := p.Message.toMessage(p.ConversationID, s.identity)
		if msg.ConversationID == "" || msg.ServerID == "" {
			return fmt.Errorf("%w: new_message without conversation or serverId", ErrInvalidInput)
		}
		// The server's echo of our own send can beat the ack.
		if msg.ClientID != "" && s.dispatch.InFlight(msg.ClientID) {
			return s.dispatch.HandleAck(msg.ClientID, msg.ServerID)
		}
		if _, ok := s.store.Conversation(msg.ConversationID); !ok {
			if err := s.store.UpsertConversation(Conversation{ID: msg.ConversationID, LastActivityAt: msg.CreatedAt}); err != nil {
				return err
			}
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.clock.Now()
		}
		if msg.Sender == SenderCounterpart {
			s.typing.OnRemoteTyping(msg.ConversationID, false)
		}
		return s.store.AppendMessage(msg)
	})

	receipt := func(status MessageStatus) func(Event) error {
		return func(ev Event) error {
			var p MessageStatusPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			return s.dispatch.HandleStatus(p.ServerID, status)
		}
	}
	s.on(EventMessageDelivered, receipt(StatusDelivered))
	s.on(EventMessageRead, receipt(StatusRead))

	s.on(EventTypingStatus, func(ev Event) error {
		var p TypingStatusPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.typing.OnRemoteTyping(p.ConversationID, p.IsTyping)
		return nil
	})

	presence := func(online bool) func(Event) error {
		return func(ev Event) error {
			var p PresencePayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			var changed bool
			if online {
				changed = s.presence.SetOnline(p.Identity)
			} else {
				changed = s.presence.SetOffline(p.Identity)
			}
			if changed {
				s.record(Change{Kind: ChangePresence, ConversationID: s.conversationFor(p.Identity)})
			}
			return nil
		}
	}
	s.on(EventUserOnline, presence(true))
	s.on(EventUserOffline, presence(false))

	s.on(EventConversationCreated, func(ev Event) error {
		var p ConversationCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Conversation.LastActivityAt.IsZero() {
			p.Conversation.LastActivityAt = s.clock.Now()
		}
		return s.store.UpsertConversation(p.Conversation)
	})

	s.on(EventError, func(ev Event) error {
		var p ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.log.Warn("server error", slog.String("message", p.Message))
		return nil
	})
}

// on registers a handler that runs under the session lock. Duplicate
// events are logged at debug; anything else at warn. Neither propagates.
func (s *Session) on(eventType string, h func(Event) error) {
	s.conn.OnEvent(eventType, func(ev Event) {
		err := s.execErr(func() error { return h(ev) })
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateEvent):
			s.log.Debug("duplicate event ignored", slog.String("type", eventType))
		default:
			s.log.Warn("inbound event not applied",
				slog.String("type", eventType),
				slog.String("error", err.Error()))
		}
	})
}

func (s *Session) conversationFor(identity string) string {
	for _, c := range s.store.Conversations() {
		if c.CounterpartID == identity {
			return c.ID
		}
	}
	return ""
}
