package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Scenarios
// ============================================================================

func TestOfflineSendTimesOutThenRetrySucceeds(t *testing.T) {
	s, tr, clk := newTestSession(t)
	require.NoError(t, s.StartConversation(Conversation{ID: "42", Title: "Ops"}))

	id, err := s.SendMessage("42", "hello", nil)
	require.NoError(t, err)
	require.Equal(t, StatusSending, mustMessage(t, s, id).Status)

	clk.Advance(10 * time.Second)
	failed := mustMessage(t, s, id)
	require.Equal(t, StatusFailed, failed.Status)
	require.ErrorIs(t, failed.Err, ErrSendTimeout)

	conn := connect(t, s, tr, "me")
	require.NoError(t, s.Retry(id))
	require.Equal(t, StatusSending, mustMessage(t, s, id).Status)

	sends := conn.SentOfType(EventSendMessage)
	require.Len(t, sends, 1)
	require.Equal(t, SendMessagePayload{ClientID: id, ConversationID: "42", Text: "hello"}, sends[0].Payload)

	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S1"})
	sent := mustMessage(t, s, id)
	require.Equal(t, StatusSent, sent.Status)
	require.Equal(t, "S1", sent.ServerID)
	require.Nil(t, sent.Err)
	require.Len(t, s.Messages("42"), 1)
}

func TestUnreadCountsInactiveConversation(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")

	for _, sid := range []string{"m1", "m2"} {
		conn.Deliver(EventNewMessage, NewMessagePayload{
			ConversationID: "7",
			Message:        WireMessage{ServerID: sid, Sender: "u-7", Text: "ping " + sid, CreatedAt: epoch},
		})
	}
	require.Equal(t, 2, s.UnreadCount("7"))

	require.NoError(t, s.MarkAsRead("7"))
	require.Equal(t, 0, s.UnreadCount("7"))
}

func TestTypingAnnouncementsAreThrottled(t *testing.T) {
	s, tr, clk := newTestSession(t)
	conn := connect(t, s, tr, "me")

	s.SetTyping("5", true)
	clk.Advance(500 * time.Millisecond)
	s.SetTyping("5", true)

	var starts []Outbound
	for _, o := range conn.SentOfType(EventTyping) {
		if o.Payload.(TypingPayload).IsTyping {
			starts = append(starts, o)
		}
	}
	require.Equal(t, []Outbound{{Type: EventTyping, Payload: TypingPayload{ConversationID: "5", IsTyping: true}}}, starts)
}

// ============================================================================
// Properties
// ============================================================================

func TestMessageOrderMatchesSendOrder(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))

	texts := []string{"one", "two", "three", "four"}
	var ids []string
	for _, text := range texts {
		id, err := s.SendMessage("a", text, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: ids[i], ServerID: "s-" + ids[i]})
	}

	var got []string
	for _, m := range s.Messages("a") {
		require.Equal(t, StatusSent, m.Status)
		got = append(got, m.Text)
	}
	require.Equal(t, texts, got)
}

func TestStatusNeverRegresses(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))

	id, err := s.SendMessage("a", "hi", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []MessageStatus
	unsubscribe := s.Subscribe(func(c Change) {
		if c.Kind != ChangeMessages {
			return
		}
		m, _ := s.Message(ByClientID(id))
		mu.Lock()
		if len(seen) == 0 || seen[len(seen)-1] != m.Status {
			seen = append(seen, m.Status)
		}
		mu.Unlock()
	})
	defer unsubscribe()

	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S9"})
	conn.Deliver(EventMessageRead, MessageStatusPayload{ServerID: "S9"})
	conn.Deliver(EventMessageDelivered, MessageStatusPayload{ServerID: "S9"})
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S9"})

	require.Equal(t, StatusRead, mustMessage(t, s, id).Status)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []MessageStatus{StatusSent, StatusRead}, seen)
}

func TestSelfMessagesNeverIncreaseUnread(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a", CounterpartID: "bob"}))

	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "a",
		Message:        WireMessage{ServerID: "x1", Sender: "me", Text: "from another device", CreatedAt: epoch},
	})
	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "a",
		Message:        WireMessage{ServerID: "x2", Sender: "self", Text: "also mine", CreatedAt: epoch},
	})
	_, err := s.SendMessage("a", "typed here", nil)
	require.NoError(t, err)

	require.Equal(t, 0, s.UnreadCount("a"))
	msgs := s.Messages("a")
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.Equal(t, SenderSelf, m.Sender)
	}
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	id, err := s.SendMessage("a", "once", nil)
	require.NoError(t, err)

	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S1"})
	msgs, convs := s.Messages("a"), s.Conversations()

	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S1"})
	require.Equal(t, msgs, s.Messages("a"))
	require.Equal(t, convs, s.Conversations())
}

func TestRemoteTypingAutoClears(t *testing.T) {
	s, tr, clk := newTestSession(t)
	conn := connect(t, s, tr, "me")

	conn.Deliver(EventTypingStatus, TypingStatusPayload{ConversationID: "a", IsTyping: true})
	require.True(t, s.IsTyping("a"))

	clk.Advance(4 * time.Second)
	conn.Deliver(EventTypingStatus, TypingStatusPayload{ConversationID: "a", IsTyping: true})
	clk.Advance(4 * time.Second)
	require.True(t, s.IsTyping("a"), "refresh should extend the window")

	clk.Advance(time.Second)
	require.False(t, s.IsTyping("a"))
}

// ============================================================================
// Facade behavior
// ============================================================================

func TestSendMessageRejectsEmptyInput(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))

	var changes int
	s.Subscribe(func(Change) { changes++ })

	_, err := s.SendMessage("a", "   \n", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.SendMessage("a", "", []Attachment{{Name: "x.png"}})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Empty(t, s.Messages("a"))
	require.Zero(t, changes)
}

func TestSendMessageWithAttachmentOnly(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))

	att := Attachment{Name: "plan.pdf", Size: 2048, MimeType: "application/pdf", URL: "https://cdn.example.com/plan.pdf"}
	id, err := s.SendMessage("a", "", []Attachment{att})
	require.NoError(t, err)

	sends := conn.SentOfType(EventSendMessage)
	require.Len(t, sends, 1)
	require.Equal(t, []Attachment{att}, sends[0].Payload.(SendMessagePayload).Attachments)

	conv, _ := s.Conversation("a")
	require.Equal(t, "📎 plan.pdf", conv.LastMessagePreview)
	require.Equal(t, []Attachment{att}, mustMessage(t, s, id).Attachments)
}

func TestListenersRunAfterMutation(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))

	var observed []int
	s.Subscribe(func(c Change) {
		if c.Kind == ChangeMessages {
			// Querying from a listener must not deadlock and must see the
			// completed mutation.
			observed = append(observed, len(s.Messages("a")))
		}
	})
	s.Subscribe(func(Change) { panic("listener bug") })

	_, err := s.SendMessage("a", "hello", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1}, observed)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s, _, _ := newTestSession(t)
	calls := 0
	unsubscribe := s.Subscribe(func(Change) { calls++ })
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	unsubscribe()
	require.NoError(t, s.StartConversation(Conversation{ID: "b"}))
	require.Equal(t, 1, calls)
}

func TestActiveConversationDoesNotCountUnread(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "7"}))
	require.NoError(t, s.OpenConversation(context.Background(), "7"))

	joins := conn.SentOfType(EventJoinConversation)
	require.Len(t, joins, 1)
	require.Equal(t, ConversationRefPayload{ConversationID: "7"}, joins[0].Payload)

	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "7",
		Message:        WireMessage{ServerID: "m1", Sender: "bob", Text: "hey", CreatedAt: epoch},
	})
	require.Equal(t, 0, s.UnreadCount("7"))

	s.CloseConversation("7")
	require.Len(t, conn.SentOfType(EventLeaveConversation), 1)
	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "7",
		Message:        WireMessage{ServerID: "m2", Sender: "bob", Text: "still there?", CreatedAt: epoch},
	})
	require.Equal(t, 1, s.UnreadCount("7"))
}

func TestEchoBeforeAckReconciles(t *testing.T) {
	s, tr, clk := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	id, err := s.SendMessage("a", "fast", nil)
	require.NoError(t, err)

	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "a",
		Message:        WireMessage{ServerID: "S5", ClientID: id, Sender: "me", Text: "fast", CreatedAt: epoch},
	})
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S5"})

	msgs := s.Messages("a")
	require.Len(t, msgs, 1)
	require.Equal(t, "S5", msgs[0].ServerID)
	require.Equal(t, StatusSent, msgs[0].Status)

	clk.Advance(time.Minute)
	require.Equal(t, StatusSent, mustMessage(t, s, id).Status)
}

func TestEchoWithoutClientIDFoldsIntoAck(t *testing.T) {
	s, tr, clk := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "42"}))
	id, err := s.SendMessage("42", "hello", nil)
	require.NoError(t, err)

	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "42",
		Message:        WireMessage{ServerID: "S1", Sender: "me", Text: "hello", CreatedAt: epoch},
	})
	require.Zero(t, s.UnreadCount("42"))
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S1"})
	clk.Advance(11 * time.Second)

	msgs := s.Messages("42")
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ClientID)
	require.Equal(t, "S1", msgs[0].ServerID)
	require.Equal(t, StatusSent, msgs[0].Status)
	require.Zero(t, clk.PendingCount())

	conn.Deliver(EventMessageRead, MessageStatusPayload{ServerID: "S1"})
	require.Equal(t, StatusRead, mustMessage(t, s, id).Status)
}

func TestSearchMessagesAcrossConversations(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	require.NoError(t, s.StartConversation(Conversation{ID: "b"}))
	_, err := s.SendMessage("a", "Invoice for March", nil)
	require.NoError(t, err)
	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "b",
		Message:        WireMessage{ServerID: "m1", Sender: "bob", Text: "the invoice is late", CreatedAt: epoch},
	})
	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "b",
		Message:        WireMessage{ServerID: "m2", Sender: "bob", Text: "lunch?", CreatedAt: epoch},
	})

	require.Len(t, s.SearchMessages("INVOICE", "", 0), 2)
	inB := s.SearchMessages("invoice", "b", 0)
	require.Len(t, inB, 1)
	require.Equal(t, "m1", inB[0].ServerID)
	require.Len(t, s.SearchMessages("invoice", "", 1), 1)
	require.Empty(t, s.SearchMessages("invoice", "missing", 0))
}

func TestLateAckAfterFailureIsIgnored(t *testing.T) {
	s, tr, clk := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	id, err := s.SendMessage("a", "slow", nil)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S1"})
	require.Equal(t, StatusFailed, mustMessage(t, s, id).Status)

	require.NoError(t, s.Retry(id))
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S1"})
	require.Equal(t, StatusSent, mustMessage(t, s, id).Status)
}

func TestRetryRequiresFailedMessage(t *testing.T) {
	s, tr, _ := newTestSession(t)
	connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	id, err := s.SendMessage("a", "hi", nil)
	require.NoError(t, err)

	require.ErrorIs(t, s.Retry(id), ErrNotRetriable)
	require.ErrorIs(t, s.Retry("nope"), ErrUnknownMessage)
}

func TestPresenceDrivesIsOnline(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a", CounterpartID: "bob"}))

	conn.Deliver(EventUserOnline, PresencePayload{Identity: "bob"})
	conn.Deliver(EventUserOnline, PresencePayload{Identity: "alice"})
	require.Equal(t, []string{"alice", "bob"}, s.OnlineIdentities())
	conv, _ := s.Conversation("a")
	require.True(t, conv.IsOnline)
	require.True(t, s.Conversations()[0].IsOnline)

	conn.Deliver(EventUserOffline, PresencePayload{Identity: "bob"})
	require.False(t, s.IsOnline("bob"))
	require.False(t, s.Conversations()[0].IsOnline)
}

func TestConversationCreatedEvent(t *testing.T) {
	s, tr, _ := newTestSession(t)
	conn := connect(t, s, tr, "me")
	conn.Deliver(EventConversationCreated, ConversationCreatedPayload{
		Conversation: Conversation{ID: "new", Title: "Acme deal", Role: "client", CounterpartID: "carol"},
	})
	convs := s.Conversations()
	require.Len(t, convs, 1)
	require.Equal(t, "Acme deal", convs[0].Title)
	require.Equal(t, epoch, convs[0].LastActivityAt)
}

func TestRemoveConversationArchivesAndCancelsTyping(t *testing.T) {
	s, tr, clk := newTestSession(t)
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	conn.Deliver(EventNewMessage, NewMessagePayload{
		ConversationID: "a",
		Message:        WireMessage{ServerID: "m1", Sender: "bob", Text: "hello", CreatedAt: epoch},
	})
	conn.Deliver(EventTypingStatus, TypingStatusPayload{ConversationID: "a", IsTyping: true})
	pending := clk.PendingCount()

	require.NoError(t, s.RemoveConversation("a"))
	require.Empty(t, s.Conversations())
	require.False(t, s.IsTyping("a"))
	require.Equal(t, pending-1, clk.PendingCount())

	conv, ok := s.Conversation("a")
	require.True(t, ok)
	require.True(t, conv.IsArchived)
	require.Len(t, s.Messages("a"), 1)
}

func TestPinnedConversationsSortFirst(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.StartConversation(Conversation{ID: "old", LastActivityAt: epoch}))
	require.NoError(t, s.StartConversation(Conversation{ID: "new", LastActivityAt: epoch.Add(time.Hour)}))
	require.Equal(t, "new", s.Conversations()[0].ID)

	require.NoError(t, s.Pin("old", true))
	require.Equal(t, "old", s.Conversations()[0].ID)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestDisconnectFailsInFlightAndIsIdempotent(t *testing.T) {
	s, tr, clk := newTestSession(t)
	connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	id, err := s.SendMessage("a", "bye", nil)
	require.NoError(t, err)
	s.SetTyping("a", true)
	require.Equal(t, 2, clk.PendingCount())

	s.Disconnect()
	s.Disconnect()

	require.Equal(t, StateDisconnected, s.ConnectionState())
	require.Zero(t, clk.PendingCount())
	m := mustMessage(t, s, id)
	require.Equal(t, StatusFailed, m.Status)
	require.ErrorIs(t, m.Err, ErrSessionClosed)

	conn := connect(t, s, tr, "me")
	require.NoError(t, s.Retry(id))
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: id, ServerID: "S2"})
	require.Equal(t, StatusSent, mustMessage(t, s, id).Status)
}

func TestReconnectRejoinsActiveConversation(t *testing.T) {
	s, tr, clk := newTestSession(t)
	first := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))
	require.NoError(t, s.OpenConversation(context.Background(), "a"))

	states := make(chan ConnectionState, 8)
	s.OnConnectionState(func(st ConnectionState, err error) {
		if st == StateReconnecting && !errors.As(err, new(*TransportError)) {
			t.Errorf("reconnecting without a transport error: %v", err)
		}
		states <- st
	})

	first.Drop()
	require.Equal(t, StateReconnecting, <-states)
	clk.WaitForTimers(1)
	clk.Advance(time.Second)

	second := tr.waitConn()
	second.Deliver(EventConnected, nil)
	require.Equal(t, StateConnected, <-states)

	require.Equal(t, []Outbound{{Type: EventConnect, Payload: ConnectPayload{Identity: "me"}}}, second.SentOfType(EventConnect))
	require.Equal(t, []Outbound{{Type: EventJoinConversation, Payload: ConversationRefPayload{ConversationID: "a"}}}, second.SentOfType(EventJoinConversation))
}

func TestMetricsCountDispatchAndAck(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, tr, clk := newTestSession(t, WithMetrics(reg))
	conn := connect(t, s, tr, "me")
	require.NoError(t, s.StartConversation(Conversation{ID: "a"}))

	ok, err := s.SendMessage("a", "one", nil)
	require.NoError(t, err)
	_, err = s.SendMessage("a", "two", nil)
	require.NoError(t, err)
	conn.Deliver(EventMessageAck, MessageAckPayload{ClientID: ok, ServerID: "S1"})
	clk.Advance(10 * time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(s.metrics.dispatched))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.acked))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.failed))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.connected))

	_, err = New(tr, WithMetrics(reg))
	require.Error(t, err, "collectors cannot be registered twice")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(newFakeTransport(t), WithConfig(SessionConfig{AckTimeout: -time.Second}))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}
