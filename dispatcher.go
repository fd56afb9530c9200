package chatsync

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync/internal/clock"
)

// pendingSend is the provisional half of a send: the exact payload that
// went out and the ack timer guarding it. The optimistic message in the
// store is the other half; both share the clientId.
type pendingSend struct {
	payload SendMessagePayload
	timer   *clock.Timer
	sentAt  time.Time
	failed  bool
}

// dispatcher turns send intents into optimistic messages and reconciles
// acks, delivery receipts, and timeouts against them. It is not safe for
// concurrent use; the session serializes access, timer callbacks included.
type dispatcher struct {
	store      *conversationStore
	conn       sender
	clock      clock.Clock
	ackTimeout time.Duration
	log        *slog.Logger
	metrics    *sessionMetrics
	newID      func() string

	pending map[string]*pendingSend
}

func newDispatcher(store *conversationStore, conn sender, c clock.Clock, cfg *SessionConfig, m *sessionMetrics, newID func() string, log *slog.Logger) *dispatcher {
	return &dispatcher{
		store:      store,
		conn:       conn,
		clock:      c,
		ackTimeout: cfg.AckTimeout,
		log:        log,
		metrics:    m,
		newID:      newID,
		pending:    make(map[string]*pendingSend),
	}
}

// Dispatch inserts a sending message, transmits it, and arms the ack
// timer. The clientId is returned before any network round trip. A
// transport error does not fail the call: the ack timer decides.
func (d *dispatcher) Dispatch(conversationID, text string, attachments []Attachment) (string, error) {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return "", fmt.Errorf("%w: message needs text or an attachment", ErrInvalidInput)
	}
	if err := validateAttachments(attachments); err != nil {
		return "", err
	}
	if _, ok := d.store.Conversation(conversationID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	clientID := d.newID()
	attachments = append([]Attachment(nil), attachments...)
	msg := Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		Text:           text,
		Attachments:    attachments,
		Sender:         SenderSelf,
		CreatedAt:      d.clock.Now(),
		Status:         StatusSending,
	}
	if err := d.store.AppendMessage(msg); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	p := &pendingSend{payload: SendMessagePayload{
		ClientID:       clientID,
		ConversationID: conversationID,
		Text:           text,
		Attachments:    attachments,
	}}
	d.pending[clientID] = p
	d.transmit(p)
	d.metrics.dispatched.Inc()
	return clientID, nil
}

// Retry re-sends a failed message with its original payload and clientId.
func (d *dispatcher) Retry(clientID string) error {
	p, ok := d.pending[clientID]
	if !ok || !p.failed {
		if _, known := d.store.Message(ByClientID(clientID)); !known {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, ByClientID(clientID))
		}
		return ErrNotRetriable
	}
	if err := d.store.UpdateMessageStatus(ByClientID(clientID), StatusSending, nil); err != nil {
		return fmt.Errorf("retry %s: %w", clientID, err)
	}
	p.failed = false
	d.transmit(p)
	d.metrics.retried.Inc()
	return nil
}

// HandleAck reconciles a message_ack. Acks for messages already resolved
// return ErrDuplicateEvent. An ack that arrives after the message failed is
// ignored; the caller retries with the same clientId and the server acks
// again. An ack whose serverId belongs to some other message fails the
// send at once rather than leaving it to time out.
func (d *dispatcher) HandleAck(clientID, serverID string) error {
	p, ok := d.pending[clientID]
	if !ok {
		if _, known := d.store.Message(ByClientID(clientID)); known {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("%w: %s", ErrUnknownMessage, ByClientID(clientID))
	}
	if p.failed {
		d.log.Debug("late ack for failed message ignored",
			slog.String("client_id", clientID),
			slog.String("server_id", serverID))
		return ErrDuplicateEvent
	}
	if err := d.store.Acknowledge(clientID, serverID); err != nil {
		if errors.Is(err, ErrServerIDConflict) {
			p.timer.Stop()
			d.fail(clientID, p, err)
		}
		return err
	}
	p.timer.Stop()
	delete(d.pending, clientID)
	d.metrics.observeAck(p.sentAt, d.clock.Now())
	return nil
}

// HandleStatus applies a delivery or read receipt to an acked message.
func (d *dispatcher) HandleStatus(serverID string, status MessageStatus) error {
	if serverID == "" {
		return fmt.Errorf("%w: receipt without serverId", ErrInvalidInput)
	}
	return d.store.UpdateMessageStatus(ByServerID(serverID), status, nil)
}

// InFlight reports whether a clientId is waiting for its ack.
func (d *dispatcher) InFlight(clientID string) bool {
	p, ok := d.pending[clientID]
	return ok && !p.failed
}

// Close stops every ack timer. Messages still waiting for an ack are
// marked failed so they can be retried after the next connect.
func (d *dispatcher) Close() {
	for clientID, p := range d.pending {
		p.timer.Stop()
		p.timer = nil
		if p.failed {
			continue
		}
		d.fail(clientID, p, ErrSessionClosed)
	}
}

func (d *dispatcher) transmit(p *pendingSend) {
	clientID := p.payload.ClientID
	if err := d.conn.Send(Outbound{Type: EventSendMessage, Payload: p.payload}); err != nil {
		d.log.Warn("send_message not transmitted",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
	}
	p.sentAt = d.clock.Now()
	p.timer.Stop()

	var timer *clock.Timer
	timer = d.clock.AfterFunc(d.ackTimeout, func() {
		if d.pending[clientID] != p || p.timer != timer || p.failed {
			return
		}
		d.fail(clientID, p, ErrSendTimeout)
	})
	p.timer = timer
}

func (d *dispatcher) fail(clientID string, p *pendingSend, cause error) {
	p.failed = true
	err := d.store.UpdateMessageStatus(ByClientID(clientID), StatusFailed, cause)
	if err != nil && !errors.Is(err, ErrDuplicateEvent) {
		d.log.Warn("mark message failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return
	}
	d.metrics.failed.Inc()
	d.log.Info("message failed",
		slog.String("client_id", clientID),
		slog.String("cause", cause.Error()))
}
