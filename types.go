package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidInput is returned synchronously for a send with no text and
	// no attachments, or with malformed attachment metadata. No state changes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSendTimeout is recorded on a message whose ack did not arrive in time.
	ErrSendTimeout = errors.New("send timed out waiting for ack")

	// ErrDuplicateEvent signals an ack or status event for a message that
	// already reached that state. Callers treat it as a no-op.
	ErrDuplicateEvent = errors.New("duplicate event")

	ErrNotConnected        = errors.New("not connected")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrNotRetriable        = errors.New("message is not in failed state")
	ErrSessionClosed       = errors.New("session closed")

	// ErrServerIDConflict marks an ack whose serverId already belongs to
	// a different message.
	ErrServerIDConflict = errors.New("server id already bound to another message")
)

// TransportError wraps a connection failure. It is reported through
// connection state listeners and is never fatal: the manager reconnects.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError represents an error returned by the REST collaborators.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message status
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// advances reports whether moving from s to next is a forward transition.
// failed is only reachable from sending, and only retry leaves failed.
func (s MessageStatus) advances(next MessageStatus) bool {
	switch {
	case next == StatusFailed:
		return s == StatusSending
	case s == StatusFailed:
		return next == StatusSending
	case next.rank() == 0:
		return false
	}
	return next.rank() > s.rank()
}

func parseStatus(v string) MessageStatus {
	switch s := MessageStatus(v); s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return s
	}
	return StatusSent
}

// Sender identifies which side of the conversation authored a message.
type Sender string

const (
	SenderSelf        Sender = "self"
	SenderCounterpart Sender = "counterpart"
)

// ============================================================================
// Data model
// ============================================================================

// Conversation is a snapshot of one conversation. Values returned by the
// session are copies; mutating them has no effect on session state.
type Conversation struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Role               string    `json:"role,omitempty"`
	CounterpartID      string    `json:"counterpartId,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
	IsPinned           bool      `json:"isPinned"`
	IsArchived         bool      `json:"isArchived,omitempty"`
	IsOnline           bool      `json:"isOnline"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
}

// Attachment describes an uploaded file. Only metadata and a reference
// travel over the wire; the bytes live with the upload service.
type Attachment struct {
	Name     string `json:"name" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url" validate:"required"`
}

// Message is a snapshot of one message.
type Message struct {
	ClientID       string        `json:"clientId,omitempty"`
	ServerID       string        `json:"serverId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Text           string        `json:"text"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Sender         Sender        `json:"sender"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`

	// Err holds the cause of a failed status.
	Err error `json:"-"`
}

func (m Message) preview() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Attachments) > 0 {
		return "📎 " + m.Attachments[0].Name
	}
	return ""
}

func (m Message) clone() *Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &c
}

// MessageRef addresses a message by its client or server identifier.
type MessageRef struct {
	ClientID string
	ServerID string
}

// ByClientID refers to a message by its locally generated id.
func ByClientID(id string) MessageRef { return MessageRef{ClientID: id} }

// ByServerID refers to a message by its server-assigned id.
func ByServerID(id string) MessageRef { return MessageRef{ServerID: id} }

func (r MessageRef) String() string {
	if r.ClientID != "" {
		return "client:" + r.ClientID
	}
	return "server:" + r.ServerID
}

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind classifies a state change delivered to subscribers.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangePresence      ChangeKind = "presence"
	ChangeConnection    ChangeKind = "connection"
)

// Change describes one mutation. ConversationID is empty for changes that
// are not scoped to a conversation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}
