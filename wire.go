package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ============================================================================
// Event types
// ============================================================================

// Outbound event types.
const (
	EventConnect           = "connect"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventPing              = "ping"
)

// Inbound event types.
const (
	EventConnected           = "connected"
	EventMessageAck          = "message_ack"
	EventNewMessage          = "new_message"
	EventMessageDelivered    = "message_delivered"
	EventMessageRead         = "message_read"
	EventTypingStatus        = "typing_status"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventConversationCreated = "conversation_created"
	EventPong                = "pong"
	EventError               = "error"
)

// ============================================================================
// Payloads
// ============================================================================

type ConnectPayload struct {
	Identity string `json:"identity"`
}

type SendMessagePayload struct {
	ClientID       string       `json:"clientId"`
	ConversationID string       `json:"conversationId"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

type PingPayload struct {
	RequestID string `json:"requestId"`
}

type MessageAckPayload struct {
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId"`
}

// WireMessage is a message as the server describes it, in new_message
// events and REST history pages.
type WireMessage struct {
	ServerID       string       `json:"serverId"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	Sender         string       `json:"sender"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	Status         string       `json:"status,omitempty"`
}

// toMessage resolves the wire sender against the local identity. The
// server may send either the literal roles or the author's identity.
func (w WireMessage) toMessage(conversationID, self string) Message {
	sender := SenderCounterpart
	if strings.EqualFold(w.Sender, string(SenderSelf)) || (self != "" && w.Sender == self) {
		sender = SenderSelf
	}
	if w.ConversationID != "" {
		conversationID = w.ConversationID
	}
	return Message{
		ClientID:       w.ClientID,
		ServerID:       w.ServerID,
		ConversationID: conversationID,
		Text:           w.Text,
		Attachments:    w.Attachments,
		Sender:         sender,
		CreatedAt:      w.CreatedAt,
		Status:         parseStatus(w.Status),
	}
}

type NewMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

type MessageStatusPayload struct {
	ServerID string `json:"serverId"`
}

type TypingStatusPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type PresencePayload struct {
	Identity string `json:"identity"`
}

type ConversationCreatedPayload struct {
	Conversation Conversation `json:"conversation"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Frames and codecs
// ============================================================================

// Outbound is a client-to-server event.
type Outbound struct {
	Type    string
	Payload any
}

// Event is an inbound server event with a lazily decoded payload.
type Event struct {
	Type    string
	raw     []byte
	decoder func([]byte, any) error
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.raw) == 0 || e.decoder == nil {
		return nil
	}
	if err := e.decoder(e.raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEvent builds an inbound event from a payload value, encoded as JSON.
// Transports and tests use it to inject events.
func NewEvent(eventType string, payload any) Event {
	ev := Event{Type: eventType, decoder: json.Unmarshal}
	if payload != nil {
		ev.raw, _ = json.Marshal(payload)
	}
	return ev
}

// Codec turns frames into bytes for a transport.
type Codec interface {
	Encode(Outbound) ([]byte, error)
	Decode([]byte) (Event, error)
	Binary() bool
}

// JSONCodec encodes frames as {"type","payload"} JSON text.
type JSONCodec struct{}

type jsonFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (JSONCodec) Encode(out Outbound) ([]byte, error) {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{out.Type, out.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", out.Type, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Event, error) {
	var f jsonFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Event{}, fmt.Errorf("decode frame: missing type")
	}
	return Event{Type: f.Type, raw: f.Payload, decoder: json.Unmarshal}, nil
}

func (JSONCodec) Binary() bool { return false }

// CBORCodec encodes frames as CBOR maps with the same field names as the
// JSON codec. Timestamps are RFC 3339 strings.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborFrame struct {
	Type    string          `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

// NewCBORCodec builds a CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Encode(out Outbound) ([]byte, error) {
	data, err := c.enc.Marshal(struct {
		Type    string `cbor:"type"`
		Payload any    `cbor:"payload,omitempty"`
	}{out.Type, out.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", out.Type, err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte) (Event, error) {
	var f cborFrame
	if err := c.dec.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Event{}, fmt.Errorf("decode frame: missing type")
	}
	return Event{Type: f.Type, raw: f.Payload, decoder: c.dec.Unmarshal}, nil
}

func (c *CBORCodec) Binary() bool { return true }
