package model

import (
	"encoding/json"
	"time"
)

// Op is a client operation on the realtime connection.
type Op string

const (
	OpHello       Op = "hello"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpSend        Op = "send"
	OpAck         Op = "ack"
	OpTyping      Op = "typing"
	OpRead        Op = "read"
	OpPing        Op = "ping"
)

// ClientFrame is one inbound frame from a client. The first frame of a
// connection must be a hello; its Token is used when the upgrade request
// carried no credential.
type ClientFrame struct {
	ID               string            `json:"id,omitempty"`
	Op               Op                `json:"op"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	LastSeenSequence uint64            `json:"last_seen_sequence,omitempty"`
	Sequence         uint64            `json:"sequence_number,omitempty"`
	Type             EventType         `json:"type,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	Started          bool              `json:"started,omitempty"`
	Cursors          map[string]uint64 `json:"cursors,omitempty"`
	Token            string            `json:"token,omitempty"`
}

// PushType is the kind of a server-to-client frame.
type PushType string

const (
	PushWelcome          PushType = "welcome"
	PushEvent            PushType = "event"
	PushPresence         PushType = "presence"
	PushSnapshotRequired PushType = "snapshot_required"
	PushReply            PushType = "reply"
	PushError            PushType = "error"
	PushPong             PushType = "pong"
)

// ServerFrame is one outbound frame to a client.
type ServerFrame struct {
	Type           PushType        `json:"type"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Sequence       uint64          `json:"sequence_number,omitempty"`
	Previous       uint64          `json:"previous_sequence,omitempty"`
	HighWater      uint64          `json:"high_water,omitempty"`
	EventType      EventType       `json:"event_type,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         PresenceStatus  `json:"status,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
	Timestamp      time.Time       `json:"ts"`
}

// Close codes sent when the server terminates a connection.
const (
	CloseNormal               = 1000
	CloseServerShutdown       = 1001
	CloseAuthenticationFailed = 4001
	CloseProtocolViolation    = 4002
	CloseIdleTimeout          = 4003
)

// EventFrame renders an event as a push frame.
func EventFrame(ev *Event) *ServerFrame {
	f := &ServerFrame{
		Type:           PushEvent,
		ConversationID: ev.ConversationID,
		Sequence:       ev.Sequence,
		Previous:       ev.Previous,
		EventType:      ev.Type,
		UserID:         ev.UserID,
		Payload:        ev.Payload,
		Timestamp:      ev.CreatedAt,
	}
	if ev.Type == EventTypePresenceChange {
		f.Type = PushPresence
		var p PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			f.Status = p.Status
		}
	}
	return f
}

// ErrorFrame renders a per-operation failure.
func ErrorFrame(replyTo string, err error) *ServerFrame {
	return &ServerFrame{
		Type:      PushError,
		ReplyTo:   replyTo,
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Retryable: Retryable(err),
		Timestamp: time.Now(),
	}
}
