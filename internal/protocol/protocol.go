// ABOUTME: WebSocket wire frames: outbound envelopes, inbound client frames
// ABOUTME: Also the stable error codes and close codes clients can switch on

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope types from gateway to client
const (
	TypeChatMessage           = "chat_message"
	TypeCommandResult         = "command_result"
	TypeSystemNotification    = "system_notification"
	TypeProcessingStart       = "processing_start"
	TypeProcessingEnd         = "processing_end"
	TypeError                 = "error"
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
)

// Frame types from client to gateway
const (
	TypeMessage     = "message"
	TypeBindSession = "bind_session"
	TypePing        = "ping"
)

// NewSessionID asks bind_session to create a fresh session.
const NewSessionID = "new"

// Error codes carried by error and system_notification payloads.
const (
	CodeSessionNotFound      = "session_not_found"
	CodeForbidden            = "forbidden"
	CodeSessionClosed        = "session_closed"
	CodeUnknownCommand       = "unknown_command"
	CodeInferenceUnavailable = "inference_unavailable"
	CodeBackpressure         = "backpressure"
	CodeInvalidMessage       = "invalid_message"
	CodeInternalError        = "internal_error"
	CodeDuplicate            = "duplicate"
)

// Notification codes for non-error system notices.
const (
	NoticeSessionBound   = "session_bound"
	NoticeSessionEnded   = "session_ended"
	NoticeDegraded       = "degraded_service"
	NoticeReloadProgress = "reload_progress"
	NoticeBroadcast      = "broadcast"
)

// WebSocket close codes for connection-level faults.
const (
	CloseAuthRejected = 4401
	CloseIdleTimeout  = 4408
	CloseEvicted      = 4409
	CloseSlowConsumer = 4429
	CloseGoingAway    = 1001
)

// Envelope is the outbound control frame.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into an envelope stamped with ts.
func NewEnvelope(typ, sessionID string, payload any, ts time.Time) (*Envelope, error) {
	env := &Envelope{Type: typ, SessionID: sessionID, Timestamp: ts.UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Reference is one retrieved document cited by an answer.
type Reference struct {
	ID      string  `json:"id"`
	Source  string  `json:"source,omitempty"`
	Score   float32 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// ChatMessagePayload carries a persisted chat message.
type ChatMessagePayload struct {
	MessageID   string      `json:"message_id"`
	Seq         int64       `json:"seq"`
	Role        string      `json:"role"`
	Content     string      `json:"content"`
	HTML        string      `json:"html,omitempty"`
	Degraded    bool        `json:"degraded,omitempty"`
	Truncated   bool        `json:"truncated,omitempty"`
	References  []Reference `json:"references,omitempty"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

// CommandResultPayload is the outcome of a slash command.
type CommandResultPayload struct {
	Command string         `json:"command"`
	Output  string         `json:"output"`
	Data    map[string]any `json:"data,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
}

// NotificationPayload is a system notice.
type NotificationPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ProcessingPayload brackets an inference turn.
type ProcessingPayload struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// ErrorPayload reports a turn-level fault.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Hint        string `json:"hint,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// ConnectionEstablishedPayload is the first frame on every connection.
type ConnectionEstablishedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
}

// InboundFrame is any client frame. Fields irrelevant to Type are ignored.
type InboundFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	Content     string `json:"content,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Title       string `json:"title,omitempty"`
}

// ErrInvalidFrame is returned for undecodable or incomplete client frames.
var ErrInvalidFrame = errors.New("invalid frame")

// DecodeInbound parses and validates a client frame.
func DecodeInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Type {
	case TypeMessage:
		if strings.TrimSpace(f.Content) == "" {
			return nil, fmt.Errorf("%w: empty content", ErrInvalidFrame)
		}
	case TypeBindSession:
		if f.SessionID == "" {
			return nil, fmt.Errorf("%w: bind_session requires session_id", ErrInvalidFrame)
		}
	case TypePing:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidFrame, f.Type)
	}
	return &f, nil
}
