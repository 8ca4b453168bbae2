package ws

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/model"
	"github.com/viafix/internal/notify"
)

type FrameType string

// Frames the client sends.
const (
	FrameOpenThread  FrameType = "open_thread"
	FrameCloseThread FrameType = "close_thread"
	FrameSend        FrameType = "send"
	FrameRetry       FrameType = "retry"
	FrameTyping      FrameType = "typing"
	FrameMarkRead    FrameType = "mark_read"
)

// Frames the server sends.
const (
	FrameThreadState  FrameType = "thread_state"
	FramePeerTyping   FrameType = "peer_typing"
	FrameNotification FrameType = "notification"
	FrameSent         FrameType = "sent"
	FrameError        FrameType = "error"
)

// IncomingFrame is a client request. Decoding is strict: unknown fields and
// unknown types are rejected with an error frame instead of being ignored, so
// protocol drift between client and server surfaces immediately.
type IncomingFrame struct {
	Type      FrameType `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	ClientRef string    `json:"client_ref,omitempty"`
}

// ParseIncoming decodes and validates one client frame.
func ParseIncoming(raw []byte) (IncomingFrame, error) {
	var f IncomingFrame
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return IncomingFrame{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case FrameOpenThread:
		if f.ThreadID == "" {
			return IncomingFrame{}, fmt.Errorf("open_thread: thread_id required")
		}
	case FrameSend:
		if f.Content == "" {
			return IncomingFrame{}, fmt.Errorf("send: content required")
		}
		if f.ClientRef == "" {
			return IncomingFrame{}, fmt.Errorf("send: client_ref required")
		}
	case FrameRetry:
		if f.ClientRef == "" {
			return IncomingFrame{}, fmt.Errorf("retry: client_ref required")
		}
	case FrameCloseThread, FrameTyping, FrameMarkRead:
	default:
		return IncomingFrame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// OutgoingFrame is a server push. Payload uses typed structs.
type OutgoingFrame struct {
	Type    FrameType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// ThreadStatePayload carries the full view state after an open, close or
// merge. State is one of "closed", "loading", "ready".
type ThreadStatePayload struct {
	State    string                `json:"state"`
	ThreadID string                `json:"thread_id,omitempty"`
	Messages []model.Message       `json:"messages,omitempty"`
	Pending  []chat.PendingMessage `json:"pending,omitempty"`
}

// TypingPayload is pushed while the counterpart is typing.
type TypingPayload struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
}

// SentPayload confirms a send by client ref with the stored message.
type SentPayload struct {
	ClientRef string        `json:"client_ref"`
	Message   model.Message `json:"message"`
}

// NotificationPayload wraps a bridge cue.
type NotificationPayload struct {
	notify.Notification
}

// ErrorPayload reports a rejected frame. ClientRef is set when the failure
// concerns a specific send.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}
