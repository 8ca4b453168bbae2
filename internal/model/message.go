package model

import "time"

// Message is a single timestamped, attributed text entry within a thread.
// Messages are immutable once created except for the IsRead flag, which flips
// from false to true exactly once when the receiver views the thread.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	// ClientRef is a client-generated correlation id used to reconcile an
	// optimistic pending entry with the authoritative realtime echo.
	ClientRef string    `json:"client_ref,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}
