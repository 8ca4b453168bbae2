package model

import "time"

// Thread is a conversation container between exactly two participants.
// Threads are created lazily on first contact and never deleted.
type Thread struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ThreadParticipant carries per-participant thread state. Unread counts live
// here, one per participant, so that concurrent sends and read-marks by the
// two sides never race on a shared counter.
type ThreadParticipant struct {
	ThreadID    string    `json:"thread_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	UnreadCount int       `json:"unread_count"`
	LastReadAt  time.Time `json:"last_read_at"`
}

// ParticipantNames returns the display-name mapping denormalized at thread
// creation time.
func ParticipantNames(parts []ThreadParticipant) map[string]string {
	names := make(map[string]string, len(parts))
	for _, p := range parts {
		names[p.UserID] = p.DisplayName
	}
	return names
}

// ThreadWithState is a thread enriched for inbox display: the caller's unread
// count, both display names and the most recent message.
type ThreadWithState struct {
	Thread           Thread            `json:"thread"`
	ParticipantNames map[string]string `json:"participant_names"`
	LastMessage      *Message          `json:"last_message,omitempty"`
	UnreadCount      int               `json:"unread_count"`
}

// Counterpart returns the other participant of a two-party thread.
func (t *Thread) Counterpart(userID string) string {
	if t.Participants[0] == userID {
		return t.Participants[1]
	}
	return t.Participants[0]
}

// HasParticipant reports whether userID is one of the thread's two parties.
func (t *Thread) HasParticipant(userID string) bool {
	return t.Participants[0] == userID || t.Participants[1] == userID
}
