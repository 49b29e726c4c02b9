package models

import "time"

// MessageStatus is the delivery progress of a message. Transitions only move
// forward: sent -> delivered -> seen.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// Rank orders statuses so monotonicity checks can compare them.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Message is a chat message within a room. Status is the aggregate over the
// per-recipient receipts: delivered once every non-sender member holds a
// delivered receipt, seen once every non-sender member holds a seen receipt.
type Message struct {
	ID        string        `db:"id" json:"id"`
	RoomID    string        `db:"room_id" json:"room_id"`
	SenderID  int           `db:"sender_id" json:"sender_id"`
	Content   string        `db:"content" json:"content"`
	Status    MessageStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// Receipt tracks per-recipient delivery state for one message.
type Receipt struct {
	MessageID   string     `db:"message_id" json:"message_id"`
	UserID      int        `db:"user_id" json:"user_id"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	SeenAt      *time.Time `db:"seen_at" json:"seen_at,omitempty"`
}
