package models

import "time"

// Sender types.
const (
	SenderAgent   = "agent"
	SenderContact = "contact"
)

// Message statuses as persisted.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

// Message is a single chat entry in a thread. Rows are immutable once created
// except for Status and ReadAt. Display order is (CreatedAt, ID).
// CorrelationID is the sender's client-side id; a sender never stores two
// messages with the same one.
type Message struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	ThreadID      string     `gorm:"size:36;not null;index:idx_message_thread_created"`
	SenderType    string     `gorm:"size:16;not null"`
	SenderID      *string    `gorm:"size:36;index;uniqueIndex:idx_message_sender_correlation"`
	CorrelationID *string    `gorm:"size:64;uniqueIndex:idx_message_sender_correlation"`
	Content       string     `gorm:"type:text;not null"`
	ContentJSON   string     `gorm:"type:text"`
	Status        string     `gorm:"size:16;default:sent"`
	CreatedAt     time.Time  `gorm:"index:idx_message_thread_created"`
	ReadAt        *time.Time
}

// SenderTypeForRole maps a user role to the sender type stamped on messages.
func SenderTypeForRole(role string) string {
	if role == RoleAgent {
		return SenderAgent
	}
	return SenderContact
}
