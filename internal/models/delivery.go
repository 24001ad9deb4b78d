package models

import "time"

// DeliveryRecord tracks delivery and read state of one message for one
// recipient. Created at send time for every participant except the sender;
// never deleted.
type DeliveryRecord struct {
	MessageID   int64      `json:"message_id"`
	UserID      int64      `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// MessageStatus is the receipt state reported back to senders.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)
