package model

import (
	"time"

	"gorm.io/datatypes"
)

// Notification kinds dispatched after relationship mutations.
const (
	NotifyFriendRequestReceived = "friend_request_received"
	NotifyFriendRequestAccepted = "friend_request_accepted"
)

// Notification is a queued outbound notification row. Delivery to the actual
// push transport is a downstream concern; rows here are the durable handoff.
type Notification struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string         `gorm:"index:idx_notify_user;size:36;not null" json:"user_id"`
	Kind      string         `gorm:"size:48;not null" json:"kind"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `gorm:"index:idx_notify_created;autoCreateTime:milli" json:"created_at"`
}
