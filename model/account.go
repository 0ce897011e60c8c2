package model

import "time"

// Account represents a user account. IDs are opaque UUIDs so relationship
// pair keys can be built by plain lexicographic comparison.
type Account struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	DisplayName  string     `gorm:"size:64" json:"display_name"`
	PhotoRef     string     `gorm:"size:256" json:"photo_ref"`
	Status       int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}
