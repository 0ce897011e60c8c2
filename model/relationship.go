package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Relationship types. Only friendship is active; the column exists so new
// variants (e.g. follow) can be added without a schema change.
const (
	TypeFriendship = "friendship"
)

// Relationship statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
	StatusBlocked  = "blocked"
)

// Relationship is the single record for an unordered pair of users.
// UserLow/UserHigh hold the participants in lexicographic order so the pair
// (A,B) and (B,A) always map to the same row; idx_rel_pair enforces the
// one-active-record-per-pair invariant.
type Relationship struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	UserLow     string         `gorm:"uniqueIndex:idx_rel_pair;size:36;not null" json:"user_low"`
	UserHigh    string         `gorm:"uniqueIndex:idx_rel_pair;size:36;not null" json:"user_high"`
	Type        string         `gorm:"size:16;default:friendship" json:"type"`
	Status      string         `gorm:"index:idx_rel_status;size:16;not null" json:"status"`
	InitiatorID string         `gorm:"size:36" json:"initiator_id"`
	BlockerID   string         `gorm:"size:36" json:"blocker_id,omitempty"`
	// CachedProfiles maps participant ID → CachedProfile, denormalized so
	// list reads don't need a join against accounts.
	CachedProfiles datatypes.JSON `json:"cached_profiles,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	AcceptedAt     *time.Time     `json:"accepted_at,omitempty"`
}

// CachedProfile is the small profile projection embedded in a Relationship.
type CachedProfile struct {
	DisplayName string    `json:"display_name"`
	PhotoRef    string    `json:"photo_ref"`
	CachedAt    time.Time `json:"cached_at"`
}

// SortPair returns the two user IDs in canonical (lexicographic) order.
func SortPair(a, b string) (low, high string) {
	if a > b {
		return b, a
	}
	return a, b
}

// PairKey returns the canonical lookup key for an unordered pair.
func PairKey(a, b string) string {
	low, high := SortPair(a, b)
	return low + ":" + high
}

// PairKey returns the canonical key of this record's pair.
func (r *Relationship) PairKey() string {
	return r.UserLow + ":" + r.UserHigh
}

// Participants returns both participant IDs in canonical order.
func (r *Relationship) Participants() []string {
	return []string{r.UserLow, r.UserHigh}
}

// HasParticipant reports whether userID is one of the two participants.
func (r *Relationship) HasParticipant(userID string) bool {
	return userID == r.UserLow || userID == r.UserHigh
}

// OtherParticipant returns the counterpart of userID, or "" if userID is not
// a participant.
func (r *Relationship) OtherParticipant(userID string) string {
	switch userID {
	case r.UserLow:
		return r.UserHigh
	case r.UserHigh:
		return r.UserLow
	}
	return ""
}

// Profiles decodes the embedded profile cache. A missing or corrupt column
// yields an empty map rather than an error; the cache is advisory.
func (r *Relationship) Profiles() map[string]CachedProfile {
	out := make(map[string]CachedProfile)
	if len(r.CachedProfiles) == 0 {
		return out
	}
	if err := json.Unmarshal(r.CachedProfiles, &out); err != nil {
		return make(map[string]CachedProfile)
	}
	return out
}

// SetProfiles encodes the profile cache map back into the JSON column.
func (r *Relationship) SetProfiles(profiles map[string]CachedProfile) error {
	raw, err := json.Marshal(profiles)
	if err != nil {
		return err
	}
	r.CachedProfiles = datatypes.JSON(raw)
	return nil
}
