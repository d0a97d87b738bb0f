package models

import (
	"time"

	"gorm.io/gorm"
)

// APIKey is a long-lived credential for scripts and integrations that create
// links and fetch scan stats. Only the SHA-256 of the key is stored.
type APIKey struct {
	ID         uint           `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	UserID     uint           `gorm:"not null;index" json:"user_id"`
	Name       string         `gorm:"not null" json:"name"`
	KeyHash    string         `gorm:"uniqueIndex;not null" json:"-"`
	Hint       string         `gorm:"size:16;not null" json:"hint"` // last characters of the key
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`

	// Relationships
	User User `gorm:"foreignKey:UserID" json:"-"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
