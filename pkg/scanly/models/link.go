package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrPasswordHashMissing is returned when a link is marked password protected
// without a stored hash.
var ErrPasswordHashMissing = errors.New("password protected link requires a password hash")

// Link is the resolvable entity behind a short code or a printed QR code.
// The scan count is never stored here; it is counted from Scan rows when needed.
type Link struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OwnerID        uint           `gorm:"not null;index" json:"owner_id"`
	Code           string         `gorm:"uniqueIndex;not null" json:"code"`
	CustomDomainID *uint          `gorm:"index" json:"custom_domain_id,omitempty"`
	TargetURL      string         `gorm:"not null" json:"target_url"` // may lack a scheme
	Title          string         `json:"title"`

	// Lifecycle. IsActive only ever moves from true to false inside the redirect engine.
	IsActive  bool       `gorm:"not null" json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxScans  *int       `json:"max_scans,omitempty"`

	// Protection is enforced only while IsPasswordProtected is true; the hash may outlive it.
	IsPasswordProtected bool    `gorm:"not null" json:"is_password_protected"`
	PasswordHash        *string `json:"-"`

	// Relationships
	Owner        User          `gorm:"foreignKey:OwnerID" json:"-"`
	CustomDomain *CustomDomain `gorm:"foreignKey:CustomDomainID" json:"-"`
	ABTest       *ABTest       `gorm:"foreignKey:LinkID" json:"ab_test,omitempty"`
}

// HasPasswordHash reports whether a non-empty hash is stored.
func (l *Link) HasPasswordHash() bool {
	return l.PasswordHash != nil && *l.PasswordHash != ""
}

// Validate checks the link invariants that must hold before it is persisted.
func (l *Link) Validate() error {
	if l.IsPasswordProtected && !l.HasPasswordHash() {
		return ErrPasswordHashMissing
	}
	return nil
}

// BeforeSave enforces Validate on every create and save.
func (l *Link) BeforeSave(tx *gorm.DB) error {
	return l.Validate()
}
