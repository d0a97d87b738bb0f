package models

import "time"

// TXTPrefix is prepended to the verification token in the expected TXT record.
const TXTPrefix = "qr-verify="

// CustomDomain is a hostname a user can bind links to once DNS proves ownership.
// Verified only ever moves from false to true.
type CustomDomain struct {
	ID                uint       `gorm:"primarykey" json:"id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	OwnerID           uint       `gorm:"not null;index" json:"owner_id"`
	Domain            string     `gorm:"uniqueIndex;not null" json:"domain"`
	VerificationToken string     `gorm:"not null" json:"-"`
	Verified          bool       `gorm:"not null" json:"verified"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`

	// Relationships
	Owner User `gorm:"foreignKey:OwnerID" json:"-"`
}

// ExpectedTXT returns the TXT record value that proves ownership.
func (d *CustomDomain) ExpectedTXT() string {
	return TXTPrefix + d.VerificationToken
}
