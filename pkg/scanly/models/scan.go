package models

import "time"

// Scan is one recorded resolution of a link. Rows are append-only.
type Scan struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	LinkID    uint      `gorm:"not null;index" json:"link_id"`
	VariantID *string   `gorm:"index" json:"variant_id,omitempty"`
	UserAgent string    `json:"user_agent"`
	IP        string    `gorm:"size:45" json:"ip"`
	Country   string    `gorm:"size:8" json:"country"`
	Referer   string    `json:"referer"`
}
