package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxVariants bounds the number of destinations a single test may carry.
const MaxVariants = 10

// ErrInvalidVariant wraps every variant validation failure.
var ErrInvalidVariant = errors.New("invalid variant")

// Variant is one candidate destination of an A/B test.
type Variant struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
	Name   string `json:"name"`
}

// ABTest holds the weighted variants served for a link.
// There is at most one test per link; IsActive gates whether selection applies.
type ABTest struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LinkID    uint      `gorm:"uniqueIndex;not null" json:"link_id"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	Variants  []Variant `gorm:"serializer:json;type:text" json:"variants"`
}

// ValidateVariants checks a variant list when a test is created or updated.
// The redirect path trusts stored variants and does not call this.
func ValidateVariants(variants []Variant) error {
	if len(variants) == 0 {
		return fmt.Errorf("%w: at least one variant is required", ErrInvalidVariant)
	}
	if len(variants) > MaxVariants {
		return fmt.Errorf("%w: at most %d variants are allowed", ErrInvalidVariant, MaxVariants)
	}

	seen := make(map[string]bool, len(variants))
	for i, v := range variants {
		if strings.TrimSpace(v.URL) == "" {
			return fmt.Errorf("%w: variant %d has no url", ErrInvalidVariant, i)
		}
		if v.Weight < 0 {
			return fmt.Errorf("%w: variant %d has a negative weight", ErrInvalidVariant, i)
		}
		if v.ID != "" {
			if seen[v.ID] {
				return fmt.Errorf("%w: duplicate variant id %q", ErrInvalidVariant, v.ID)
			}
			seen[v.ID] = true
		}
	}
	return nil
}
