package links

import (
	"cmp"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanly/scanly/pkg/scanly/models"
	"gorm.io/gorm"
)

// VariantStats counts scans attributed to one variant.
type VariantStats struct {
	VariantID string `json:"variant_id"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
	Scans     int64  `json:"scans"`
}

// StatsResponse summarises the scans of a link.
type StatsResponse struct {
	LinkID        uint             `json:"link_id"`
	TotalScans    int64            `json:"total_scans"`
	Unattributed  int64            `json:"unattributed_scans"`
	Variants      []VariantStats   `json:"variants"`
	Countries     map[string]int64 `json:"countries"`
	LastScannedAt *time.Time       `json:"last_scanned_at,omitempty"`
}

type groupCount struct {
	Bucket *string
	Count  int64
}

// Stats returns scan totals for a link, broken down by variant and country
// @Summary Link scan statistics
// @Tags links
// @Produce json
// @Param id path int true "Link ID"
// @Success 200 {object} StatsResponse
// @Failure 404 {object} map[string]string "Link not found"
// @Security BearerAuth
// @Router /links/{id}/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	link, ok := h.findOwnedLink(c)
	if !ok {
		return
	}

	resp := StatsResponse{
		LinkID:    link.ID,
		Variants:  []VariantStats{},
		Countries: map[string]int64{},
	}

	scans := h.db.Model(&models.Scan{}).Where("link_id = ?", link.ID)

	var byVariant []groupCount
	if err := scans.Session(&gorm.Session{}).
		Select("variant_id AS bucket, COUNT(*) AS count").
		Group("variant_id").
		Scan(&byVariant).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}

	var byCountry []groupCount
	if err := scans.Session(&gorm.Session{}).
		Select("country AS bucket, COUNT(*) AS count").
		Group("country").
		Scan(&byCountry).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}

	var last models.Scan
	if err := scans.Session(&gorm.Session{}).Order("created_at DESC").Limit(1).Find(&last).Error; err == nil && last.ID != 0 {
		resp.LastScannedAt = &last.CreatedAt
	}

	// Name and URL come from the current test; variants removed since are
	// still reported by id.
	known := map[string]models.Variant{}
	var test models.ABTest
	if res := h.db.Where("link_id = ?", link.ID).Limit(1).Find(&test); res.Error == nil && res.RowsAffected > 0 {
		for _, v := range test.Variants {
			known[v.ID] = v
		}
	}

	for _, row := range byVariant {
		resp.TotalScans += row.Count
		if row.Bucket == nil {
			resp.Unattributed += row.Count
			continue
		}
		v := known[*row.Bucket]
		resp.Variants = append(resp.Variants, VariantStats{
			VariantID: *row.Bucket,
			Name:      v.Name,
			URL:       v.URL,
			Scans:     row.Count,
		})
	}

	slices.SortFunc(resp.Variants, func(a, b VariantStats) int {
		return cmp.Or(cmp.Compare(b.Scans, a.Scans), cmp.Compare(a.VariantID, b.VariantID))
	})

	for _, row := range byCountry {
		country := "unknown"
		if row.Bucket != nil && *row.Bucket != "" {
			country = *row.Bucket
		}
		resp.Countries[country] += row.Count
	}

	c.JSON(http.StatusOK, resp)
}
