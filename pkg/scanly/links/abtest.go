package links

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/scanly/scanly/pkg/scanly/models"
	"gorm.io/gorm"
)

// VariantRequest is one destination in an A/B test request.
type VariantRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
	Name   string `json:"name"`
}

// ABTestRequest replaces the variants of a link's A/B test.
type ABTestRequest struct {
	IsActive *bool            `json:"is_active"`
	Variants []VariantRequest `json:"variants"`
}

// toVariants assigns ids to new variants and validates the set. Stored
// variants are trusted by the redirect path, so this is the only check.
func (r ABTestRequest) toVariants() ([]models.Variant, error) {
	variants := make([]models.Variant, len(r.Variants))
	for i, v := range r.Variants {
		variants[i] = models.Variant{ID: v.ID, URL: v.URL, Weight: v.Weight, Name: v.Name}
	}
	if err := models.ValidateVariants(variants); err != nil {
		return nil, err
	}
	for i := range variants {
		if variants[i].ID == "" {
			variants[i].ID = uuid.NewString()
		}
	}
	return variants, nil
}

// PutABTest creates or replaces the A/B test of a link
// @Summary Set a link's A/B test
// @Tags links
// @Accept json
// @Produce json
// @Param id path int true "Link ID"
// @Param request body ABTestRequest true "Variants"
// @Success 200 {object} models.ABTest
// @Failure 400 {object} map[string]string "Invalid variants"
// @Failure 404 {object} map[string]string "Link not found"
// @Security BearerAuth
// @Router /links/{id}/abtest [put]
func (h *Handler) PutABTest(c *gin.Context) {
	link, ok := h.findOwnedLink(c)
	if !ok {
		return
	}

	var req ABTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	variants, err := req.toVariants()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	var test models.ABTest
	err = h.db.Where("link_id = ?", link.ID).First(&test).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		test = models.ABTest{LinkID: link.ID, IsActive: active, Variants: variants}
		err = h.db.Create(&test).Error
	case err == nil:
		test.IsActive = active
		test.Variants = variants
		err = h.db.Save(&test).Error
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save A/B test"})
		return
	}

	c.JSON(http.StatusOK, test)
}

// DeleteABTest removes the A/B test of a link
// @Summary Remove a link's A/B test
// @Tags links
// @Param id path int true "Link ID"
// @Success 200 {object} map[string]string "A/B test deleted"
// @Failure 404 {object} map[string]string "Not found"
// @Security BearerAuth
// @Router /links/{id}/abtest [delete]
func (h *Handler) DeleteABTest(c *gin.Context) {
	link, ok := h.findOwnedLink(c)
	if !ok {
		return
	}

	result := h.db.Where("link_id = ?", link.ID).Delete(&models.ABTest{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete A/B test"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "A/B test not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "A/B test deleted"})
}
