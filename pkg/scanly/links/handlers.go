// Package links is the owner-facing management API for short links and the
// QR codes printed from them.
package links

import (
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanly/scanly/pkg/scanly/auth"
	"github.com/scanly/scanly/pkg/scanly/models"
	"gorm.io/gorm"
)

var codeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// reservedCodes collide with top-level routes served next to /:code.
var reservedCodes = []string{
	"api", "health", "metrics", "r", "expired", "password",
	"admin", "login", "logout", "register", "auth",
}

const (
	codeCharset    = "abcdefghijklmnopqrstuvwxyz0123456789"
	codeLength     = 8
	fallbackLength = 12
)

// Handler handles link-related requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new links handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// CreateLinkRequest represents the request to create a link
type CreateLinkRequest struct {
	TargetURL      string     `json:"target_url" binding:"required"`
	Code           string     `json:"code" binding:"omitempty,min=1,max=50"`
	Title          string     `json:"title"`
	CustomDomainID *uint      `json:"custom_domain_id"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxScans       *int       `json:"max_scans" binding:"omitempty,min=1"`
	Password       string     `json:"password"`
}

// UpdateLinkRequest represents the request to update a link. Nil fields are
// left unchanged; the Clear* flags remove optional values.
type UpdateLinkRequest struct {
	TargetURL      *string    `json:"target_url"`
	Code           string     `json:"code" binding:"omitempty,min=1,max=50"`
	Title          *string    `json:"title"`
	IsActive       *bool      `json:"is_active"`
	CustomDomainID *uint      `json:"custom_domain_id"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxScans       *int       `json:"max_scans" binding:"omitempty,min=1"`

	ClearCustomDomain bool `json:"clear_custom_domain"`
	ClearExpiresAt    bool `json:"clear_expires_at"`
	ClearMaxScans     bool `json:"clear_max_scans"`

	// Password sets a new password. An empty string turns protection off and
	// keeps the stored hash so it can be re-enabled later.
	Password *string `json:"password"`
}

// LinkResponse represents a link in API responses
type LinkResponse struct {
	ID                  uint           `json:"id"`
	Code                string         `json:"code"`
	TargetURL           string         `json:"target_url"`
	Title               string         `json:"title"`
	CustomDomainID      *uint          `json:"custom_domain_id,omitempty"`
	IsActive            bool           `json:"is_active"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	MaxScans            *int           `json:"max_scans,omitempty"`
	IsPasswordProtected bool           `json:"is_password_protected"`
	ScanCount           *int64         `json:"scan_count,omitempty"`
	ABTest              *models.ABTest `json:"ab_test,omitempty"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
}

func linkToResponse(link models.Link) LinkResponse {
	return LinkResponse{
		ID:                  link.ID,
		Code:                link.Code,
		TargetURL:           link.TargetURL,
		Title:               link.Title,
		CustomDomainID:      link.CustomDomainID,
		IsActive:            link.IsActive,
		ExpiresAt:           link.ExpiresAt,
		MaxScans:            link.MaxScans,
		IsPasswordProtected: link.IsPasswordProtected,
		ABTest:              link.ABTest,
		CreatedAt:           link.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:           link.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateCode checks if a code is well formed, not reserved and unused.
// Soft-deleted links keep their code.
func (h *Handler) validateCode(code string, excludeID uint) error {
	if !codeRegex.MatchString(code) {
		return &ValidationError{"Code must contain only letters, numbers, hyphens, and underscores"}
	}

	for _, r := range reservedCodes {
		if strings.EqualFold(code, r) {
			return &ValidationError{"This code is reserved"}
		}
	}

	var existing models.Link
	query := h.db.Unscoped().Where("code = ?", code)
	if excludeID > 0 {
		query = query.Where("id != ?", excludeID)
	}
	if err := query.First(&existing).Error; err == nil {
		return &ValidationError{"This code is already taken"}
	}

	return nil
}

func generateRandomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = codeCharset[rand.IntN(len(codeCharset))]
	}
	return string(b)
}

// generateCode creates an unused code.
func (h *Handler) generateCode() string {
	for attempts := 0; attempts < 10; attempts++ {
		code := generateRandomString(codeLength)
		var existing models.Link
		if err := h.db.Unscoped().Where("code = ?", code).First(&existing).Error; err != nil {
			return code
		}
	}

	// Fallback to a longer code if short ones keep colliding
	return generateRandomString(fallbackLength)
}

var (
	errDomainNotFound   = &ValidationError{"Custom domain not found"}
	errDomainUnverified = &ValidationError{"Custom domain must be verified before links can use it"}
)

// checkDomain verifies the caller owns a verified domain.
func (h *Handler) checkDomain(userID, domainID uint) error {
	var domain models.CustomDomain
	if err := h.db.Where("id = ? AND owner_id = ?", domainID, userID).First(&domain).Error; err != nil {
		return errDomainNotFound
	}
	if !domain.Verified {
		return errDomainUnverified
	}
	return nil
}

// findOwnedLink loads the link in the :id param if the caller owns it.
// Links owned by someone else are reported as not found.
func (h *Handler) findOwnedLink(c *gin.Context) (*models.Link, bool) {
	userID, _ := auth.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid link ID"})
		return nil, false
	}

	var link models.Link
	if err := h.db.Where("id = ? AND owner_id = ?", id, userID).First(&link).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Link not found"})
		return nil, false
	}
	return &link, true
}

func (h *Handler) scanCount(linkID uint) (int64, error) {
	var n int64
	err := h.db.Model(&models.Scan{}).Where("link_id = ?", linkID).Count(&n).Error
	return n, err
}

// Create creates a new link
// @Summary Create a link
// @Tags links
// @Accept json
// @Produce json
// @Param request body CreateLinkRequest true "Link details"
// @Success 201 {object} LinkResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Security BearerAuth
// @Router /links [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.TargetURL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_url is required"})
		return
	}

	code := req.Code
	if code == "" {
		code = h.generateCode()
	} else if err := h.validateCode(code, 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.CustomDomainID != nil {
		if err := h.checkDomain(userID, *req.CustomDomainID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	link := models.Link{
		OwnerID:        userID,
		Code:           code,
		CustomDomainID: req.CustomDomainID,
		TargetURL:      strings.TrimSpace(req.TargetURL),
		Title:          req.Title,
		IsActive:       true,
		ExpiresAt:      req.ExpiresAt,
		MaxScans:       req.MaxScans,
	}

	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
			return
		}
		link.PasswordHash = &hash
		link.IsPasswordProtected = true
	}

	if err := h.db.Create(&link).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create link"})
		return
	}

	c.JSON(http.StatusCreated, linkToResponse(link))
}

// List returns the caller's links, newest first
// @Summary List links
// @Tags links
// @Produce json
// @Param is_active query bool false "Filter by active status"
// @Param limit query int false "Max results (default 50, max 100)"
// @Param offset query int false "Offset for pagination"
// @Success 200 {array} LinkResponse
// @Security BearerAuth
// @Router /links [get]
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = min(l, 100)
	}
	offset := 0
	if o, err := strconv.Atoi(c.Query("offset")); err == nil && o > 0 {
		offset = o
	}

	query := h.db.Where("owner_id = ?", userID).Order("created_at DESC").Limit(limit).Offset(offset)
	if isActive := c.Query("is_active"); isActive != "" {
		query = query.Where("is_active = ?", isActive == "true")
	}

	var links []models.Link
	if err := query.Find(&links).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch links"})
		return
	}

	responses := make([]LinkResponse, len(links))
	for i, link := range links {
		responses[i] = linkToResponse(link)
	}

	c.JSON(http.StatusOK, responses)
}

// Get returns one link with its scan count and A/B test
// @Summary Get a link
// @Tags links
// @Produce json
// @Param id path int true "Link ID"
// @Success 200 {object} LinkResponse
// @Failure 404 {object} map[string]string "Link not found"
// @Security BearerAuth
// @Router /links/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	link, ok := h.findOwnedLink(c)
	if !ok {
		return
	}

	var test models.ABTest
	if res := h.db.Where("link_id = ?", link.ID).Limit(1).Find(&test); res.Error == nil && res.RowsAffected > 0 {
		link.ABTest = &test
	}

	count, err := h.scanCount(link.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count scans"})
		return
	}

	resp := linkToResponse(*link)
	resp.ScanCount = &count
	c.JSON(http.StatusOK, resp)
}

// Update updates a link
// @Summary Update a link
// @Tags links
// @Accept json
// @Produce json
// @Param id path int true "Link ID"
// @Param request body UpdateLinkRequest true "Fields to update"
// @Success 200 {object} LinkResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 404 {object} map[string]string "Link not found"
// @Security BearerAuth
// @Router /links/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	link, ok := h.findOwnedLink(c)
	if !ok {
		return
	}

	var req UpdateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Code != "" && req.Code != link.Code {
		if err := h.validateCode(req.Code, link.ID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		link.Code = req.Code
	}

	if req.TargetURL != nil {
		target := strings.TrimSpace(*req.TargetURL)
		if target == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "target_url cannot be empty"})
			return
		}
		link.TargetURL = target
	}
	if req.Title != nil {
		link.Title = *req.Title
	}
	if req.IsActive != nil {
		link.IsActive = *req.IsActive
	}

	switch {
	case req.ClearCustomDomain:
		link.CustomDomainID = nil
	case req.CustomDomainID != nil:
		if err := h.checkDomain(userID, *req.CustomDomainID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		link.CustomDomainID = req.CustomDomainID
	}

	switch {
	case req.ClearExpiresAt:
		link.ExpiresAt = nil
	case req.ExpiresAt != nil:
		link.ExpiresAt = req.ExpiresAt
	}

	switch {
	case req.ClearMaxScans:
		link.MaxScans = nil
	case req.MaxScans != nil:
		link.MaxScans = req.MaxScans
	}

	if req.Password != nil {
		if *req.Password == "" {
			link.IsPasswordProtected = false
		} else {
			hash, err := auth.HashPassword(*req.Password)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
				return
			}
			link.PasswordHash = &hash
			link.IsPasswordProtected = true
		}
	}

	if err := h.db.Save(link).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update link"})
		return
	}

	c.JSON(http.StatusOK, linkToResponse(*link))
}

// Delete deletes a link and its A/B test. Recorded scans are kept.
// @Summary Delete a link
// @Tags links
// @Produce json
// @Param id path int true "Link ID"
// @Success 200 {object} map[string]string "Link deleted"
// @Failure 404 {object} map[string]string "Link not found"
// @Security BearerAuth
// @Router /links/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	link, ok := h.findOwnedLink(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("link_id = ?", link.ID).Delete(&models.ABTest{}).Error; err != nil {
			return err
		}
		return tx.Delete(link).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete link"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Link deleted"})
}

// RegisterRoutes registers link routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/links", h.Create)
	rg.GET("/links", h.List)
	rg.GET("/links/:id", h.Get)
	rg.PUT("/links/:id", h.Update)
	rg.DELETE("/links/:id", h.Delete)

	rg.PUT("/links/:id/abtest", h.PutABTest)
	rg.DELETE("/links/:id/abtest", h.DeleteABTest)
	rg.GET("/links/:id/stats", h.Stats)
}
