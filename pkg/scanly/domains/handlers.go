// Package domains lets users register custom hostnames and prove ownership
// through DNS before links may be served from them.
package domains

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/scanly/scanly/pkg/scanly/auth"
	"github.com/scanly/scanly/pkg/scanly/dnsverify"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"github.com/scanly/scanly/pkg/scanly/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hostnameRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

// Handler handles custom domain requests
type Handler struct {
	db      *gorm.DB
	checker *dnsverify.Checker
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHandler creates a new domains handler
func NewHandler(db *gorm.DB, checker *dnsverify.Checker, log *zap.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{db: db, checker: checker, log: log, metrics: m, now: time.Now}
}

// CreateDomainRequest represents the request to register a domain
type CreateDomainRequest struct {
	Domain string `json:"domain" binding:"required"`
}

// DNSInstructions tells the owner which records to publish.
type DNSInstructions struct {
	TXTName     string `json:"txt_name"`
	TXTRecord   string `json:"txt_record"`
	CNAMEName   string `json:"cname_name"`
	CNAMETarget string `json:"cname_target"`
}

// DomainResponse represents a domain in API responses
type DomainResponse struct {
	ID         uint             `json:"id"`
	Domain     string           `json:"domain"`
	Verified   bool             `json:"verified"`
	VerifiedAt *time.Time       `json:"verified_at,omitempty"`
	DNS        *DNSInstructions `json:"dns,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// VerifyResponse is the outcome of a verification attempt.
type VerifyResponse struct {
	Verified        bool   `json:"verified"`
	AlreadyVerified bool   `json:"already_verified,omitempty"`
	CNAMEConfigured bool   `json:"cname_configured"`
	TXTRecord       string `json:"txt_record"`
	CNAMETarget     string `json:"cname_target"`
}

func (h *Handler) instructions(d models.CustomDomain) *DNSInstructions {
	return &DNSInstructions{
		TXTName:     d.Domain,
		TXTRecord:   d.ExpectedTXT(),
		CNAMEName:   d.Domain,
		CNAMETarget: h.checker.PlatformHost(),
	}
}

func toResponse(d models.CustomDomain) DomainResponse {
	return DomainResponse{
		ID:         d.ID,
		Domain:     d.Domain,
		Verified:   d.Verified,
		VerifiedAt: d.VerifiedAt,
		CreatedAt:  d.CreatedAt,
	}
}

// NormalizeDomain lowercases a hostname and strips a trailing dot. It returns
// an empty string when the result is not a plausible hostname.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "."))
	if len(d) > 253 || !hostnameRegex.MatchString(d) {
		return ""
	}
	return d
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid domain ID"})
		return 0, false
	}
	return uint(id), true
}

// findOwned loads the domain in the :id param. A domain owned by someone
// else answers 403.
func (h *Handler) findOwned(c *gin.Context) (*models.CustomDomain, bool) {
	userID, _ := auth.GetUserID(c)
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}

	var domain models.CustomDomain
	if err := h.db.First(&domain, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Domain not found"})
		return nil, false
	}
	if domain.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You don't own this domain"})
		return nil, false
	}
	return &domain, true
}

// Create registers a domain and issues its verification token
// @Summary Register a custom domain
// @Tags domains
// @Accept json
// @Produce json
// @Param request body CreateDomainRequest true "Domain"
// @Success 201 {object} DomainResponse
// @Failure 400 {object} map[string]string "Invalid domain"
// @Failure 409 {object} map[string]string "Domain already registered"
// @Security BearerAuth
// @Router /domains [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := NormalizeDomain(req.Domain)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid domain name"})
		return
	}

	var existing models.CustomDomain
	if err := h.db.Where("domain = ?", name).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Domain already registered"})
		return
	}

	domain := models.CustomDomain{
		OwnerID:           userID,
		Domain:            name,
		VerificationToken: uuid.NewString(),
	}
	if err := h.db.Create(&domain).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create domain"})
		return
	}

	resp := toResponse(domain)
	resp.DNS = h.instructions(domain)
	c.JSON(http.StatusCreated, resp)
}

// List returns the caller's domains
// @Summary List custom domains
// @Tags domains
// @Produce json
// @Success 200 {array} DomainResponse
// @Security BearerAuth
// @Router /domains [get]
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var domains []models.CustomDomain
	if err := h.db.Where("owner_id = ?", userID).Order("domain").Find(&domains).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch domains"})
		return
	}

	responses := make([]DomainResponse, len(domains))
	for i, d := range domains {
		responses[i] = toResponse(d)
	}
	c.JSON(http.StatusOK, responses)
}

// Get returns a domain with the DNS records to publish
// @Summary Get a custom domain
// @Tags domains
// @Produce json
// @Param id path int true "Domain ID"
// @Success 200 {object} DomainResponse
// @Failure 403 {object} map[string]string "Not the owner"
// @Failure 404 {object} map[string]string "Domain not found"
// @Security BearerAuth
// @Router /domains/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	domain, ok := h.findOwned(c)
	if !ok {
		return
	}

	resp := toResponse(*domain)
	resp.DNS = h.instructions(*domain)
	c.JSON(http.StatusOK, resp)
}

// Delete removes a domain. Links bound to it fall back to global resolution.
// @Summary Delete a custom domain
// @Tags domains
// @Param id path int true "Domain ID"
// @Success 200 {object} map[string]string "Domain deleted"
// @Failure 403 {object} map[string]string "Not the owner"
// @Failure 404 {object} map[string]string "Domain not found"
// @Security BearerAuth
// @Router /domains/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	domain, ok := h.findOwned(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Link{}).Unscoped().
			Where("custom_domain_id = ?", domain.ID).
			UpdateColumn("custom_domain_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(domain).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete domain"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Domain deleted"})
}

// Verify checks the domain's DNS records and marks it verified when the TXT
// record matches. The CNAME result is reported but not required.
// @Summary Verify a custom domain
// @Tags domains
// @Produce json
// @Param id path int true "Domain ID"
// @Success 200 {object} VerifyResponse
// @Failure 403 {object} map[string]string "Not the owner"
// @Failure 404 {object} map[string]string "Domain not found"
// @Security BearerAuth
// @Router /domains/{id}/verify [post]
func (h *Handler) Verify(c *gin.Context) {
	domain, ok := h.findOwned(c)
	if !ok {
		return
	}

	resp := VerifyResponse{
		TXTRecord:   domain.ExpectedTXT(),
		CNAMETarget: h.checker.PlatformHost(),
	}

	if domain.Verified {
		h.metrics.ObserveDomainCheck("already_verified")
		resp.Verified = true
		resp.AlreadyVerified = true
		c.JSON(http.StatusOK, resp)
		return
	}

	result := h.checker.Check(c.Request.Context(), domain.Domain, domain.ExpectedTXT())
	resp.Verified = result.Verified()
	resp.CNAMEConfigured = result.CNAMEConfigured

	if !result.Verified() {
		h.metrics.ObserveDomainCheck("unverified")
		c.JSON(http.StatusOK, resp)
		return
	}

	if err := h.markVerified(domain.ID); err != nil {
		h.log.Error("failed to persist domain verification",
			zap.Uint("domain_id", domain.ID),
			zap.String("domain", domain.Domain),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save verification"})
		return
	}

	h.metrics.ObserveDomainCheck("verified")
	h.log.Info("domain verified",
		zap.Uint("domain_id", domain.ID),
		zap.String("domain", domain.Domain),
		zap.Bool("cname_configured", result.CNAMEConfigured),
	)
	c.JSON(http.StatusOK, resp)
}

// markVerified flips verified once. A concurrent request that already flipped
// it matches no rows, which is not an error.
func (h *Handler) markVerified(id uint) error {
	now := h.now()
	err := h.db.Model(&models.CustomDomain{}).
		Where("id = ? AND verified = ?", id, false).
		Updates(map[string]any{"verified": true, "verified_at": now}).Error
	if err != nil {
		return fmt.Errorf("mark domain %d verified: %w", id, err)
	}
	return nil
}

// RegisterRoutes registers domain routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/domains", h.Create)
	rg.GET("/domains", h.List)
	rg.GET("/domains/:id", h.Get)
	rg.DELETE("/domains/:id", h.Delete)
	rg.POST("/domains/:id/verify", h.Verify)
}
