// Package apikeys manages long-lived credentials for programmatic access to
// the management API. The plain key is returned once at creation.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanly/scanly/pkg/scanly/auth"
	"github.com/scanly/scanly/pkg/scanly/models"
	"gorm.io/gorm"
)

const (
	// Prefix marks a bearer token as an API key rather than a JWT.
	Prefix = "scn_"
	// secretBytes of randomness follow the prefix, hex encoded.
	secretBytes = 24
	hintLength  = 4

	// lastUsedResolution limits last_used_at writes to one per key per interval.
	lastUsedResolution = time.Minute
	maxExpiryDays      = 3650
)

var (
	// ErrUnknownKey is returned for keys that do not exist or were deleted.
	ErrUnknownKey = errors.New("unknown api key")
	// ErrKeyExpired is returned for keys past their expiry.
	ErrKeyExpired = errors.New("api key expired")
)

// Handler handles API key requests
type Handler struct {
	db  *gorm.DB
	now func() time.Time
}

// NewHandler creates a new API keys handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db, now: time.Now}
}

// CreateAPIKeyRequest represents a request to create an API key
type CreateAPIKeyRequest struct {
	Name          string `json:"name" binding:"required,max=100"`
	ExpiresInDays int    `json:"expires_in_days" binding:"omitempty,min=1"`
}

// APIKeyResponse represents an API key in responses
type APIKeyResponse struct {
	ID         uint       `json:"id"`
	Name       string     `json:"name"`
	Hint       string     `json:"hint"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateAPIKeyResponse carries the plain key, which is never shown again.
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func toResponse(k models.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		Hint:       k.Hint,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// NewKey returns a fresh plain key.
func NewKey() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(b), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Create issues a key for the caller
// @Summary Create an API key
// @Tags api-keys
// @Accept json
// @Produce json
// @Param request body CreateAPIKeyRequest true "Key details"
// @Success 201 {object} CreateAPIKeyResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Security BearerAuth
// @Router /api-keys [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpiresInDays > maxExpiryDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in_days is too large"})
		return
	}

	key, err := NewKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate API key"})
		return
	}

	apiKey := models.APIKey{
		UserID:  userID,
		Name:    strings.TrimSpace(req.Name),
		KeyHash: hashKey(key),
		Hint:    key[len(key)-hintLength:],
	}
	if req.ExpiresInDays > 0 {
		expires := h.now().AddDate(0, 0, req.ExpiresInDays)
		apiKey.ExpiresAt = &expires
	}
	if err := h.db.Create(&apiKey).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{APIKeyResponse: toResponse(apiKey), Key: key})
}

// List returns the caller's keys without their secrets
// @Summary List API keys
// @Tags api-keys
// @Produce json
// @Success 200 {array} APIKeyResponse
// @Security BearerAuth
// @Router /api-keys [get]
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var keys []models.APIKey
	if err := h.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch API keys"})
		return
	}

	responses := make([]APIKeyResponse, len(keys))
	for i, k := range keys {
		responses[i] = toResponse(k)
	}
	c.JSON(http.StatusOK, responses)
}

// Delete revokes a key
// @Summary Revoke an API key
// @Tags api-keys
// @Param id path int true "Key ID"
// @Success 200 {object} map[string]string "API key deleted"
// @Failure 404 {object} map[string]string "API key not found"
// @Security BearerAuth
// @Router /api-keys/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid API key ID"})
		return
	}

	result := h.db.Where("id = ? AND user_id = ?", id, userID).Delete(&models.APIKey{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete API key"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "API key deleted"})
}

// Authenticate resolves a plain key to its stored record.
func Authenticate(db *gorm.DB, key string, now time.Time) (*models.APIKey, error) {
	var apiKey models.APIKey
	err := db.Where("key_hash = ?", hashKey(key)).First(&apiKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrUnknownKey
	case err != nil:
		return nil, err
	}
	if apiKey.Expired(now) {
		return nil, ErrKeyExpired
	}
	return &apiKey, nil
}

// TouchLastUsed records use of a key at most once per lastUsedResolution.
func TouchLastUsed(db *gorm.DB, id uint, now time.Time) error {
	return db.Model(&models.APIKey{}).
		Where("id = ? AND (last_used_at IS NULL OR last_used_at < ?)", id, now.Add(-lastUsedResolution)).
		UpdateColumn("last_used_at", now).Error
}

// CombinedAuthMiddleware accepts either a JWT or an API key as the bearer
// token. API keys are recognised by Prefix.
func CombinedAuthMiddleware(db *gorm.DB, tokens *auth.Tokens) gin.HandlerFunc {
	jwtOnly := auth.AuthMiddleware(tokens)

	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c)
		if !ok || !strings.HasPrefix(token, Prefix) {
			jwtOnly(c)
			return
		}

		now := time.Now()
		apiKey, err := Authenticate(db, token, now)
		if err != nil {
			msg := "Invalid API key"
			if errors.Is(err, ErrKeyExpired) {
				msg = "API key expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		var user models.User
		if err := db.First(&user, apiKey.UserID).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			return
		}

		// A failed timestamp write does not reject the request.
		_ = TouchLastUsed(db, apiKey.ID, now)

		auth.SetIdentity(c, user.ID, user.Email, string(user.SystemRole))
		c.Next()
	}
}

// RegisterRoutes registers API key routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/api-keys", h.Create)
	rg.GET("/api-keys", h.List)
	rg.DELETE("/api-keys/:id", h.Delete)
}
