package unlock

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanly/scanly/pkg/scanly/auth"
	"github.com/scanly/scanly/pkg/scanly/models"
	"github.com/scanly/scanly/pkg/scanly/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []recorder.Event
}

func (r *captureRecorder) Record(ev recorder.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func createProtectedLink(t *testing.T, db *gorm.DB, password string) models.Link {
	user := models.User{Email: "owner@example.com", Name: "Owner"}
	require.NoError(t, db.Create(&user).Error)

	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	link := models.Link{
		OwnerID:             user.ID,
		Code:                "secret",
		TargetURL:           "example.com/vip",
		IsActive:            true,
		IsPasswordProtected: true,
		PasswordHash:        &hash,
	}
	require.NoError(t, db.Create(&link).Error)
	return link
}

func setupRouter(db *gorm.DB, rec recorder.Recorder, throttle *Throttle) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(db, rec, throttle, zap.NewNop(), nil, Options{}).RegisterRoutes(r)
	return r
}

func postUnlock(r *gin.Engine, id uint, password string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("id", strconv.FormatUint(uint64(id), 10))
	form.Set("password", password)
	req := httptest.NewRequest(http.MethodPost, "/r/password", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestFormRendersHiddenID(t *testing.T) {
	r := setupRouter(setupTestDB(t), nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/password?id=42&error=1", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), `name="id" value="42"`)
	assert.Contains(t, w.Body.String(), "Incorrect password")
}

func TestFormWithoutIDGoesHome(t *testing.T) {
	r := setupRouter(setupTestDB(t), nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/password?id=abc", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestUnlockCorrectPassword(t *testing.T) {
	db := setupTestDB(t)
	link := createProtectedLink(t, db, "open-sesame")
	rec := &captureRecorder{}
	r := setupRouter(db, rec, nil)

	w := postUnlock(r, link.ID, "open-sesame")

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/vip", w.Header().Get("Location"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	require.Len(t, rec.events, 1)
	assert.Equal(t, link.ID, rec.events[0].LinkID)
	assert.Equal(t, "203.0.113.7", rec.events[0].IP)
}

func TestUnlockWrongPassword(t *testing.T) {
	db := setupTestDB(t)
	link := createProtectedLink(t, db, "open-sesame")
	rec := &captureRecorder{}
	r := setupRouter(db, rec, nil)

	w := postUnlock(r, link.ID, "guess")

	assert.Equal(t, http.StatusSeeOther, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/r/password", loc.Path)
	assert.Equal(t, "1", loc.Query().Get("error"))
	assert.Equal(t, strconv.FormatUint(uint64(link.ID), 10), loc.Query().Get("id"))
	assert.Empty(t, rec.events)
}

func TestUnlockDeadLinkGoesToExpired(t *testing.T) {
	db := setupTestDB(t)
	link := createProtectedLink(t, db, "open-sesame")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&link).UpdateColumn("expires_at", past).Error)
	rec := &captureRecorder{}
	r := setupRouter(db, rec, nil)

	w := postUnlock(r, link.ID, "open-sesame")

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/expired", w.Header().Get("Location"))
	assert.Empty(t, rec.events)

	var stored models.Link
	require.NoError(t, db.First(&stored, link.ID).Error)
	assert.False(t, stored.IsActive)
}

func TestUnlockUnknownLinkGoesHome(t *testing.T) {
	r := setupRouter(setupTestDB(t), nil, nil)

	w := postUnlock(r, 999, "whatever")

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestUnlockProtectionSwitchedOff(t *testing.T) {
	db := setupTestDB(t)
	link := createProtectedLink(t, db, "open-sesame")
	require.NoError(t, db.Model(&link).UpdateColumn("is_password_protected", false).Error)
	r := setupRouter(db, nil, nil)

	w := postUnlock(r, link.ID, "")

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/vip", w.Header().Get("Location"))
}

func TestUnlockSelectsVariant(t *testing.T) {
	db := setupTestDB(t)
	link := createProtectedLink(t, db, "open-sesame")
	require.NoError(t, db.Create(&models.ABTest{
		LinkID:   link.ID,
		IsActive: true,
		Variants: []models.Variant{{ID: "only", URL: "https://variant.example.com", Weight: 1}},
	}).Error)
	rec := &captureRecorder{}
	r := setupRouter(db, rec, nil)

	w := postUnlock(r, link.ID, "open-sesame")

	assert.Equal(t, "https://variant.example.com", w.Header().Get("Location"))
	require.Len(t, rec.events, 1)
	require.NotNil(t, rec.events[0].VariantID)
	assert.Equal(t, "only", *rec.events[0].VariantID)
}

func TestUnlockThrottled(t *testing.T) {
	db := setupTestDB(t)
	link := createProtectedLink(t, db, "open-sesame")
	r := setupRouter(db, nil, NewThrottle(2, time.Hour))

	assert.Equal(t, http.StatusSeeOther, postUnlock(r, link.ID, "a").Code)
	assert.Equal(t, http.StatusSeeOther, postUnlock(r, link.ID, "b").Code)

	w := postUnlock(r, link.ID, "open-sesame")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestThrottleRefillsAndSweeps(t *testing.T) {
	th := NewThrottle(1, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("1|a"))
	assert.False(t, th.Allow("1|a"))
	assert.True(t, th.Allow("1|b"), "keys are independent")

	now = now.Add(time.Minute)
	assert.True(t, th.Allow("1|a"))

	now = now.Add(2 * time.Minute)
	th.mu.Lock()
	th.sweep(now)
	th.mu.Unlock()
	assert.Equal(t, 0, th.Len())
}
