// Package redirect resolves scans of short codes into HTTP redirects.
//
// The public response is always a 302 (or a 429 from the rate limiter). Misses,
// denials and internal failures all become redirects so a phone camera never
// lands on an error page.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanly/scanly/pkg/scanly/gate"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"github.com/scanly/scanly/pkg/scanly/models"
	"github.com/scanly/scanly/pkg/scanly/ratelimit"
	"github.com/scanly/scanly/pkg/scanly/recorder"
	"github.com/scanly/scanly/pkg/scanly/selector"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Redirect outcomes used as metric labels.
const (
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Options configures where non-destination redirects go.
type Options struct {
	PlatformHost   string
	HomePath       string
	ExpiredPath    string
	PasswordPath   string
	CountryHeaders []string
	Source         selector.Source

	// SkipBots redirects crawlers without recording a scan.
	SkipBots bool
}

func (o *Options) setDefaults() {
	if o.HomePath == "" {
		o.HomePath = "/"
	}
	if o.ExpiredPath == "" {
		o.ExpiredPath = "/expired"
	}
	if o.PasswordPath == "" {
		o.PasswordPath = "/r/password"
	}
	if o.CountryHeaders == nil {
		o.CountryHeaders = recorder.DefaultCountryHeaders
	}
}

// Handler handles redirect requests
type Handler struct {
	db       *gorm.DB
	recorder recorder.Recorder
	limiter  ratelimit.Limiter
	log      *zap.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// NewHandler creates a new redirect handler. A nil limiter disables rate limiting.
func NewHandler(db *gorm.DB, rec recorder.Recorder, limiter ratelimit.Limiter, log *zap.Logger, m *metrics.Metrics, opts Options) *Handler {
	opts.setDefaults()
	if limiter == nil {
		limiter = ratelimit.AllowAll{}
	}
	return &Handler{
		db:       db,
		recorder: rec,
		limiter:  limiter,
		log:      log,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// Redirect resolves a scan of the short code in the path.
func (h *Handler) Redirect(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered panic while resolving scan",
				zap.Any("panic", r),
				zap.String("code", c.Param("code")),
			)
			h.metrics.ObserveRedirect(OutcomeError)
			if !c.Writer.Written() {
				NoCache(c, h.opts.HomePath)
			}
		}
	}()

	ctx := c.Request.Context()
	code := c.Param("code")

	link, err := h.lookup(ctx, code, RequestHost(c.Request))
	if err != nil {
		if errors.Is(err, errNotResolvable) {
			h.metrics.ObserveRedirect(OutcomeMiss)
		} else {
			h.log.Error("Failed to resolve link", zap.String("code", code), zap.Error(err))
			h.metrics.ObserveRedirect(OutcomeError)
		}
		NoCache(c, h.opts.HomePath)
		return
	}

	decision, err := Check(ctx, h.db, h.recorder, link, h.now(), h.log)
	if err != nil {
		h.log.Error("Failed to evaluate link", zap.Uint("link_id", link.ID), zap.Error(err))
		h.metrics.ObserveRedirect(OutcomeError)
		NoCache(c, h.opts.HomePath)
		return
	}
	h.metrics.ObserveRedirect(string(decision.Outcome))

	switch {
	case decision.Outcome.Denied():
		NoCache(c, h.opts.ExpiredPath)
		return
	case decision.Outcome == gate.RequireAuth:
		NoCache(c, h.opts.PasswordPath+"?id="+strconv.FormatUint(uint64(link.ID), 10))
		return
	}

	dest, variantID, err := Destination(ctx, h.db, link, h.opts.Source)
	if err != nil {
		h.log.Error("Failed to load A/B test", zap.Uint("link_id", link.ID), zap.Error(err))
		h.metrics.ObserveRedirect(OutcomeError)
		NoCache(c, h.opts.HomePath)
		return
	}

	h.record(c.Request, link.ID, variantID)
	NoCache(c, dest)
}

func (h *Handler) record(r *http.Request, linkID uint, variantID *string) {
	if h.recorder == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("Recovered panic while recording scan", zap.Any("panic", p), zap.Uint("link_id", linkID))
		}
	}()
	if h.opts.SkipBots && recorder.IsBot(r.UserAgent()) {
		return
	}
	h.recorder.Record(recorder.FromRequest(r, linkID, variantID, h.opts.CountryHeaders))
}

var errNotResolvable = errors.New("link not resolvable")

// lookup finds the link for code as seen from host. A host registered as a
// custom domain scopes the lookup to links bound to that domain, and the
// domain must be verified. Any other host resolves codes globally.
func (h *Handler) lookup(ctx context.Context, code, host string) (*models.Link, error) {
	if code == "" {
		return nil, errNotResolvable
	}
	db := h.db.WithContext(ctx)

	var domainID *uint
	if host != "" && !strings.EqualFold(host, h.opts.PlatformHost) {
		var domain models.CustomDomain
		err := db.Where("domain = ?", host).First(&domain).Error
		switch {
		case err == nil:
			if !domain.Verified {
				return nil, errNotResolvable
			}
			domainID = &domain.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return nil, fmt.Errorf("find custom domain: %w", err)
		}
	}

	var link models.Link
	if err := db.Where("code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotResolvable
		}
		return nil, fmt.Errorf("find link: %w", err)
	}

	if domainID != nil && (link.CustomDomainID == nil || *link.CustomDomainID != *domainID) {
		return nil, errNotResolvable
	}
	return &link, nil
}

// Check runs the scan gate for link and applies the lazy deactivation it asks
// for. Scans rec has accepted but not yet stored count toward the limit. A
// failed deactivation write is logged; the denial stands.
func Check(ctx context.Context, db *gorm.DB, rec recorder.Recorder, link *models.Link, now time.Time, log *zap.Logger) (gate.Decision, error) {
	counter := func() (int64, error) {
		return recorder.CountScans(ctx, db, rec, link.ID)
	}

	decision, err := gate.Evaluate(gate.FromLink(link, counter), now)
	if err != nil {
		return decision, fmt.Errorf("count scans: %w", err)
	}

	if decision.Deactivate {
		// Only ever flips true to false, so concurrent writers agree. The
		// write outlives a disconnected client.
		err := db.WithContext(context.WithoutCancel(ctx)).Model(&models.Link{}).
			Where("id = ? AND is_active = ?", link.ID, true).
			UpdateColumn("is_active", false).Error
		if err != nil {
			log.Warn("Failed to deactivate link", zap.Uint("link_id", link.ID), zap.Error(err))
		} else {
			link.IsActive = false
		}
	}
	return decision, nil
}

// Destination returns the normalized URL a proceeding scan is sent to, and the
// variant id when an active A/B test picked it.
func Destination(ctx context.Context, db *gorm.DB, link *models.Link, src selector.Source) (string, *string, error) {
	var test models.ABTest
	res := db.WithContext(ctx).Where("link_id = ? AND is_active = ?", link.ID, true).Limit(1).Find(&test)
	if res.Error != nil {
		return "", nil, res.Error
	}
	if res.RowsAffected == 0 {
		return NormalizeDestination(link.TargetURL), nil, nil
	}

	v, ok := selector.Select(test.Variants, src)
	if !ok {
		return NormalizeDestination(link.TargetURL), nil, nil
	}
	var variantID *string
	if v.ID != "" {
		id := v.ID
		variantID = &id
	}
	return NormalizeDestination(v.URL), variantID, nil
}

// NormalizeDestination prefixes https:// when raw has no http(s) scheme. If the
// result does not parse as a URL, raw is returned unchanged.
func NormalizeDestination(raw string) string {
	dest := raw
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		dest = "https://" + strings.TrimSpace(raw)
	}
	if _, err := url.Parse(dest); err != nil {
		return raw
	}
	return dest
}

// NoCache sends a 302 to location with headers that keep every cache in the
// chain from replaying it.
func NoCache(c *gin.Context, location string) {
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate, max-age=0")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Redirect(http.StatusFound, location)
}

// RequestHost returns the lowercased request host without port.
func RequestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// ScanKey keys the public rate limit by client IP.
func ScanKey(c *gin.Context) string {
	return "scan:" + recorder.ClientIP(c.Request)
}

// RegisterRoutes registers the redirect routes on the root router.
// This should be called AFTER all other routes to avoid conflicts.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	limit := ratelimit.Middleware(h.limiter, ScanKey, h.log, h.metrics)

	r.GET("/r/:code", limit, h.Redirect)
	r.GET("/:code", limit, h.Redirect)
}
