// Package unlock serves the password step for protected links. A correct
// password sends the visitor on to the destination exactly like an
// unprotected scan.
package unlock

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/scanly/scanly/pkg/scanly/auth"
	"github.com/scanly/scanly/pkg/scanly/gate"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"github.com/scanly/scanly/pkg/scanly/models"
	"github.com/scanly/scanly/pkg/scanly/recorder"
	"github.com/scanly/scanly/pkg/scanly/redirect"
	"github.com/scanly/scanly/pkg/scanly/selector"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutcomeUnlocked labels redirects that passed the password step.
const OutcomeUnlocked = "unlocked"

var formTemplate = template.Must(template.New("unlock").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>Password required</title>
</head>
<body>
<form method="post" action="{{.Action}}">
<h1>This link is password protected</h1>
{{if .Failed}}<p role="alert">Incorrect password. Please try again.</p>{{end}}
<input type="hidden" name="id" value="{{.ID}}">
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="current-password" required autofocus>
<button type="submit">Continue</button>
</form>
</body>
</html>
`))

// Options configures the unlock flow.
type Options struct {
	FormPath       string
	HomePath       string
	ExpiredPath    string
	CountryHeaders []string
	Source         selector.Source
}

func (o *Options) setDefaults() {
	if o.FormPath == "" {
		o.FormPath = "/r/password"
	}
	if o.HomePath == "" {
		o.HomePath = "/"
	}
	if o.ExpiredPath == "" {
		o.ExpiredPath = "/expired"
	}
	if o.CountryHeaders == nil {
		o.CountryHeaders = recorder.DefaultCountryHeaders
	}
}

// Handler handles password unlock requests
type Handler struct {
	db       *gorm.DB
	recorder recorder.Recorder
	throttle *Throttle
	log      *zap.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// NewHandler creates a new unlock handler
func NewHandler(db *gorm.DB, rec recorder.Recorder, throttle *Throttle, log *zap.Logger, m *metrics.Metrics, opts Options) *Handler {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		db:       db,
		recorder: rec,
		throttle: throttle,
		log:      log,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// UnlockRequest is the posted form.
type UnlockRequest struct {
	ID       uint   `form:"id" binding:"required"`
	Password string `form:"password"`
}

// Form renders the password prompt for ?id=.
func (h *Handler) Form(c *gin.Context) {
	id, err := strconv.ParseUint(c.Query("id"), 10, 32)
	if err != nil || id == 0 {
		redirect.NoCache(c, h.opts.HomePath)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Render(http.StatusOK, render.HTML{
		Template: formTemplate,
		Name:     "unlock",
		Data: gin.H{
			"Action": h.opts.FormPath,
			"ID":     id,
			"Failed": c.Query("error") == "1",
		},
	})
}

// Unlock checks the posted password and redirects to the destination.
func (h *Handler) Unlock(c *gin.Context) {
	var req UnlockRequest
	if err := c.ShouldBind(&req); err != nil {
		redirect.NoCache(c, h.opts.HomePath)
		return
	}

	ip := recorder.ClientIP(c.Request)
	if h.throttle != nil && !h.throttle.Allow(strconv.FormatUint(uint64(req.ID), 10)+"|"+ip) {
		h.metrics.ObserveRateLimited()
		c.Header("Retry-After", "60")
		c.String(http.StatusTooManyRequests, "Too many attempts. Please try again later.")
		return
	}

	ctx := c.Request.Context()
	var link models.Link
	if err := h.db.WithContext(ctx).First(&link, req.ID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			h.log.Error("Failed to load link for unlock", zap.Uint("link_id", req.ID), zap.Error(err))
		}
		redirect.NoCache(c, h.opts.HomePath)
		return
	}

	decision, err := redirect.Check(ctx, h.db, h.recorder, &link, h.now(), h.log)
	if err != nil {
		h.log.Error("Failed to evaluate link", zap.Uint("link_id", link.ID), zap.Error(err))
		redirect.NoCache(c, h.opts.HomePath)
		return
	}
	if decision.Outcome.Denied() {
		h.metrics.ObserveRedirect(string(decision.Outcome))
		redirect.NoCache(c, h.opts.ExpiredPath)
		return
	}

	// Protection may have been switched off since the form was served.
	if decision.Outcome == gate.RequireAuth && !auth.CheckPassword(req.Password, *link.PasswordHash) {
		h.log.Info("Rejected unlock attempt", zap.Uint("link_id", link.ID), zap.String("ip", ip))
		h.retry(c, link.ID)
		return
	}

	dest, variantID, err := redirect.Destination(ctx, h.db, &link, h.opts.Source)
	if err != nil {
		h.log.Error("Failed to load A/B test", zap.Uint("link_id", link.ID), zap.Error(err))
		redirect.NoCache(c, h.opts.HomePath)
		return
	}

	h.metrics.ObserveRedirect(OutcomeUnlocked)
	h.record(c.Request, link.ID, variantID)
	redirect.NoCache(c, dest)
}

func (h *Handler) retry(c *gin.Context, id uint) {
	q := url.Values{}
	q.Set("id", strconv.FormatUint(uint64(id), 10))
	q.Set("error", "1")
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusSeeOther, h.opts.FormPath+"?"+q.Encode())
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
	h.recorder.Record(recorder.FromRequest(r, linkID, variantID, h.opts.CountryHeaders))
}

// RegisterRoutes registers the unlock form. Call before the redirect routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET(h.opts.FormPath, h.Form)
	r.POST(h.opts.FormPath, h.Unlock)
}
