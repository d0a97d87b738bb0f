package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"go.uber.org/zap"
)

// TooManyRequestsBody is the plain text answered to a limited client.
const TooManyRequestsBody = "Too many requests. Please try again later."

// KeyFunc derives the limiter key from a request.
type KeyFunc func(c *gin.Context) string

// Middleware rejects requests over the limit with 429 and a plain body.
// Backend failures are logged and the request proceeds.
func Middleware(l Limiter, key KeyFunc, log *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := l.Check(c.Request.Context(), key(c))
		if err != nil {
			if res.Allowed {
				log.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
			} else {
				log.Warn("Rate limiter error", zap.Error(err))
			}
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}

		if !res.Allowed {
			m.ObserveRateLimited()
			retry := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.String(http.StatusTooManyRequests, TooManyRequestsBody)
			c.Abort()
			return
		}
		c.Next()
	}
}
