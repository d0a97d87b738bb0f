package recorder

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultCountryHeaders are edge geolocation headers checked in order.
var DefaultCountryHeaders = []string{"CF-IPCountry", "X-Vercel-IP-Country", "CloudFront-Viewer-Country"}

// botPatterns are known crawler User-Agent substrings (lowercase).
var botPatterns = []string{
	"googlebot", "bingbot", "slurp", "duckduckbot",
	"baiduspider", "yandexbot", "facebookexternalhit",
	"twitterbot", "rogerbot", "linkedinbot", "embedly",
	"slackbot", "discordbot", "whatsapp", "telegrambot",
	"applebot", "semrushbot", "ahrefsbot", "petalbot",
	"curl/", "wget/", "python-requests",
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Country returns the first usable two-letter code from the given headers.
// "XX" and "T1" (unknown and Tor on Cloudflare) are ignored.
func Country(r *http.Request, headers []string) string {
	for _, h := range headers {
		code := strings.ToUpper(strings.TrimSpace(r.Header.Get(h)))
		if len(code) != 2 || code == "XX" || code == "T1" {
			continue
		}
		return code
	}
	return ""
}

// IsBot reports whether ua looks like a crawler or an empty client.
func IsBot(ua string) bool {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return true
	}
	for _, pattern := range botPatterns {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}

// FromRequest builds an Event for a scan of linkID served by r.
func FromRequest(r *http.Request, linkID uint, variantID *string, countryHeaders []string) Event {
	return Event{
		LinkID:    linkID,
		VariantID: variantID,
		UserAgent: r.UserAgent(),
		IP:        ClientIP(r),
		Country:   Country(r, countryHeaders),
		Referer:   r.Referer(),
		ScannedAt: time.Now().UTC(),
	}
}
