// Package device derives a coarse device fingerprint from a request's
// User-Agent and client IP for display in the session list.
package device

import (
	"net"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxUserAgentLength bounds what is persisted in session records
const maxUserAgentLength = 512

// Device classes
const (
	TypeDesktop = "desktop"
	TypeMobile  = "mobile"
	TypeTablet  = "tablet"
	TypeBot     = "bot"
	Unknown     = "unknown"
)

// Info describes the client a session was created from
type Info struct {
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
	Device    string `json:"device"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
}

// Extractor turns a raw User-Agent and IP into Info
type Extractor interface {
	Parse(userAgent, ip string) Info
}

// UserAgentExtractor is the default Extractor
type UserAgentExtractor struct {
	policy *bluemonday.Policy
}

// NewExtractor creates a UserAgentExtractor.
// User-Agent strings are client controlled and rendered in device lists, so
// any markup is stripped before they are stored.
func NewExtractor() *UserAgentExtractor {
	return &UserAgentExtractor{policy: bluemonday.StrictPolicy()}
}

// Parse classifies the user agent and normalises the IP
func (e *UserAgentExtractor) Parse(userAgent, ip string) Info {
	ua := strings.TrimSpace(e.policy.Sanitize(userAgent))
	if len(ua) > maxUserAgentLength {
		ua = ua[:maxUserAgentLength]
	}
	lower := strings.ToLower(ua)

	return Info{
		IP:        normalizeIP(ip),
		UserAgent: ua,
		Device:    deviceType(lower),
		Browser:   browserFamily(lower),
		OS:        osFamily(lower),
	}
}

// ordered matchers: first hit wins
type matcher struct {
	needle string
	name   string
}

var browserMatchers = []matcher{
	{"edg/", "Edge"},
	{"opr/", "Opera"},
	{"opera", "Opera"},
	{"samsungbrowser", "Samsung Internet"},
	{"firefox", "Firefox"},
	{"fxios", "Firefox"},
	{"crios", "Chrome"},
	{"chrome", "Chrome"},
	{"chromium", "Chromium"},
	{"safari", "Safari"},
	{"msie", "Internet Explorer"},
	{"trident", "Internet Explorer"},
	{"curl", "curl"},
	{"postman", "Postman"},
	{"okhttp", "OkHttp"},
}

var osMatchers = []matcher{
	{"windows", "Windows"},
	{"iphone", "iOS"},
	{"ipad", "iPadOS"},
	{"ipod", "iOS"},
	{"android", "Android"},
	{"cros", "ChromeOS"},
	{"mac os x", "macOS"},
	{"macintosh", "macOS"},
	{"linux", "Linux"},
}

func browserFamily(ua string) string {
	return firstMatch(ua, browserMatchers)
}

func osFamily(ua string) string {
	return firstMatch(ua, osMatchers)
}

func firstMatch(ua string, matchers []matcher) string {
	if ua == "" {
		return Unknown
	}
	for _, m := range matchers {
		if strings.Contains(ua, m.needle) {
			return m.name
		}
	}
	return Unknown
}

func deviceType(ua string) string {
	switch {
	case ua == "":
		return Unknown
	case strings.Contains(ua, "bot"), strings.Contains(ua, "spider"), strings.Contains(ua, "crawler"):
		return TypeBot
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return TypeTablet
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "ipod"):
		return TypeMobile
	default:
		return TypeDesktop
	}
}

// normalizeIP strips a port and brackets if present
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return strings.Trim(ip, "[]")
}

// RemoteIP is the host part of the request's RemoteAddr
func RemoteIP(r *http.Request) string {
	return normalizeIP(r.RemoteAddr)
}

// ClientIP extracts the client IP address from the request for display and
// audit. The headers it reads are client controlled; use RemoteIP for
// anything that enforces a limit.
func ClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, the first is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return normalizeIP(ip)
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return normalizeIP(xri)
	}

	return normalizeIP(r.RemoteAddr)
}

// FromRequest parses the device of the request's client
func FromRequest(e Extractor, r *http.Request) Info {
	return e.Parse(r.UserAgent(), ClientIP(r))
}
