package auth

import (
	"net/http"
	"strings"
	"time"
)

// Cookie names
const (
	AccessTokenCookie  = "access-token"
	RefreshTokenCookie = "refresh-token"
	SessionIDCookie    = "session-id"

	// SessionIDHeader lets non-browser clients name their session explicitly.
	SessionIDHeader = "X-Session-ID"
)

// TokenExtractor pulls a credential out of a request; empty means not present
type TokenExtractor func(r *http.Request) string

// FirstToken returns the first non-empty value produced by the extractors, in order
func FirstToken(r *http.Request, extractors ...TokenExtractor) string {
	for _, extract := range extractors {
		if v := strings.TrimSpace(extract(r)); v != "" {
			return v
		}
	}
	return ""
}

// FromValue wraps a value that was already read, such as a decoded body field
func FromValue(v string) TokenExtractor {
	return func(*http.Request) string { return v }
}

// FromCookie reads the named cookie
func FromCookie(name string) TokenExtractor {
	return func(r *http.Request) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
}

// FromHeader reads a plain header
func FromHeader(name string) TokenExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// FromBearer reads "Authorization: Bearer <token>"
func FromBearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// CookieConfig controls the attributes of auth cookies
type CookieConfig struct {
	// Production sets Secure and SameSite=Strict; otherwise SameSite=Lax.
	Production bool
	Domain     string
}

func (c CookieConfig) cookie(name, value string, expires time.Time) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if c.Production {
		sameSite = http.SameSiteStrictMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Production,
		SameSite: sameSite,
	}
}

// SetAuthCookies writes the access, refresh and session cookies of a result
func (c CookieConfig) SetAuthCookies(w http.ResponseWriter, res *AuthResult) {
	http.SetCookie(w, c.cookie(AccessTokenCookie, res.AccessToken, res.accessExpiresAt))
	http.SetCookie(w, c.cookie(RefreshTokenCookie, res.RefreshToken, res.refreshExpiresAt))
	http.SetCookie(w, c.cookie(SessionIDCookie, res.SessionID, res.refreshExpiresAt))
}

// ClearAuthCookies expires every auth cookie
func (c CookieConfig) ClearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie, SessionIDCookie} {
		ck := c.cookie(name, "", time.Unix(0, 0))
		ck.MaxAge = -1
		http.SetCookie(w, ck)
	}
}
