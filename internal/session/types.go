// Package session implements the multi-device session registry on top of the
// shared key-value store.
//
// Each session is stored under its own key and listed in a per-user index
// sorted by creation time. The two keys are written independently; readers
// reconcile the index against the records they find.
package session

import (
	"errors"
	"time"

	"github.com/welldanyogia/lms-auth/internal/device"
)

// Registry errors
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionBlacklisted = errors.New("session has been revoked")
	ErrInvalidUser        = errors.New("session requires a user id")
)

// LoginMethod records how a session was established
type LoginMethod string

const (
	LoginMethodLocal       LoginMethod = "local"
	LoginMethodTwoFactor   LoginMethod = "2fa"
	LoginMethodOAuth       LoginMethod = "oauth"
	LoginMethodEmailVerify LoginMethod = "email_verify"
)

// Valid reports whether m is a known login method
func (m LoginMethod) Valid() bool {
	switch m {
	case LoginMethodLocal, LoginMethodTwoFactor, LoginMethodOAuth, LoginMethodEmailVerify:
		return true
	}
	return false
}

// Destroy reasons, used for metrics and audit metadata
const (
	ReasonLogout  = "logout"
	ReasonRevoked = "revoked"
	ReasonEvicted = "evicted"
	ReasonExpired = "expired"
)

// UserDetails is the identity snapshot copied into a session
type UserDetails struct {
	Email       string
	Username    string
	Roles       []string
	Permissions []string
}

// NewSession describes a session to create
type NewSession struct {
	UserID      string
	UserType    string
	Details     UserDetails
	Device      device.Info
	LoginMethod LoginMethod
	RememberMe  bool
}

// Record is the stored state of one session
type Record struct {
	ID             string      `json:"sessionId"`
	UserID         string      `json:"userId"`
	UserType       string      `json:"userType"`
	Email          string      `json:"email"`
	Username       string      `json:"username"`
	Roles          []string    `json:"roles"`
	Permissions    []string    `json:"permissions"`
	DeviceInfo     device.Info `json:"deviceInfo"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastAccessedAt time.Time   `json:"lastAccessedAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	IsActive       bool        `json:"isActive"`
	LoginMethod    LoginMethod `json:"loginMethod"`
	RememberMe     bool        `json:"rememberMe"`
	Sequence       int64       `json:"sequence"`
}

// live reports whether the record can still be used at now
func (r *Record) live(now time.Time) bool {
	return r.IsActive && now.Before(r.ExpiresAt)
}

// IndexEntry is one line of a user's device list
type IndexEntry struct {
	SessionID      string      `json:"sessionId"`
	DeviceInfo     device.Info `json:"deviceInfo"`
	LoginMethod    LoginMethod `json:"loginMethod"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastAccessedAt time.Time   `json:"lastAccessedAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
}

// Statistics summarises a user's sessions. Advisory only: it is computed from
// a single pass over the index and may race with concurrent logins.
type Statistics struct {
	TotalSessions        int            `json:"totalSessions"`
	ActiveSessions       int            `json:"activeSessions"`
	ExpiredSessions      int            `json:"expiredSessions"`
	DeviceBreakdown      map[string]int `json:"deviceBreakdown"`
	LoginMethodBreakdown map[string]int `json:"loginMethodBreakdown"`
}

// Config controls session lifetimes and limits
type Config struct {
	// SessionTTL is the sliding lifetime of a normal session.
	SessionTTL time.Duration
	// RememberMeTTL is the sliding lifetime of a "remember me" session.
	RememberMeTTL      time.Duration
	BlacklistTTL       time.Duration
	MaxSessionsPerUser int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the standard session limits
func DefaultConfig() Config {
	return Config{
		SessionTTL:         7 * 24 * time.Hour,
		RememberMeTTL:      30 * 24 * time.Hour,
		BlacklistTTL:       time.Hour,
		MaxSessionsPerUser: 5,
	}
}
