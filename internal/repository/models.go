package repository

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the lifecycle state of an account
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusInactive  UserStatus = "inactive"
	UserStatusSuspended UserStatus = "suspended"
)

// User represents an LMS account as seen by the authentication core
type User struct {
	ID               uuid.UUID  `db:"id"`
	Email            string     `db:"email"`
	Username         string     `db:"username"`
	UserType         string     `db:"user_type"`
	Roles            []string   `db:"roles"`
	Permissions      []string   `db:"permissions"`
	PasswordHash     string     `db:"password_hash"`
	Status           UserStatus `db:"status"`
	TwoFactorEnabled bool       `db:"two_factor_enabled"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	LastLoginAt      *time.Time `db:"last_login_at"`
}

// Sanitized returns a copy of the user without the password hash
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.PasswordHash = ""
	out.Roles = append([]string(nil), u.Roles...)
	out.Permissions = append([]string(nil), u.Permissions...)
	return &out
}

// RefreshToken is the server-side reference a refresh token is bound to.
// Only the SHA-256 hash of the token is stored.
type RefreshToken struct {
	ID         uuid.UUID `db:"id"`
	UserID     uuid.UUID `db:"user_id"`
	SessionID  string    `db:"session_id"`
	JTI        string    `db:"jti"`
	TokenHash  string    `db:"token_hash"`
	RememberMe bool      `db:"remember_me"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// TwoFactorSettings holds a user's TOTP secret and whether it has been confirmed
type TwoFactorSettings struct {
	UserID      uuid.UUID  `db:"user_id"`
	Secret      string     `db:"secret"`
	Enabled     bool       `db:"enabled"`
	ConfirmedAt *time.Time `db:"confirmed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// BackupCode is a single-use recovery code, stored hashed
type BackupCode struct {
	UserID    uuid.UUID `db:"user_id"`
	CodeHash  string    `db:"code_hash"`
	CreatedAt time.Time `db:"created_at"`
}
