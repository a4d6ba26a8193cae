package auth

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/welldanyogia/lms-auth/internal/session"
)

// Auth errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrAccountSuspended   = errors.New("account is suspended")
	ErrTwoFactorRequired  = errors.New("two-factor authentication required")
	ErrTwoFactorInvalid   = errors.New("invalid two-factor code")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenReused        = errors.New("refresh token reuse detected")
	ErrUserNotFound       = errors.New("user not found")

	ErrSessionNotFound    = session.ErrSessionNotFound
	ErrSessionBlacklisted = session.ErrSessionBlacklisted
)

// Error codes for API responses
const (
	CodeValidationError         = "VALIDATION_ERROR"
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodeAccountLocked           = "ACCOUNT_LOCKED"
	CodeAccountInactive         = "ACCOUNT_INACTIVE"
	CodeAccountSuspended        = "ACCOUNT_SUSPENDED"
	CodeTwoFactorRequired       = "TWO_FACTOR_REQUIRED"
	CodeTwoFactorInvalid        = "TWO_FACTOR_INVALID"
	CodeTwoFactorNotEnabled     = "TWO_FACTOR_NOT_ENABLED"
	CodeTwoFactorAlreadyEnabled = "TWO_FACTOR_ALREADY_ENABLED"
	CodeTwoFactorNotGenerated   = "TWO_FACTOR_NOT_GENERATED"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeTokenInvalid            = "TOKEN_INVALID"
	CodeTokenReused             = "TOKEN_REUSED"
	CodeAuthTokenMissing        = "AUTH_TOKEN_MISSING"
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeSessionBlacklisted      = "SESSION_BLACKLISTED"
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodeInternalError           = "INTERNAL_ERROR"
)

// AccountLockedError carries how long the lockout still lasts
type AccountLockedError struct {
	Remaining time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is temporarily locked, try again in %d minute(s)", e.RemainingMinutes())
}

// Is matches ErrAccountLocked
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RemainingMinutes rounds the remaining lockout up to whole minutes, at least 1
func (e *AccountLockedError) RemainingMinutes() int {
	return max(int(math.Ceil(e.Remaining.Minutes())), 1)
}

// TwoFactorError describes a rejected second factor
type TwoFactorError struct {
	AttemptsLeft int
	// Exceeded is set once the temporary token has been burned.
	Exceeded bool
}

func (e *TwoFactorError) Error() string {
	if e.Exceeded {
		return "too many invalid two-factor codes, sign in again"
	}
	return fmt.Sprintf("invalid two-factor code, %d attempt(s) left", e.AttemptsLeft)
}

// Is matches ErrTwoFactorInvalid
func (e *TwoFactorError) Is(target error) bool {
	return target == ErrTwoFactorInvalid
}
