package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/device"
	"github.com/welldanyogia/lms-auth/internal/metrics"
	"github.com/welldanyogia/lms-auth/internal/repository"
)

// Failure reasons recorded on login attempts
const (
	FailureInvalidCredentials = "invalid_credentials"
	FailureUnknownUser        = "unknown_user"
	FailureAccountLocked      = "account_locked"
	FailureAccountInactive    = "account_inactive"
	FailureAccountSuspended   = "account_suspended"
	FailureSystemError        = "system_error"
)

// LoginAttempt is one password check, successful or not
type LoginAttempt struct {
	Email         string
	IP            string
	UserAgent     string
	Timestamp     time.Time
	Success       bool
	FailureReason string
}

// CredentialValidator checks passwords and enforces the lockout policy
type CredentialValidator struct {
	users     repository.UserRepository
	passwords *PasswordValidator
	lockout   *LockoutTracker
	audit     *audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewCredentialValidator creates a CredentialValidator
func NewCredentialValidator(
	users repository.UserRepository,
	passwords *PasswordValidator,
	lockout *LockoutTracker,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *CredentialValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialValidator{
		users:     users,
		passwords: passwords,
		lockout:   lockout,
		audit:     recorder,
		logger:    logger.With("component", "credential_validator"),
		now:       lockout.now,
	}
}

// Validate returns the sanitized user when email and password match an active,
// unlocked account.
//
// Unknown emails and wrong passwords fail identically with ErrInvalidCredentials
// and both count toward the lockout. Locked, inactive and suspended accounts are
// reported distinctly. Store failures are logged and audited, then reported as
// ErrInvalidCredentials.
func (v *CredentialValidator) Validate(ctx context.Context, email, password string, dev device.Info) (*repository.User, error) {
	email = normalizeEmail(email)
	attempt := LoginAttempt{
		Email:     email,
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
		Timestamp: v.now().UTC(),
	}

	remaining, err := v.lockout.Locked(ctx, email)
	if err != nil {
		return nil, v.systemFailure(ctx, attempt, err)
	}
	if remaining > 0 {
		v.fail(ctx, attempt, FailureAccountLocked)
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, &AccountLockedError{Remaining: remaining}
	}

	user, err := v.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, v.systemFailure(ctx, attempt, err)
		}
		v.passwords.SimulateVerify(password)
		return nil, v.countFailure(ctx, attempt, FailureUnknownUser)
	}

	if err := v.passwords.VerifyPassword(password, user.PasswordHash); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, v.systemFailure(ctx, attempt, err)
		}
		return nil, v.countFailure(ctx, attempt, FailureInvalidCredentials)
	}

	switch user.Status {
	case repository.UserStatusInactive:
		v.fail(ctx, attempt, FailureAccountInactive)
		metrics.LoginAttemptsTotal.WithLabelValues("inactive").Inc()
		return nil, ErrAccountInactive
	case repository.UserStatusSuspended:
		v.fail(ctx, attempt, FailureAccountSuspended)
		metrics.LoginAttemptsTotal.WithLabelValues("suspended").Inc()
		return nil, ErrAccountSuspended
	}

	if err := v.lockout.Clear(ctx, email); err != nil {
		v.logger.WarnContext(ctx, "failed to clear login attempts", "error", err)
	}
	return user.Sanitized(), nil
}

// countFailure records a failed attempt in the lockout window
func (v *CredentialValidator) countFailure(ctx context.Context, attempt LoginAttempt, reason string) error {
	locked, err := v.lockout.RecordFailure(ctx, attempt.Email)
	if err != nil {
		return v.systemFailure(ctx, attempt, err)
	}

	if locked > 0 {
		v.fail(ctx, attempt, reason)
		v.audit.Record(ctx, audit.Event{
			Type:          audit.EventLoginLocked,
			Email:         attempt.Email,
			IP:            attempt.IP,
			UserAgent:     attempt.UserAgent,
			FailureReason: FailureAccountLocked,
			Metadata:      map[string]string{"lockout_seconds": strconv.Itoa(int(locked.Seconds()))},
		})
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		return &AccountLockedError{Remaining: locked}
	}

	v.fail(ctx, attempt, reason)
	metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
	return ErrInvalidCredentials
}

// systemFailure logs the cause and hides it behind ErrInvalidCredentials
func (v *CredentialValidator) systemFailure(ctx context.Context, attempt LoginAttempt, cause error) error {
	v.logger.ErrorContext(ctx, "login failed on a backend error",
		"email", attempt.Email,
		"ip", attempt.IP,
		"error", cause,
	)
	v.fail(ctx, attempt, FailureSystemError)
	metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
	return ErrInvalidCredentials
}

func (v *CredentialValidator) fail(ctx context.Context, attempt LoginAttempt, reason string) {
	attempt.Success = false
	attempt.FailureReason = reason
	v.audit.Record(ctx, attemptEvent(audit.EventLoginFailed, attempt))
}

func attemptEvent(eventType string, attempt LoginAttempt) audit.Event {
	return audit.Event{
		Type:          eventType,
		Email:         attempt.Email,
		IP:            attempt.IP,
		UserAgent:     attempt.UserAgent,
		Success:       attempt.Success,
		FailureReason: attempt.FailureReason,
		Timestamp:     attempt.Timestamp,
	}
}
