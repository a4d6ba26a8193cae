package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/metrics"
)

// Key layout
const (
	loginAttemptsPrefix = "login_attempts:"
	lockoutPrefix       = "account_lockout:"
)

// LockoutConfig controls the sliding attempt window
type LockoutConfig struct {
	MaxAttempts int
	Window      time.Duration
	Duration    time.Duration
}

// DefaultLockoutConfig returns five attempts per hour and a 15 minute lockout
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts: 5,
		Window:      time.Hour,
		Duration:    15 * time.Minute,
	}
}

// LockoutTracker counts failed logins per email in the shared store
type LockoutTracker struct {
	store kvstore.Store
	cfg   LockoutConfig
	now   func() time.Time
}

// NewLockoutTracker creates a LockoutTracker. now defaults to time.Now.
func NewLockoutTracker(store kvstore.Store, cfg LockoutConfig, now func() time.Time) *LockoutTracker {
	def := DefaultLockoutConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if now == nil {
		now = time.Now
	}
	return &LockoutTracker{store: store, cfg: cfg, now: now}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Locked returns the remaining lockout for email, or zero if none is active
func (t *LockoutTracker) Locked(ctx context.Context, email string) (time.Duration, error) {
	remaining, err := t.store.TTL(ctx, lockoutPrefix+normalizeEmail(email))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("check lockout: %w", err)
	}
	// a lockout without expiry would never lift; treat it as a full period
	if remaining <= 0 {
		return t.cfg.Duration, nil
	}
	return remaining, nil
}

// RecordFailure adds a failed attempt to the window. When the window reaches
// the limit a lockout is created and its duration returned.
func (t *LockoutTracker) RecordFailure(ctx context.Context, email string) (time.Duration, error) {
	email = normalizeEmail(email)
	now := t.now()

	count, err := t.store.AppendWindow(ctx, loginAttemptsPrefix+email, uuid.NewString(), now, t.cfg.Window)
	if err != nil {
		return 0, fmt.Errorf("record failed attempt: %w", err)
	}
	if int(count) < t.cfg.MaxAttempts {
		return 0, nil
	}

	lockedAt := now.UTC().Format(time.RFC3339)
	created, err := t.store.SetNX(ctx, lockoutPrefix+email, []byte(lockedAt), t.cfg.Duration)
	if err != nil {
		return 0, fmt.Errorf("create lockout: %w", err)
	}
	if created {
		metrics.LockoutsTotal.Inc()
		// the lockout replaces the window; a fresh window starts once it lifts
		_ = t.store.Delete(ctx, loginAttemptsPrefix+email)
		return t.cfg.Duration, nil
	}
	return t.Locked(ctx, email)
}

// Clear forgets the failed attempts of email
func (t *LockoutTracker) Clear(ctx context.Context, email string) error {
	return t.store.Delete(ctx, loginAttemptsPrefix+normalizeEmail(email))
}

// Unlock removes an active lockout and the attempt window
func (t *LockoutTracker) Unlock(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	return t.store.Delete(ctx, lockoutPrefix+email, loginAttemptsPrefix+email)
}
