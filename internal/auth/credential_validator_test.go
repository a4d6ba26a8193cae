package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/welldanyogia/lms-auth/internal/audit"
)

func newTestValidator(env *testEnv) *CredentialValidator {
	recorder := audit.NewRecorder(env.sink, nil, env.clock.Now)
	lockout := NewLockoutTracker(env.store, DefaultLockoutConfig(), env.clock.Now)
	return NewCredentialValidator(env.users, env.passwords, lockout, recorder, nil)
}

func TestValidate_ReturnsSanitizedUser(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "dee@lms.test")

	got, err := newTestValidator(env).Validate(context.Background(), user.Email, testPassword, testDevice)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("expected user %s, got %s", user.ID, got.ID)
	}
	if got.PasswordHash != "" {
		t.Error("password hash must not leave the validator")
	}
}

func TestValidate_UnknownEmailsCountTowardLockout(t *testing.T) {
	env := newTestEnv(envOptions{})
	v := newTestValidator(env)
	ctx := context.Background()

	var err error
	for i := 0; i < 5; i++ {
		_, err = v.Validate(ctx, "ghost@lms.test", "whatever", testDevice)
	}
	var locked *AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected the fifth unknown attempt to lock, got %v", err)
	}
	if locked.Remaining != 15*time.Minute {
		t.Errorf("expected a 15 minute lockout, got %v", locked.Remaining)
	}
}

func TestValidate_LockoutIsPerEmail(t *testing.T) {
	env := newTestEnv(envOptions{})
	victim := env.addUser(t, "eli@lms.test")
	bystander := env.addUser(t, "fin@lms.test")
	v := newTestValidator(env)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = v.Validate(ctx, "ELI@lms.test", "wrong", testDevice)
	}

	if _, err := v.Validate(ctx, victim.Email, testPassword, testDevice); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected the victim to be locked, got %v", err)
	}
	if _, err := v.Validate(ctx, bystander.Email, testPassword, testDevice); err != nil {
		t.Fatalf("expected the bystander to log in, got %v", err)
	}
}

func TestValidate_WindowSlides(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "gia@lms.test")
	v := newTestValidator(env)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = v.Validate(ctx, user.Email, "wrong", testDevice)
	}
	env.clock.Advance(time.Hour + time.Second)

	// the earlier failures fell out of the window
	if _, err := v.Validate(ctx, user.Email, "wrong", testDevice); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := v.Validate(ctx, user.Email, testPassword, testDevice); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestValidate_AuditTrail(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "hank@lms.test")
	v := newTestValidator(env)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = v.Validate(ctx, user.Email, "wrong", testDevice)
	}

	if n := env.sink.Count(audit.EventLoginLocked); n != 1 {
		t.Errorf("expected one login.locked event, got %d", n)
	}

	reasons := map[string]int{}
	for _, e := range env.sink.Events() {
		if e.Type != audit.EventLoginFailed {
			continue
		}
		reasons[e.FailureReason]++
		if e.IP != testDevice.IP || e.UserAgent != testDevice.UserAgent || e.Success {
			t.Errorf("attempt not recorded faithfully: %+v", e)
		}
	}
	if reasons[FailureInvalidCredentials] != 5 || reasons[FailureAccountLocked] != 1 {
		t.Errorf("unexpected failure reasons %v", reasons)
	}
}
