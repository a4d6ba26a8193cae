package twofactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
)

// TempTokenPurpose marks tokens that may only be exchanged at the 2FA step
const TempTokenPurpose = "2fa-temp"

const (
	usedTempTokenPrefix    = "2fa_temp_used:"
	tempTokenAttemptPrefix = "2fa_temp_attempts:"

	markerCompleted = "completed"
	markerBurned    = "attempts_exceeded"
)

// TempClaims are the claims of a temporary step-up token
type TempClaims struct {
	Purpose    string `json:"purpose"`
	RememberMe bool   `json:"rememberMe,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the user the token was issued for
func (c *TempClaims) UserID() string {
	return c.Subject
}

// IssueTempToken signs a temporary token for a user whose password was accepted
func (c *Coordinator) IssueTempToken(userID string, rememberMe bool) (string, error) {
	if c.cfg.AppSecret == "" {
		return "", errors.New("temp token secret is not configured")
	}

	now := c.now()
	claims := TempClaims{
		Purpose:    TempTokenPurpose,
		RememberMe: rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TempTokenTTL)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.AppSecret))
}

// VerifyTempToken checks signature, purpose, expiry and that the token has not
// been completed or burned. It does not consume the token.
func (c *Coordinator) VerifyTempToken(ctx context.Context, tokenString string) (*TempClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TempClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.cfg.AppSecret), nil
	}, jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTempTokenExpired
		}
		return nil, ErrTempTokenInvalid
	}

	claims, ok := token.Claims.(*TempClaims)
	if !ok || !token.Valid || claims.Purpose != TempTokenPurpose || claims.ID == "" || claims.Subject == "" {
		return nil, ErrTempTokenInvalid
	}

	marker, err := c.store.Get(ctx, usedTempTokenPrefix+claims.ID)
	switch {
	case err == nil && string(marker) == markerBurned:
		return nil, ErrTooManyAttempts
	case err == nil:
		return nil, ErrTempTokenUsed
	case !errors.Is(err, kvstore.ErrNotFound):
		return nil, err
	}

	return claims, nil
}

// remaining is how long the token can still be presented, at least one second
func (c *Coordinator) remaining(claims *TempClaims) time.Duration {
	if claims.ExpiresAt == nil {
		return c.cfg.TempTokenTTL
	}
	return max(claims.ExpiresAt.Time.Sub(c.now()), time.Second)
}

// CompleteTempToken marks the token as used. Only one caller can complete a
// given token; the others get ErrTempTokenUsed.
func (c *Coordinator) CompleteTempToken(ctx context.Context, claims *TempClaims) error {
	stored, err := c.store.SetNX(ctx, usedTempTokenPrefix+claims.ID, []byte(markerCompleted), c.remaining(claims))
	if err != nil {
		return fmt.Errorf("complete temp token: %w", err)
	}
	if !stored {
		return ErrTempTokenUsed
	}
	return nil
}

// ReleaseTempToken undoes a CompleteTempToken whose second factor turned out
// wrong. The attempt counter is left alone.
func (c *Coordinator) ReleaseTempToken(ctx context.Context, claims *TempClaims) error {
	if err := c.store.Delete(ctx, usedTempTokenPrefix+claims.ID); err != nil {
		return fmt.Errorf("release temp token: %w", err)
	}
	return nil
}

// RegisterFailedAttempt counts a wrong code against the token and returns the
// attempts left. When none are left the token is burned and
// ErrTooManyAttempts is returned.
func (c *Coordinator) RegisterFailedAttempt(ctx context.Context, claims *TempClaims) (int, error) {
	ttl := c.remaining(claims)
	n, err := c.store.Incr(ctx, tempTokenAttemptPrefix+claims.ID, ttl)
	if err != nil {
		return 0, fmt.Errorf("count 2fa attempt: %w", err)
	}

	left := c.cfg.MaxAttempts - int(n)
	if left > 0 {
		return left, nil
	}

	if _, err := c.store.SetNX(ctx, usedTempTokenPrefix+claims.ID, []byte(markerBurned), ttl); err != nil {
		return 0, fmt.Errorf("burn temp token: %w", err)
	}
	c.logger.WarnContext(ctx, "temp token burned after too many attempts",
		"user_id", claims.Subject,
		"attempts", n,
	)
	return 0, ErrTooManyAttempts
}
