package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/metrics"
	"github.com/welldanyogia/lms-auth/internal/repository"
	"github.com/welldanyogia/lms-auth/internal/session"
)

// usedRefreshPrefix remembers rotated refresh tokens until they would have expired
const usedRefreshPrefix = "refresh_used:"

// Refreshed is the outcome of a successful rotation
type Refreshed struct {
	Tokens  *TokenPair
	User    *repository.User
	Session *session.Record
}

// TokenIssuer binds token pairs to sessions and rotates refresh tokens.
//
// Each refresh token has one server-side reference, keyed by its hash.
// Refreshing consumes the reference and stores a new one, so a refresh token
// is accepted at most once.
type TokenIssuer struct {
	tokens         *TokenService
	refreshTokens  repository.RefreshTokenRepository
	users          repository.UserRepository
	sessions       *session.Registry
	store          kvstore.Store
	reuseDetection bool
	audit          *audit.Recorder
	logger         *slog.Logger
	now            func() time.Time
}

// TokenIssuerConfig configures a TokenIssuer
type TokenIssuerConfig struct {
	// ReuseDetection revokes all of a user's sessions when a rotated refresh
	// token is presented again.
	ReuseDetection bool
	Clock          func() time.Time
}

// NewTokenIssuer creates a TokenIssuer
func NewTokenIssuer(
	tokens *TokenService,
	refreshTokens repository.RefreshTokenRepository,
	users repository.UserRepository,
	sessions *session.Registry,
	store kvstore.Store,
	cfg TokenIssuerConfig,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *TokenIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		tokens:         tokens,
		refreshTokens:  refreshTokens,
		users:          users,
		sessions:       sessions,
		store:          store,
		reuseDetection: cfg.ReuseDetection,
		audit:          recorder,
		logger:         logger.With("component", "token_issuer"),
		now:            now,
	}
}

// Tokens exposes the signer for access token validation
func (i *TokenIssuer) Tokens() *TokenService {
	return i.tokens
}

func subjectOf(user *repository.User) TokenSubject {
	return TokenSubject{
		UserID:   user.ID.String(),
		Email:    user.Email,
		Username: user.Username,
		UserType: user.UserType,
		Roles:    user.Roles,
	}
}

// Issue signs a token pair for the session and stores the refresh reference
func (i *TokenIssuer) Issue(ctx context.Context, user *repository.User, sessionID string, rememberMe bool) (*TokenPair, error) {
	pair, err := i.tokens.GenerateTokenPair(subjectOf(user), sessionID, rememberMe)
	if err != nil {
		return nil, fmt.Errorf("sign tokens: %w", err)
	}

	ref := &repository.RefreshToken{
		UserID:     user.ID,
		SessionID:  sessionID,
		JTI:        pair.JTI,
		TokenHash:  HashToken(pair.RefreshToken),
		RememberMe: rememberMe,
		ExpiresAt:  pair.RefreshExpiresAt,
	}
	if err := i.refreshTokens.Create(ctx, ref); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair bound to the same session.
//
// The token must verify against the refresh secret, still have its reference
// on record, and belong to a live session. The old reference is consumed
// before the new pair is issued. When a later step fails for a reason other
// than the session or user being gone, the reference is put back so the
// client can retry with the same token.
func (i *TokenIssuer) Refresh(ctx context.Context, refreshToken string) (*Refreshed, error) {
	claims, err := i.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(refreshOutcome(err)).Inc()
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	user, err := i.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	hash := HashToken(refreshToken)
	ref, err := i.refreshTokens.Consume(ctx, hash)
	if err != nil {
		if !errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return nil, fmt.Errorf("consume refresh token: %w", err)
		}
		return nil, i.rejectUnknown(ctx, claims, userID, hash)
	}

	if ref.UserID != userID || ref.JTI != claims.ID {
		metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	if user.Status != repository.UserStatusActive {
		i.closeSession(ctx, ref.SessionID)
		metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	sess, err := i.sessions.Touch(ctx, ref.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionBlacklisted) {
			// the session was logged out or evicted; drop what is left of it
			if _, derr := i.refreshTokens.DeleteBySessionID(ctx, ref.SessionID); derr != nil {
				i.logger.WarnContext(ctx, "failed to drop refresh tokens of a closed session", "error", derr)
			}
			metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
			return nil, ErrTokenInvalid
		}
		i.restore(ctx, ref)
		return nil, err
	}

	pair, err := i.Issue(ctx, user, ref.SessionID, ref.RememberMe)
	if err != nil {
		i.restore(ctx, ref)
		return nil, err
	}
	i.rememberUsed(ctx, claims, hash)

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	i.audit.Record(ctx, audit.Event{
		Type:      audit.EventTokenRefreshed,
		UserID:    user.ID.String(),
		Email:     user.Email,
		SessionID: ref.SessionID,
		Success:   true,
	})

	return &Refreshed{Tokens: pair, User: user.Sanitized(), Session: sess}, nil
}

// restore puts a consumed reference back after a failed rotation
func (i *TokenIssuer) restore(ctx context.Context, ref *repository.RefreshToken) {
	if err := i.refreshTokens.Create(ctx, ref); err != nil {
		i.logger.WarnContext(ctx, "failed to restore refresh token after a failed rotation",
			"session_id", ref.SessionID,
			"error", err,
		)
	}
}

// rejectUnknown handles a validly signed token with no reference on record.
// A token seen before was rotated away; presenting it again means it leaked.
func (i *TokenIssuer) rejectUnknown(ctx context.Context, claims *Claims, userID uuid.UUID, hash string) error {
	if !i.reuseDetection {
		metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
		return ErrTokenInvalid
	}

	_, err := i.store.Get(ctx, usedRefreshPrefix+hash)
	if errors.Is(err, kvstore.ErrNotFound) {
		metrics.TokenRefreshesTotal.WithLabelValues("invalid").Inc()
		return ErrTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("check refresh reuse: %w", err)
	}

	i.logger.WarnContext(ctx, "rotated refresh token presented again, revoking all sessions",
		"user_id", userID.String(),
		"session_id", claims.SessionID,
	)
	if err := i.RevokeUser(ctx, userID); err != nil {
		i.logger.ErrorContext(ctx, "failed to revoke sessions after refresh reuse", "error", err)
	}

	metrics.TokenRefreshesTotal.WithLabelValues("reused").Inc()
	i.audit.Record(ctx, audit.Event{
		Type:          audit.EventTokenReuseDetected,
		UserID:        userID.String(),
		Email:         claims.Email,
		SessionID:     claims.SessionID,
		FailureReason: "refresh_token_reused",
	})
	return ErrTokenReused
}

func (i *TokenIssuer) rememberUsed(ctx context.Context, claims *Claims, hash string) {
	if !i.reuseDetection {
		return
	}
	ttl := claims.ExpiresAt.Time.Sub(i.now())
	if ttl <= 0 {
		return
	}
	if err := i.store.Set(ctx, usedRefreshPrefix+hash, []byte(claims.Subject), ttl); err != nil {
		i.logger.WarnContext(ctx, "failed to remember rotated refresh token", "error", err)
	}
}

func (i *TokenIssuer) closeSession(ctx context.Context, sessionID string) {
	if err := i.sessions.Destroy(ctx, sessionID); err != nil {
		i.logger.WarnContext(ctx, "failed to destroy session", "session_id", sessionID, "error", err)
	}
	if _, err := i.refreshTokens.DeleteBySessionID(ctx, sessionID); err != nil {
		i.logger.WarnContext(ctx, "failed to drop refresh tokens", "session_id", sessionID, "error", err)
	}
}

// RevokeSession drops the refresh references of one session
func (i *TokenIssuer) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := i.refreshTokens.DeleteBySessionID(ctx, sessionID)
	return err
}

// RevokeUser destroys every session of the user and drops all refresh references
func (i *TokenIssuer) RevokeUser(ctx context.Context, userID uuid.UUID) error {
	var errs []error
	if _, err := i.sessions.DestroyAllUserSessions(ctx, userID.String(), ""); err != nil {
		errs = append(errs, err)
	}
	if _, err := i.refreshTokens.DeleteByUserID(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func refreshOutcome(err error) string {
	if errors.Is(err, ErrTokenExpired) {
		return "expired"
	}
	return "invalid"
}
