package middleware

import (
	"log/slog"
	"net/http"

	"github.com/welldanyogia/lms-auth/internal/auth"
	appctx "github.com/welldanyogia/lms-auth/internal/context"
	"github.com/welldanyogia/lms-auth/internal/session"
)

// SessionGuard authenticates requests with an access token bound to a live session
type SessionGuard struct {
	tokens   *auth.TokenService
	sessions *session.Registry
	logger   *slog.Logger
}

// NewSessionGuard creates a new SessionGuard instance
func NewSessionGuard(tokens *auth.TokenService, sessions *session.Registry, logger *slog.Logger) *SessionGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionGuard{
		tokens:   tokens,
		sessions: sessions,
		logger:   logger,
	}
}

// Authenticate validates the access token, resolves the session and slides its
// expiry. The access token is read from the Authorization header, then the
// access-token cookie. The session id comes from the X-Session-ID header, the
// session-id cookie, or the token's sid claim.
func (m *SessionGuard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.FirstToken(r, auth.FromBearer, auth.FromCookie(auth.AccessTokenCookie))
		if token == "" {
			auth.WriteError(w, http.StatusUnauthorized, auth.CodeAuthTokenMissing, "Authentication token is required", nil)
			return
		}

		claims, err := m.tokens.ValidateAccessToken(token)
		if err != nil {
			auth.WriteAuthError(w, err)
			return
		}

		sessionID := auth.FirstToken(r,
			auth.FromHeader(auth.SessionIDHeader),
			auth.FromCookie(auth.SessionIDCookie),
			auth.FromValue(claims.SessionID),
		)
		if sessionID == "" {
			auth.WriteAuthError(w, auth.ErrSessionNotFound)
			return
		}
		if claims.SessionID != "" && claims.SessionID != sessionID {
			auth.WriteAuthError(w, auth.ErrTokenInvalid)
			return
		}

		ctx := r.Context()
		blacklisted, err := m.sessions.IsSessionBlacklisted(ctx, sessionID)
		if err != nil {
			m.logger.ErrorContext(ctx, "session blacklist check failed", "error", err)
			auth.WriteAuthError(w, err)
			return
		}
		if blacklisted {
			auth.WriteAuthError(w, auth.ErrSessionBlacklisted)
			return
		}

		rec, err := m.sessions.Touch(ctx, sessionID)
		if err != nil {
			if auth.StatusFor(err) >= http.StatusInternalServerError {
				m.logger.ErrorContext(ctx, "session lookup failed", "error", err)
			}
			auth.WriteAuthError(w, err)
			return
		}
		if rec.UserID != claims.UserID() {
			auth.WriteAuthError(w, auth.ErrSessionNotFound)
			return
		}

		ctx = appctx.WithIdentity(ctx, appctx.Identity{
			UserID:    rec.UserID,
			Email:     rec.Email,
			SessionID: rec.ID,
			UserType:  rec.UserType,
			Roles:     rec.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(r *http.Request) (string, bool) {
	return appctx.ExtractUserID(r.Context())
}

// ExtractSessionID extracts the session ID from the request context
func ExtractSessionID(r *http.Request) (string, bool) {
	return appctx.ExtractSessionID(r.Context())
}
