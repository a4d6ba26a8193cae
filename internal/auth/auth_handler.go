package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	appctx "github.com/welldanyogia/lms-auth/internal/context"
	"github.com/welldanyogia/lms-auth/internal/device"
)

// maxBodyBytes bounds auth request bodies
const maxBodyBytes = 16 << 10

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	devices     device.Extractor
	cookies     CookieConfig
	logger      *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService, devices device.Extractor, cookies CookieConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if devices == nil {
		devices = device.NewExtractor()
	}
	return &AuthHandler{
		authService: authService,
		devices:     devices,
		cookies:     cookies,
		logger:      logger,
	}
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		WriteError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return false
	}
	return true
}

// fail logs unexpected errors before mapping them
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "auth request failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	WriteAuthError(w, err)
}

func (h *AuthHandler) respondWithSession(w http.ResponseWriter, status int, res *AuthResult) {
	if !res.Requires2FA {
		h.cookies.SetAuthCookies(w, res)
	}
	WriteSuccess(w, status, res)
}

// Login handles password authentication
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.authService.Login(r.Context(), req, device.FromRequest(h.devices, r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondWithSession(w, http.StatusOK, res)
}

// Login2FA completes a login with a TOTP or backup code
// POST /auth/login/2fa
func (h *AuthHandler) Login2FA(w http.ResponseWriter, r *http.Request) {
	var req Login2FARequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.authService.Login2FA(r.Context(), req, device.FromRequest(h.devices, r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondWithSession(w, http.StatusOK, res)
}

// Refresh rotates the refresh token found in the body, the refresh-token
// cookie or the Authorization header, in that order.
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	token := FirstToken(r, FromValue(req.RefreshToken), FromCookie(RefreshTokenCookie), FromBearer)
	if token == "" {
		WriteError(w, http.StatusUnauthorized, CodeAuthTokenMissing, "Refresh token is required", nil)
		return
	}

	res, err := h.authService.Refresh(r.Context(), token)
	if err != nil {
		h.cookies.ClearAuthCookies(w)
		h.fail(w, r, err)
		return
	}

	h.respondWithSession(w, http.StatusOK, res)
}

// Logout destroys the current session
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := appctx.ExtractSessionID(r.Context())
	if err := h.authService.Logout(r.Context(), sessionID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.cookies.ClearAuthCookies(w)
	WriteSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// LogoutAll destroys every other session of the user
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.ExtractUserID(r.Context())
	sessionID, _ := appctx.ExtractSessionID(r.Context())

	n, err := h.authService.LogoutAll(r.Context(), userID, sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"message":         "Logged out from all other devices",
		"sessionsRevoked": n,
	})
}

// GetMe returns the current user
// GET /auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.ExtractUserID(r.Context())
	sessionID, _ := appctx.ExtractSessionID(r.Context())

	user, err := h.authService.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			WriteError(w, http.StatusNotFound, CodeUserNotFound, "User not found", nil)
			return
		}
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"user":      user,
		"sessionId": sessionID,
	})
}

// ListSessions lists the user's devices
// GET /auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.ExtractUserID(r.Context())
	sessionID, _ := appctx.ExtractSessionID(r.Context())

	sessions, err := h.authService.ListSessions(r.Context(), userID, sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// SessionStats summarizes the user's sessions
// GET /auth/sessions/stats
func (h *AuthHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.ExtractUserID(r.Context())

	stats, err := h.authService.SessionStatistics(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, stats)
}

// RevokeSession ends one of the user's sessions
// DELETE /auth/sessions/{sessionId}
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.ExtractUserID(r.Context())
	current, _ := appctx.ExtractSessionID(r.Context())
	target := chi.URLParam(r, "sessionId")

	if err := h.authService.RevokeSession(r.Context(), userID, target); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, CodeSessionNotFound, "Session not found", nil)
			return
		}
		h.fail(w, r, err)
		return
	}

	if target == current {
		h.cookies.ClearAuthCookies(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
