package auth

import (
	"net/http"

	"github.com/google/uuid"
	appctx "github.com/welldanyogia/lms-auth/internal/context"
)

func (h *AuthHandler) currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, _ := appctx.ExtractUserID(r.Context())
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, CodeTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, false
	}
	return id, true
}

// GenerateTwoFactor creates a pending TOTP secret and its QR code
// POST /auth/2fa/generate
func (h *AuthHandler) GenerateTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	email, _ := appctx.ExtractEmail(r.Context())

	enrollment, err := h.authService.TwoFactor().GenerateSecret(r.Context(), userID, email)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, enrollment)
}

// EnableTwoFactor confirms the pending secret and returns backup codes
// POST /auth/2fa/enable
func (h *AuthHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	codes, err := h.authService.TwoFactor().Enable(r.Context(), userID, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"enabled":     true,
		"backupCodes": codes,
	})
}

// DisableTwoFactor turns two-factor off
// POST /auth/2fa/disable
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	if err := h.authService.TwoFactor().Disable(r.Context(), userID, req.Code); err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"enabled": false,
	})
}

// RegenerateBackupCodes replaces the user's backup codes
// POST /auth/2fa/backup-codes
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	codes, err := h.authService.TwoFactor().RegenerateBackupCodes(r.Context(), userID, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"backupCodes": codes,
	})
}

// BackupCodeStatus reports how many backup codes are left
// GET /auth/2fa/backup-codes
func (h *AuthHandler) BackupCodeStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	n, err := h.authService.TwoFactor().RemainingBackupCodes(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]int{"remaining": n})
}
