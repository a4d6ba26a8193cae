// Package audit records security-relevant authentication events.
package audit

import (
	"time"
)

// Event type constants
const (
	EventLoginSucceeded    = "login.succeeded"
	EventLoginFailed       = "login.failed"
	EventLoginLocked       = "login.locked"
	EventLogin2FARequired  = "login.2fa_required"
	EventLogin2FASucceeded = "login.2fa_succeeded"
	EventLogin2FAFailed    = "login.2fa_failed"

	EventTokenRefreshed     = "token.refreshed"
	EventTokenReuseDetected = "token.reuse_detected"

	EventSessionCreated    = "session.created"
	EventSessionDestroyed  = "session.destroyed"
	EventSessionEvicted    = "session.evicted"
	EventSessionRevokedAll = "session.revoked_all"

	EventTwoFactorEnabled            = "2fa.enabled"
	EventTwoFactorDisabled           = "2fa.disabled"
	EventTwoFactorBackupCodesRenewed = "2fa.backup_codes_regenerated"
	EventTwoFactorBackupCodeUsed     = "2fa.backup_code_used"
)

// Event is a single audit record.
// Email and IP are kept even when no user could be resolved, so failed
// logins against unknown accounts remain traceable.
type Event struct {
	Type          string            `json:"type"`
	UserID        string            `json:"userId,omitempty"`
	Email         string            `json:"email,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	IP            string            `json:"ip,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	Success       bool              `json:"success"`
	FailureReason string            `json:"failureReason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
