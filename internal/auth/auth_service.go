package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/device"
	"github.com/welldanyogia/lms-auth/internal/repository"
	"github.com/welldanyogia/lms-auth/internal/session"
	"github.com/welldanyogia/lms-auth/internal/twofactor"
)

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
	RememberMe bool   `json:"rememberMe"`
}

// Login2FARequest completes a login that required a second factor.
// Code is either a six digit TOTP code or a backup code.
type Login2FARequest struct {
	TempToken string `json:"tempToken" validate:"required"`
	Code      string `json:"code" validate:"required,min=6,max=16"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TwoFactorCodeRequest carries a code for enable, disable and backup code renewal
type TwoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

// UserResponse represents the user data in responses
type UserResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Username         string     `json:"username"`
	UserType         string     `json:"userType"`
	Roles            []string   `json:"roles"`
	Permissions      []string   `json:"permissions"`
	Status           string     `json:"status"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

// AuthResult is returned by every call that establishes or renews a session
type AuthResult struct {
	Requires2FA  bool          `json:"requires2FA"`
	TempToken    string        `json:"tempToken,omitempty"`
	AccessToken  string        `json:"accessToken,omitempty"`
	RefreshToken string        `json:"refreshToken,omitempty"`
	ExpiresIn    int64         `json:"expiresIn,omitempty"`
	TokenType    string        `json:"tokenType,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	User         *UserResponse `json:"user,omitempty"`

	accessExpiresAt  time.Time
	refreshExpiresAt time.Time
}

// SessionView is one device in the session list
type SessionView struct {
	session.IndexEntry
	Current bool `json:"current"`
}

// AuthService runs the credential, step-up, token and session flows
type AuthService struct {
	users       repository.UserRepository
	credentials *CredentialValidator
	issuer      *TokenIssuer
	sessions    *session.Registry
	twoFactor   *twofactor.Coordinator
	audit       *audit.Recorder
	logger      *slog.Logger
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	users repository.UserRepository,
	credentials *CredentialValidator,
	issuer *TokenIssuer,
	sessions *session.Registry,
	twoFactor *twofactor.Coordinator,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		users:       users,
		credentials: credentials,
		issuer:      issuer,
		sessions:    sessions,
		twoFactor:   twoFactor,
		audit:       recorder,
		logger:      logger.With("component", "auth_service"),
	}
}

// Tokens returns the token signer used for access token checks
func (s *AuthService) Tokens() *TokenService {
	return s.issuer.Tokens()
}

// Sessions returns the session registry
func (s *AuthService) Sessions() *session.Registry {
	return s.sessions
}

// TwoFactor returns the step-up coordinator
func (s *AuthService) TwoFactor() *twofactor.Coordinator {
	return s.twoFactor
}

// Login checks the password and either opens a session or, for accounts with
// two-factor enabled, returns a temporary token for the second step.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, dev device.Info) (*AuthResult, error) {
	user, err := s.credentials.Validate(ctx, req.Email, req.Password, dev)
	if err != nil {
		return nil, err
	}

	if user.TwoFactorEnabled {
		tempToken, err := s.twoFactor.IssueTempToken(user.ID.String(), req.RememberMe)
		if err != nil {
			return nil, fmt.Errorf("issue temp token: %w", err)
		}
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventLogin2FARequired,
			UserID:    user.ID.String(),
			Email:     user.Email,
			IP:        dev.IP,
			UserAgent: dev.UserAgent,
			Success:   true,
		})
		return &AuthResult{
			Requires2FA: true,
			TempToken:   tempToken,
			User:        toUserResponse(user),
		}, nil
	}

	return s.establish(ctx, user, dev, session.LoginMethodLocal, req.RememberMe)
}

// Login2FA exchanges a temporary token and a second factor for a session.
// A wrong code leaves the temporary token usable until it runs out of attempts.
func (s *AuthService) Login2FA(ctx context.Context, req Login2FARequest, dev device.Info) (*AuthResult, error) {
	claims, err := s.twoFactor.VerifyTempToken(ctx, req.TempToken)
	if err != nil {
		return nil, mapTempTokenError(err)
	}

	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		return nil, ErrTokenInvalid
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	method := "totp"
	var ok bool
	if isTOTPCode(req.Code) {
		ok, err = s.twoFactor.Verify(ctx, userID, req.Code)
	} else {
		method = "backup"
		ok, err = s.redeemBackupCode(ctx, claims, userID, req.Code)
	}
	if err != nil {
		var tfErr *TwoFactorError
		if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired) || errors.As(err, &tfErr) {
			return nil, err
		}
		return nil, fmt.Errorf("verify second factor: %w", err)
	}

	if !ok {
		left, err := s.twoFactor.RegisterFailedAttempt(ctx, claims)
		s.audit.Record(ctx, audit.Event{
			Type:          audit.EventLogin2FAFailed,
			UserID:        user.ID.String(),
			Email:         user.Email,
			IP:            dev.IP,
			UserAgent:     dev.UserAgent,
			FailureReason: "invalid_" + method + "_code",
		})
		switch {
		case errors.Is(err, twofactor.ErrTooManyAttempts):
			return nil, &TwoFactorError{Exceeded: true}
		case err != nil:
			return nil, err
		}
		return nil, &TwoFactorError{AttemptsLeft: left}
	}

	if method == "totp" {
		if err := s.twoFactor.CompleteTempToken(ctx, claims); err != nil {
			return nil, mapTempTokenError(err)
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventLogin2FASucceeded,
		UserID:    user.ID.String(),
		Email:     user.Email,
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
		Success:   true,
		Metadata:  map[string]string{"method": method},
	})
	return s.establish(ctx, user, dev, session.LoginMethodTwoFactor, claims.RememberMe)
}

// redeemBackupCode completes the temporary token before spending the backup
// code, so only the request that owns the token can consume a code. A wrong
// code releases the token again.
func (s *AuthService) redeemBackupCode(ctx context.Context, claims *twofactor.TempClaims, userID uuid.UUID, code string) (bool, error) {
	if err := s.twoFactor.CompleteTempToken(ctx, claims); err != nil {
		return false, mapTempTokenError(err)
	}

	ok, err := s.twoFactor.VerifyBackupCode(ctx, userID, code)
	if ok && err == nil {
		return true, nil
	}
	if rerr := s.twoFactor.ReleaseTempToken(ctx, claims); rerr != nil {
		s.logger.WarnContext(ctx, "failed to release temp token", "user_id", userID.String(), "error", rerr)
	}
	return false, err
}

// LoginVerifiedUser opens a session for a user who just confirmed their email
func (s *AuthService) LoginVerifiedUser(ctx context.Context, userID uuid.UUID, dev device.Info) (*AuthResult, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, user, dev, session.LoginMethodEmailVerify, false)
}

// establish creates the session and the token pair bound to it
func (s *AuthService) establish(ctx context.Context, user *repository.User, dev device.Info, method session.LoginMethod, rememberMe bool) (*AuthResult, error) {
	rec, err := s.sessions.Create(ctx, session.NewSession{
		UserID:   user.ID.String(),
		UserType: user.UserType,
		Details: session.UserDetails{
			Email:       user.Email,
			Username:    user.Username,
			Roles:       user.Roles,
			Permissions: user.Permissions,
		},
		Device:      dev,
		LoginMethod: method,
		RememberMe:  rememberMe,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	pair, err := s.issuer.Issue(ctx, user, rec.ID, rememberMe)
	if err != nil {
		if derr := s.sessions.Destroy(ctx, rec.ID); derr != nil {
			s.logger.WarnContext(ctx, "failed to roll back session", "session_id", rec.ID, "error", derr)
		}
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to update last login", "user_id", user.ID, "error", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventLoginSucceeded,
		UserID:    user.ID.String(),
		Email:     user.Email,
		SessionID: rec.ID,
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
		Success:   true,
		Metadata:  map[string]string{"login_method": string(method)},
	})

	return newAuthResult(pair, rec.ID, user), nil
}

// Refresh rotates a refresh token
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	refreshed, err := s.issuer.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return newAuthResult(refreshed.Tokens, refreshed.Session.ID, refreshed.User), nil
}

// Logout destroys the caller's session and its refresh tokens
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		return err
	}
	if err := s.issuer.RevokeSession(ctx, sessionID); err != nil {
		s.logger.WarnContext(ctx, "failed to drop refresh tokens on logout", "session_id", sessionID, "error", err)
	}
	return nil
}

// LogoutAll destroys every session of the user except the current one
func (s *AuthService) LogoutAll(ctx context.Context, userID, currentSessionID string) (int, error) {
	entries, err := s.sessions.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	n, err := s.sessions.DestroyAllUserSessions(ctx, userID, currentSessionID)
	if err != nil {
		return n, err
	}

	for _, e := range entries {
		if e.SessionID == currentSessionID {
			continue
		}
		if err := s.issuer.RevokeSession(ctx, e.SessionID); err != nil {
			s.logger.WarnContext(ctx, "failed to drop refresh tokens", "session_id", e.SessionID, "error", err)
		}
	}
	return n, nil
}

// ListSessions returns the user's live sessions, marking the current one
func (s *AuthService) ListSessions(ctx context.Context, userID, currentSessionID string) ([]SessionView, error) {
	entries, err := s.sessions.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, len(entries))
	for i, e := range entries {
		views[i] = SessionView{IndexEntry: e, Current: e.SessionID == currentSessionID}
	}
	return views, nil
}

// RevokeSession destroys one of the user's own sessions
func (s *AuthService) RevokeSession(ctx context.Context, userID, sessionID string) error {
	rec, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil || rec.UserID != userID {
		return ErrSessionNotFound
	}
	return s.Logout(ctx, sessionID)
}

// SessionStatistics summarizes the user's sessions
func (s *AuthService) SessionStatistics(ctx context.Context, userID string) (*session.Statistics, error) {
	return s.sessions.Statistics(ctx, userID)
}

// Me returns the current user
func (s *AuthService) Me(ctx context.Context, userID string) (*UserResponse, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return toUserResponse(user), nil
}

// RevokeUserAccess ends every session and refresh token of the user, for
// password resets and administrative lockouts.
func (s *AuthService) RevokeUserAccess(ctx context.Context, userID uuid.UUID) error {
	return s.issuer.RevokeUser(ctx, userID)
}

func (s *AuthService) activeUser(ctx context.Context, userID uuid.UUID) (*repository.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	switch user.Status {
	case repository.UserStatusInactive:
		return nil, ErrAccountInactive
	case repository.UserStatusSuspended:
		return nil, ErrAccountSuspended
	}
	return user.Sanitized(), nil
}

func mapTempTokenError(err error) error {
	switch {
	case errors.Is(err, twofactor.ErrTempTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, twofactor.ErrTooManyAttempts):
		return &TwoFactorError{Exceeded: true}
	case errors.Is(err, twofactor.ErrTempTokenInvalid), errors.Is(err, twofactor.ErrTempTokenUsed):
		return ErrTokenInvalid
	}
	return err
}

func isTOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func newAuthResult(pair *TokenPair, sessionID string, user *repository.User) *AuthResult {
	return &AuthResult{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		ExpiresIn:        pair.ExpiresIn,
		TokenType:        "Bearer",
		SessionID:        sessionID,
		User:             toUserResponse(user),
		accessExpiresAt:  pair.AccessExpiresAt,
		refreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func toUserResponse(user *repository.User) *UserResponse {
	return &UserResponse{
		ID:               user.ID.String(),
		Email:            user.Email,
		Username:         user.Username,
		UserType:         user.UserType,
		Roles:            user.Roles,
		Permissions:      user.Permissions,
		Status:           string(user.Status),
		TwoFactorEnabled: user.TwoFactorEnabled,
		LastLoginAt:      user.LastLoginAt,
	}
}
