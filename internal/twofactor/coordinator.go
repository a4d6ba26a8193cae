// Package twofactor implements TOTP step-up authentication: secret enrollment,
// code and backup-code verification, and the short-lived temporary token that
// bridges a correct password and the second factor.
package twofactor

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/metrics"
	"github.com/welldanyogia/lms-auth/internal/repository"
)

// Two-factor errors
var (
	ErrNotEnabled       = errors.New("two-factor authentication is not enabled")
	ErrAlreadyEnabled   = errors.New("two-factor authentication is already enabled")
	ErrNoPendingSecret  = errors.New("no two-factor secret has been generated")
	ErrInvalidCode      = errors.New("invalid two-factor code")
	ErrTooManyAttempts  = errors.New("too many two-factor attempts")
	ErrTempTokenInvalid = errors.New("invalid temporary token")
	ErrTempTokenExpired = errors.New("temporary token expired")
	ErrTempTokenUsed    = errors.New("temporary token already used")
)

const (
	qrCodeSize = 200
	// backup codes are printed as two groups of five
	backupCodeLength   = 10
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Config controls TOTP parameters and temp token lifetime
type Config struct {
	Issuer string
	// AppSecret signs temporary tokens. It must differ from the access and refresh secrets.
	AppSecret       string
	TempTokenTTL    time.Duration
	MaxAttempts     int
	BackupCodeCount int
	// Skew is the number of 30s steps accepted on either side of now.
	Skew  uint
	Clock func() time.Time
}

// DefaultConfig returns the standard two-factor settings
func DefaultConfig() Config {
	return Config{
		Issuer:          "LMS",
		TempTokenTTL:    5 * time.Minute,
		MaxAttempts:     5,
		BackupCodeCount: 10,
		Skew:            2,
	}
}

// Enrollment is returned when a new secret is generated
type Enrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauthUrl"`
	QRCode     string `json:"qrCode"`
}

// Coordinator runs the second-factor flows
type Coordinator struct {
	repo   repository.TwoFactorRepository
	store  kvstore.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	audit  *audit.Recorder
}

// NewCoordinator creates a Coordinator. Zero config values fall back to DefaultConfig.
func NewCoordinator(repo repository.TwoFactorRepository, store kvstore.Store, cfg Config, logger *slog.Logger, recorder *audit.Recorder) *Coordinator {
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.TempTokenTTL <= 0 {
		cfg.TempTokenTTL = def.TempTokenTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = def.BackupCodeCount
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		repo:   repo,
		store:  store,
		cfg:    cfg,
		now:    now,
		logger: logger.With("component", "two_factor"),
		audit:  recorder,
	}
}

// GenerateSecret creates a new pending TOTP secret for the user
func (c *Coordinator) GenerateSecret(ctx context.Context, userID uuid.UUID, accountName string) (*Enrollment, error) {
	settings, err := c.repo.Get(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrTwoFactorNotFound) {
		return nil, err
	}
	if settings != nil && settings.Enabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      c.cfg.Issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return nil, err
	}

	if err := c.repo.SavePendingSecret(ctx, userID, key.Secret()); err != nil {
		return nil, fmt.Errorf("save secret: %w", err)
	}

	return &Enrollment{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
		QRCode:     qr,
	}, nil
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// validate checks a code against secret at the current time
func (c *Coordinator) validate(code, secret string) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, c.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      c.cfg.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// Enable confirms the pending secret with a code and returns fresh backup codes
func (c *Coordinator) Enable(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	settings, err := c.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrTwoFactorNotFound) {
			return nil, ErrNoPendingSecret
		}
		return nil, err
	}
	if settings.Enabled {
		return nil, ErrAlreadyEnabled
	}
	if !c.validate(code, settings.Secret) {
		metrics.TwoFactorVerificationsTotal.WithLabelValues("totp", "failure").Inc()
		return nil, ErrInvalidCode
	}

	if err := c.repo.SetEnabled(ctx, userID, true); err != nil {
		return nil, fmt.Errorf("enable two-factor: %w", err)
	}
	codes, err := c.replaceBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.audit.Record(ctx, audit.Event{Type: audit.EventTwoFactorEnabled, UserID: userID.String(), Success: true})
	return codes, nil
}

// Disable turns two-factor off after checking a current code
func (c *Coordinator) Disable(ctx context.Context, userID uuid.UUID, code string) error {
	settings, err := c.enabledSettings(ctx, userID)
	if err != nil {
		return err
	}
	if !c.validate(code, settings.Secret) {
		metrics.TwoFactorVerificationsTotal.WithLabelValues("totp", "failure").Inc()
		return ErrInvalidCode
	}

	if err := c.repo.Disable(ctx, userID); err != nil {
		return fmt.Errorf("disable two-factor: %w", err)
	}

	c.audit.Record(ctx, audit.Event{Type: audit.EventTwoFactorDisabled, UserID: userID.String(), Success: true})
	return nil
}

func (c *Coordinator) enabledSettings(ctx context.Context, userID uuid.UUID) (*repository.TwoFactorSettings, error) {
	settings, err := c.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrTwoFactorNotFound) {
			return nil, ErrNotEnabled
		}
		return nil, err
	}
	if !settings.Enabled {
		return nil, ErrNotEnabled
	}
	return settings, nil
}

// Verify checks a TOTP code against the user's confirmed secret
func (c *Coordinator) Verify(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	settings, err := c.enabledSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnabled) {
			return false, nil
		}
		return false, err
	}

	ok := c.validate(code, settings.Secret)
	metrics.TwoFactorVerificationsTotal.WithLabelValues("totp", outcome(ok)).Inc()
	return ok, nil
}

// VerifyBackupCode consumes a matching backup code
func (c *Coordinator) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	normalized := NormalizeBackupCode(code)
	if len(normalized) != backupCodeLength {
		metrics.TwoFactorVerificationsTotal.WithLabelValues("backup", "failure").Inc()
		return false, nil
	}

	err := c.repo.ConsumeBackupCode(ctx, userID, HashBackupCode(normalized))
	if err != nil {
		if errors.Is(err, repository.ErrBackupCodeNotFound) {
			metrics.TwoFactorVerificationsTotal.WithLabelValues("backup", "failure").Inc()
			return false, nil
		}
		return false, err
	}

	metrics.TwoFactorVerificationsTotal.WithLabelValues("backup", "success").Inc()
	c.audit.Record(ctx, audit.Event{Type: audit.EventTwoFactorBackupCodeUsed, UserID: userID.String(), Success: true})
	return true, nil
}

// RegenerateBackupCodes replaces all backup codes after checking a current code
func (c *Coordinator) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	settings, err := c.enabledSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !c.validate(code, settings.Secret) {
		metrics.TwoFactorVerificationsTotal.WithLabelValues("totp", "failure").Inc()
		return nil, ErrInvalidCode
	}

	codes, err := c.replaceBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.audit.Record(ctx, audit.Event{Type: audit.EventTwoFactorBackupCodesRenewed, UserID: userID.String(), Success: true})
	return codes, nil
}

// RemainingBackupCodes returns how many unused backup codes the user has
func (c *Coordinator) RemainingBackupCodes(ctx context.Context, userID uuid.UUID) (int, error) {
	return c.repo.CountBackupCodes(ctx, userID)
}

func (c *Coordinator) replaceBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	codes := make([]string, c.cfg.BackupCodeCount)
	hashes := make([]string, c.cfg.BackupCodeCount)
	for i := range codes {
		raw, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		hashes[i] = HashBackupCode(raw)
		codes[i] = raw[:backupCodeLength/2] + "-" + raw[backupCodeLength/2:]
	}

	if err := c.repo.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	return codes, nil
}

func randomBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	out := make([]byte, backupCodeLength)
	for i, b := range buf {
		// 256 is a multiple of the 32-symbol alphabet, so this is unbiased
		out[i] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}
	return string(out), nil
}

// NormalizeBackupCode uppercases a code and strips separators
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HashBackupCode returns the stored form of a normalized backup code
func HashBackupCode(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
