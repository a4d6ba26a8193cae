package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/welldanyogia/lms-auth/internal/metrics"
)

// Two-factor repository errors
var (
	ErrTwoFactorNotFound  = errors.New("two-factor settings not found")
	ErrBackupCodeNotFound = errors.New("backup code not found")
)

// TwoFactorRepository stores TOTP secrets and backup codes
type TwoFactorRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*TwoFactorSettings, error)
	// SavePendingSecret stores a new unconfirmed secret, replacing any previous one.
	// An already enabled configuration is left untouched.
	SavePendingSecret(ctx context.Context, userID uuid.UUID, secret string) error
	SetEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error
	// Disable clears the secret and all backup codes.
	Disable(ctx context.Context, userID uuid.UUID) error
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codeHashes []string) error
	// ConsumeBackupCode deletes a matching code. Returns ErrBackupCodeNotFound if none matched.
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) error
	CountBackupCodes(ctx context.Context, userID uuid.UUID) (int, error)
}

// twoFactorRepository implements TwoFactorRepository with sqlx
type twoFactorRepository struct {
	db *sqlx.DB
}

// NewTwoFactorRepository creates a new TwoFactorRepository
func NewTwoFactorRepository(db *sqlx.DB) TwoFactorRepository {
	return &twoFactorRepository{db: db}
}

// Get returns the two-factor settings of a user
func (r *twoFactorRepository) Get(ctx context.Context, userID uuid.UUID) (*TwoFactorSettings, error) {
	defer metrics.TimeQuery("two_factor_get")()
	query := `
		SELECT user_id, secret, enabled, confirmed_at, created_at, updated_at
		FROM two_factor_settings
		WHERE user_id = $1
	`

	var settings TwoFactorSettings
	if err := r.db.GetContext(ctx, &settings, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTwoFactorNotFound
		}
		return nil, err
	}
	return &settings, nil
}

// SavePendingSecret upserts a pending secret unless 2FA is already enabled
func (r *twoFactorRepository) SavePendingSecret(ctx context.Context, userID uuid.UUID, secret string) error {
	query := `
		INSERT INTO two_factor_settings (user_id, secret, enabled, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at
		WHERE two_factor_settings.enabled = FALSE
	`

	_, err := r.db.ExecContext(ctx, query, userID, secret, time.Now().UTC())
	return err
}

// SetEnabled flips the enabled flag and mirrors it onto the users table
func (r *twoFactorRepository) SetEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		var confirmedAt *time.Time
		if enabled {
			confirmedAt = &now
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE two_factor_settings
			SET enabled = $2, confirmed_at = $3, updated_at = $4
			WHERE user_id = $1
		`, userID, enabled, confirmedAt, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTwoFactorNotFound
		}

		_, err = tx.ExecContext(ctx, `UPDATE users SET two_factor_enabled = $2 WHERE id = $1`, userID, enabled)
		return err
	})
}

// Disable removes the secret and backup codes of a user
func (r *twoFactorRepository) Disable(ctx context.Context, userID uuid.UUID) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_settings WHERE user_id = $1`, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET two_factor_enabled = FALSE WHERE id = $1`, userID)
		return err
	})
}

// ReplaceBackupCodes drops existing codes and stores the new hashes
func (r *twoFactorRepository) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		if len(codeHashes) == 0 {
			return nil
		}

		now := time.Now().UTC()
		codes := make([]BackupCode, len(codeHashes))
		for i, h := range codeHashes {
			codes[i] = BackupCode{UserID: userID, CodeHash: h, CreatedAt: now}
		}
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO two_factor_backup_codes (user_id, code_hash, created_at)
			VALUES (:user_id, :code_hash, :created_at)
		`, codes)
		return err
	})
}

// ConsumeBackupCode deletes the code in a single statement so it can be used once
func (r *twoFactorRepository) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) error {
	defer metrics.TimeQuery("two_factor_consume_backup_code")()
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM two_factor_backup_codes
		WHERE user_id = $1 AND code_hash = $2
	`, userID, codeHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBackupCodeNotFound
	}
	return nil
}

// CountBackupCodes returns how many unused backup codes remain
func (r *twoFactorRepository) CountBackupCodes(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM two_factor_backup_codes WHERE user_id = $1`, userID)
	return count, err
}

func (r *twoFactorRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
