package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/welldanyogia/lms-auth/internal/metrics"
)

// Refresh token repository errors
var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)

// RefreshTokenRepository stores the server-side references refresh tokens are bound to
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error
	// Consume deletes the reference with the given hash and returns it.
	// Two concurrent calls with the same hash cannot both succeed.
	Consume(ctx context.Context, tokenHash string) (*RefreshToken, error)
	DeleteBySessionID(ctx context.Context, sessionID string) (int64, error)
	DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// refreshTokenRepository implements RefreshTokenRepository using PostgreSQL
type refreshTokenRepository struct {
	pool *pgxpool.Pool
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository instance
func NewRefreshTokenRepository(pool *pgxpool.Pool) RefreshTokenRepository {
	return &refreshTokenRepository{pool: pool}
}

// Create inserts a new refresh token reference
func (r *refreshTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	defer metrics.TimeQuery("refresh_token_create")()
	query := `
		INSERT INTO refresh_tokens (user_id, session_id, jti, token_hash, remember_me, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	return r.pool.QueryRow(ctx, query,
		token.UserID,
		token.SessionID,
		token.JTI,
		token.TokenHash,
		token.RememberMe,
		token.ExpiresAt,
	).Scan(&token.ID, &token.CreatedAt)
}

// Consume atomically removes and returns an unexpired reference
func (r *refreshTokenRepository) Consume(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	defer metrics.TimeQuery("refresh_token_consume")()
	query := `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1 AND expires_at > $2
		RETURNING id, user_id, session_id, jti, token_hash, remember_me, expires_at, created_at
	`

	token := &RefreshToken{}
	err := r.pool.QueryRow(ctx, query, tokenHash, time.Now().UTC()).Scan(
		&token.ID,
		&token.UserID,
		&token.SessionID,
		&token.JTI,
		&token.TokenHash,
		&token.RememberMe,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}

	return token, nil
}

// DeleteBySessionID removes every reference issued for a session
func (r *refreshTokenRepository) DeleteBySessionID(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteByUserID removes every reference belonging to a user
func (r *refreshTokenRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CleanupExpired removes all expired references
func (r *refreshTokenRepository) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
