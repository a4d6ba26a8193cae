package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Claims represents the JWT claims structure. SessionID (sid) names the
// session the pair was issued for.
type Claims struct {
	Email     string    `json:"email,omitempty"`
	Username  string    `json:"username,omitempty"`
	UserType  string    `json:"userType,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	SessionID string    `json:"sid,omitempty"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenSubject is the user data embedded in a token pair
type TokenSubject struct {
	UserID   string
	Email    string
	Username string
	UserType string
	Roles    []string
}

// TokenService handles JWT token generation and validation
type TokenService struct {
	accessSecret       string
	refreshSecret      string
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	rememberMeExpiry   time.Duration
	issuer             string
	now                func() time.Time
}

// TokenServiceConfig holds configuration for TokenService.
// RememberMeExpiry replaces RefreshTokenExpiry for "remember me" logins.
type TokenServiceConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	RememberMeExpiry   time.Duration
	Issuer             string
	Clock              func() time.Time
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	if cfg.AccessTokenExpiry <= 0 {
		cfg.AccessTokenExpiry = 15 * time.Minute
	}
	if cfg.RefreshTokenExpiry <= 0 {
		cfg.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	if cfg.RememberMeExpiry <= 0 {
		cfg.RememberMeExpiry = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TokenService{
		accessSecret:       cfg.AccessSecret,
		refreshSecret:      cfg.RefreshSecret,
		accessTokenExpiry:  cfg.AccessTokenExpiry,
		refreshTokenExpiry: cfg.RefreshTokenExpiry,
		rememberMeExpiry:   cfg.RememberMeExpiry,
		issuer:             cfg.Issuer,
		now:                cfg.Clock,
	}
}

// TokenPair represents a pair of access and refresh tokens sharing one jti
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	JTI              string
	ExpiresIn        int64 // Access token expiry in seconds
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

func (s *TokenService) sign(subject TokenSubject, sessionID, jti string, typ TokenType, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Email:     subject.Email,
		Username:  subject.Username,
		UserType:  subject.UserType,
		Roles:     subject.Roles,
		SessionID: sessionID,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			ID:        jti,
		},
	}

	secret := s.accessSecret
	if typ == RefreshTokenType {
		secret = s.refreshSecret
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateTokenPair signs an access token and a refresh token for the session.
// rememberMe selects the longer refresh lifetime.
func (s *TokenService) GenerateTokenPair(subject TokenSubject, sessionID string, rememberMe bool) (*TokenPair, error) {
	if subject.UserID == "" {
		return nil, errors.New("token subject is required")
	}

	now := s.now()
	jti := uuid.New().String()
	refreshTTL := s.RefreshTTL(rememberMe)

	accessToken, err := s.sign(subject, sessionID, jti, AccessTokenType, now, s.accessTokenExpiry)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.sign(subject, sessionID, jti, RefreshTokenType, now, refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		JTI:              jti,
		ExpiresIn:        int64(s.accessTokenExpiry.Seconds()),
		AccessExpiresAt:  now.Add(s.accessTokenExpiry),
		RefreshExpiresAt: now.Add(refreshTTL),
	}, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.accessSecret, AccessTokenType)
}

// ValidateRefreshToken validates a refresh token and returns the claims
func (s *TokenService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.refreshSecret, RefreshTokenType)
}

// validateToken returns ErrTokenExpired for a well-signed but expired token and
// ErrTokenInvalid for anything else that fails.
func (s *TokenService) validateToken(tokenString, secret string, expectedType TokenType) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	// Verify token type
	if claims.Type != expectedType {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// HashToken creates a SHA-256 hash of a token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// RefreshTTL returns the refresh lifetime for the login kind
func (s *TokenService) RefreshTTL(rememberMe bool) time.Duration {
	if rememberMe {
		return s.rememberMeExpiry
	}
	return s.refreshTokenExpiry
}

// GetAccessTokenExpiry returns the access token expiry duration
func (s *TokenService) GetAccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}
