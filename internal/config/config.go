package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Session     SessionConfig
	Lockout     LockoutConfig
	TwoFactor   TwoFactorConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
	// TrustProxyHeaders takes the client address from X-Real-IP or
	// X-Forwarded-For. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the shared key-value store configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// JWTConfig holds JWT token configuration.
// AppSecret signs short-lived step-up tokens and must differ from both token secrets.
type JWTConfig struct {
	AccessSecret          string
	RefreshSecret         string
	AppSecret             string
	AccessTokenExpiry     time.Duration
	RefreshTokenExpiry    time.Duration
	RememberMeExpiry      time.Duration
	Issuer                string
	RefreshReuseDetection bool
}

// SessionConfig holds session registry configuration
type SessionConfig struct {
	MaxSessionsPerUser int
	BlacklistTTL       time.Duration
	CookieDomain       string
}

// LockoutConfig holds account lockout policy
type LockoutConfig struct {
	MaxAttempts int
	Window      time.Duration
	Duration    time.Duration
}

// TwoFactorConfig holds step-up authentication configuration
type TwoFactorConfig struct {
	Issuer          string
	TempTokenExpiry time.Duration
	MaxAttempts     int
	BackupCodeCount int
	Skew            uint
}

// RateLimitConfig holds per-IP login throttling configuration
type RateLimitConfig struct {
	LoginRequests int
	LoginWindow   time.Duration
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			Port:              getEnv("SERVER_PORT", "8080"),
			TrustProxyHeaders: getBoolEnv("TRUST_PROXY_HEADERS", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "lms"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getIntEnv("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "lms:auth:"),
		},
		JWT: JWTConfig{
			AccessSecret:          getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:         getEnv("JWT_REFRESH_SECRET", ""),
			AppSecret:             getEnv("JWT_SECRET", ""),
			AccessTokenExpiry:     getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:    getDurationEnv("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			RememberMeExpiry:      getDurationEnv("JWT_REMEMBER_ME_EXPIRY", 30*24*time.Hour),
			Issuer:                getEnv("JWT_ISSUER", "lms-auth"),
			RefreshReuseDetection: getBoolEnv("REFRESH_REUSE_DETECTION", true),
		},
		Session: SessionConfig{
			MaxSessionsPerUser: getIntEnv("MAX_SESSIONS_PER_USER", 5),
			BlacklistTTL:       getDurationEnv("SESSION_BLACKLIST_TTL", time.Hour),
			CookieDomain:       getEnv("COOKIE_DOMAIN", ""),
		},
		Lockout: LockoutConfig{
			MaxAttempts: getIntEnv("MAX_LOGIN_ATTEMPTS", 5),
			Window:      getDurationEnv("LOGIN_ATTEMPT_WINDOW", time.Hour),
			Duration:    getDurationEnv("LOCKOUT_DURATION", 15*time.Minute),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          getEnv("TWO_FACTOR_ISSUER", "LMS"),
			TempTokenExpiry: getDurationEnv("TWO_FACTOR_TEMP_TOKEN_EXPIRY", 5*time.Minute),
			MaxAttempts:     getIntEnv("TWO_FACTOR_MAX_ATTEMPTS", 5),
			BackupCodeCount: getIntEnv("TWO_FACTOR_BACKUP_CODES", 10),
			Skew:            uint(getIntEnv("TWO_FACTOR_SKEW", 2)),
		},
		RateLimit: RateLimitConfig{
			LoginRequests: getIntEnv("LOGIN_RATE_LIMIT", 20),
			LoginWindow:   getDurationEnv("LOGIN_RATE_WINDOW", time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}
}

// IsProduction reports whether cookies must be Secure and SameSite=Strict
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate checks that secrets are present and distinct
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET environment variable is required"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET environment variable is required"))
	}
	if c.JWT.AppSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is required"))
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.Session.MaxSessionsPerUser < 1 {
		errs = append(errs, errors.New("MAX_SESSIONS_PER_USER must be at least 1"))
	}
	if c.Lockout.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Accepts Go durations ("90s", "7h") or a bare integer number of minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
