package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/auth"
	"github.com/welldanyogia/lms-auth/internal/config"
	"github.com/welldanyogia/lms-auth/internal/device"
	"github.com/welldanyogia/lms-auth/internal/health"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/logger"
	"github.com/welldanyogia/lms-auth/internal/metrics"
	authmw "github.com/welldanyogia/lms-auth/internal/middleware"
	"github.com/welldanyogia/lms-auth/internal/repository"
	"github.com/welldanyogia/lms-auth/internal/session"
	"github.com/welldanyogia/lms-auth/internal/twofactor"
)

var version = "dev"

const refreshCleanupInterval = time.Hour

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbPool, err := setupDatabase(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	sqlDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open sqlx handle", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	redisClient, err := kvstore.NewRedisClient(ctx, kvstore.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("failed to connect to redis", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}
	defer redisClient.Close()
	log.Info("connected to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	store := kvstore.Instrument(kvstore.NewRedisStore(redisClient, cfg.Redis.KeyPrefix))
	recorder := audit.NewRecorder(audit.NewLogSink(log), log, nil)

	// Repositories
	userRepo := repository.NewUserRepository(dbPool)
	refreshRepo := repository.NewRefreshTokenRepository(dbPool)
	twoFactorRepo := repository.NewTwoFactorRepository(sqlDB)

	// Core services
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		RememberMeExpiry:   cfg.JWT.RememberMeExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	sessions := session.NewRegistry(store, session.Config{
		SessionTTL:         cfg.JWT.RefreshTokenExpiry,
		RememberMeTTL:      cfg.JWT.RememberMeExpiry,
		BlacklistTTL:       cfg.Session.BlacklistTTL,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
	}, log, recorder)

	coordinator := twofactor.NewCoordinator(twoFactorRepo, store, twofactor.Config{
		Issuer:          cfg.TwoFactor.Issuer,
		AppSecret:       cfg.JWT.AppSecret,
		TempTokenTTL:    cfg.TwoFactor.TempTokenExpiry,
		MaxAttempts:     cfg.TwoFactor.MaxAttempts,
		BackupCodeCount: cfg.TwoFactor.BackupCodeCount,
		Skew:            cfg.TwoFactor.Skew,
	}, log, recorder)

	lockout := auth.NewLockoutTracker(store, auth.LockoutConfig{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Window:      cfg.Lockout.Window,
		Duration:    cfg.Lockout.Duration,
	}, nil)
	credentials := auth.NewCredentialValidator(userRepo, auth.NewPasswordValidator(), lockout, recorder, log)
	issuer := auth.NewTokenIssuer(tokenService, refreshRepo, userRepo, sessions, store,
		auth.TokenIssuerConfig{ReuseDetection: cfg.JWT.RefreshReuseDetection}, recorder, log)

	authService := auth.NewAuthService(userRepo, credentials, issuer, sessions, coordinator, recorder, log)
	authHandler := auth.NewAuthHandler(authService, device.NewExtractor(), auth.CookieConfig{
		Production: cfg.IsProduction(),
		Domain:     cfg.Session.CookieDomain,
	}, log)

	sessionGuard := authmw.NewSessionGuard(tokenService, sessions, log)
	loginLimiter := authmw.NewLoginRateLimiter(store, cfg.RateLimit.LoginRequests, cfg.RateLimit.LoginWindow, log)

	healthHandler := health.NewPostgresRedisHandler(dbPool, redisClient, version)

	dbCollector := metrics.NewDBStatsCollector(dbPool, sqlDB.DB, log)
	dbCollector.Start(15 * time.Second)
	defer dbCollector.Stop()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go cleanupRefreshTokens(cleanupCtx, refreshRepo, log)

	// Router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(authmw.StructuredLogger(log))
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", auth.SessionIDHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, sessionGuard.Authenticate, loginLimiter)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr, "environment", cfg.Environment, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database", "name", cfg.Database.DBName, "host", cfg.Database.Host, "port", cfg.Database.Port)
	return pool, nil
}

// cleanupRefreshTokens purges expired refresh token references until ctx is done
func cleanupRefreshTokens(ctx context.Context, repo repository.RefreshTokenRepository, log *slog.Logger) {
	ticker := time.NewTicker(refreshCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.CleanupExpired(ctx)
			if err != nil {
				log.Warn("refresh token cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("removed expired refresh tokens", "count", n)
			}
		}
	}
}
