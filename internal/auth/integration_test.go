//go:build integration

package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/auth"
	"github.com/welldanyogia/lms-auth/internal/device"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	authmw "github.com/welldanyogia/lms-auth/internal/middleware"
	"github.com/welldanyogia/lms-auth/internal/repository"
	"github.com/welldanyogia/lms-auth/internal/session"
	"github.com/welldanyogia/lms-auth/internal/twofactor"
)

const integrationPassword = "ValidPass1!"

var (
	testDB      *pgxpool.Pool
	testRedis   *redis.Client
	testRouter  *chi.Mux
	authService *auth.AuthService
	passwords   = auth.NewPasswordValidatorWithCost(4)
)

// TestMain connects to the test database and Redis and builds the router
func TestMain(m *testing.M) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		dbURL = "host=localhost port=5432 user=postgres password=postgres dbname=lms_auth_test sslmode=disable"
	}
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	ctx := context.Background()

	var err error
	testDB, err = pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Printf("Failed to connect to test database: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	if err := testDB.Ping(ctx); err != nil {
		fmt.Printf("Failed to ping test database: %v\n", err)
		os.Exit(1)
	}

	sqlDB, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		fmt.Printf("Failed to open sqlx handle: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	testRedis, err = kvstore.NewRedisClient(ctx, kvstore.RedisConfig{Addr: redisAddr, DB: 15})
	if err != nil {
		fmt.Printf("Failed to connect to test redis: %v\n", err)
		os.Exit(1)
	}
	defer testRedis.Close()

	setupTestRouter(sqlDB)

	os.Exit(m.Run())
}

func setupTestRouter(sqlDB *sqlx.DB) {
	store := kvstore.NewRedisStore(testRedis, "lms_auth_test:")
	recorder := audit.NewRecorder(audit.NopSink{}, nil, nil)

	userRepo := repository.NewUserRepository(testDB)
	refreshRepo := repository.NewRefreshTokenRepository(testDB)
	twoFactorRepo := repository.NewTwoFactorRepository(sqlDB)

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:  "test-access-secret-key-32-chars!",
		RefreshSecret: "test-refresh-secret-key-32-chars",
		Issuer:        "test-issuer",
	})
	sessions := session.NewRegistry(store, session.DefaultConfig(), nil, recorder)

	tfCfg := twofactor.DefaultConfig()
	tfCfg.AppSecret = "test-app-secret-key-32-characters"
	coordinator := twofactor.NewCoordinator(twoFactorRepo, store, tfCfg, nil, recorder)

	lockout := auth.NewLockoutTracker(store, auth.DefaultLockoutConfig(), nil)
	credentials := auth.NewCredentialValidator(userRepo, passwords, lockout, recorder, nil)
	issuer := auth.NewTokenIssuer(tokenService, refreshRepo, userRepo, sessions, store,
		auth.TokenIssuerConfig{ReuseDetection: true}, recorder, nil)

	authService = auth.NewAuthService(userRepo, credentials, issuer, sessions, coordinator, recorder, nil)
	handler := auth.NewAuthHandler(authService, nil, auth.CookieConfig{}, nil)
	guard := authmw.NewSessionGuard(tokenService, sessions, nil)

	testRouter = chi.NewRouter()
	testRouter.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, handler, guard.Authenticate, nil)
	})
}

// cleanupTestData removes test data from the database and Redis
func cleanupTestData(t *testing.T) {
	ctx := context.Background()

	for _, table := range []string{"two_factor_backup_codes", "two_factor_settings", "refresh_tokens", "users"} {
		if _, err := testDB.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Logf("Warning: failed to cleanup %s: %v", table, err)
		}
	}
	if err := testRedis.FlushDB(ctx).Err(); err != nil {
		t.Logf("Warning: failed to flush redis: %v", err)
	}
}

func createUser(t *testing.T) *repository.User {
	t.Helper()
	hash, err := passwords.HashPassword(integrationPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	u := &repository.User{
		ID:           uuid.New(),
		Email:        fmt.Sprintf("student_%d@lms.test", time.Now().UnixNano()),
		Username:     "student",
		PasswordHash: hash,
	}
	_, err = testDB.Exec(context.Background(),
		`INSERT INTO users (id, email, username, password_hash, roles) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Username, u.PasswordHash, []string{"learner"})
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return u
}

func makeRequest(t *testing.T, method, path string, body interface{}, authToken string) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	rr := httptest.NewRecorder()
	testRouter.ServeHTTP(rr, req)
	return rr
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *auth.APIError  `json:"error,omitempty"`
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) auth.AuthResult {
	t.Helper()
	var resp apiResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	var res auth.AuthResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	return res
}

// TestIntegration_LoginRefreshLogoutFlow drives the whole lifecycle over HTTP
func TestIntegration_LoginRefreshLogoutFlow(t *testing.T) {
	cleanupTestData(t)
	defer cleanupTestData(t)
	user := createUser(t)

	var login auth.AuthResult
	t.Run("Login", func(t *testing.T) {
		rr := makeRequest(t, "POST", "/api/v1/auth/login", map[string]interface{}{
			"email":    user.Email,
			"password": integrationPassword,
		}, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		login = decodeResult(t, rr)
		if login.AccessToken == "" || login.SessionID == "" {
			t.Fatal("Expected tokens and a session id")
		}
	})

	t.Run("Me", func(t *testing.T) {
		rr := makeRequest(t, "GET", "/api/v1/auth/me", nil, login.AccessToken)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	var refreshed auth.AuthResult
	t.Run("Refresh", func(t *testing.T) {
		rr := makeRequest(t, "POST", "/api/v1/auth/refresh", map[string]string{"refreshToken": login.RefreshToken}, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		refreshed = decodeResult(t, rr)
		if refreshed.SessionID != login.SessionID {
			t.Errorf("Expected session %s, got %s", login.SessionID, refreshed.SessionID)
		}
	})

	t.Run("Logout", func(t *testing.T) {
		rr := makeRequest(t, "POST", "/api/v1/auth/logout", nil, refreshed.AccessToken)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("AccessAfterLogout", func(t *testing.T) {
		rr := makeRequest(t, "GET", "/api/v1/auth/me", nil, refreshed.AccessToken)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("Expected 401, got %d", rr.Code)
		}
	})
}

// TestIntegration_ConcurrentRefresh checks that one refresh token yields one new pair
func TestIntegration_ConcurrentRefresh(t *testing.T) {
	cleanupTestData(t)
	defer cleanupTestData(t)
	user := createUser(t)

	res, err := authService.Login(context.Background(), auth.LoginRequest{Email: user.Email, Password: integrationPassword}, testDeviceInfo())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := authService.Refresh(context.Background(), res.RefreshToken); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("Expected exactly one successful refresh, got %d", success)
	}
}

// TestIntegration_Lockout checks the lockout counters in Redis
func TestIntegration_Lockout(t *testing.T) {
	cleanupTestData(t)
	defer cleanupTestData(t)
	user := createUser(t)

	for i := 0; i < 5; i++ {
		makeRequest(t, "POST", "/api/v1/auth/login", map[string]string{"email": user.Email, "password": "wrong"}, "")
	}
	rr := makeRequest(t, "POST", "/api/v1/auth/login", map[string]string{"email": user.Email, "password": integrationPassword}, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header")
	}
}

func testDeviceInfo() device.Info {
	return device.NewExtractor().Parse("Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0", "203.0.113.9")
}
