package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/device"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/repository"
	"github.com/welldanyogia/lms-auth/internal/session"
	"github.com/welldanyogia/lms-auth/internal/twofactor"
	"golang.org/x/crypto/bcrypt"
)

// tb is satisfied by both *testing.T and *rapid.T
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// mockUserRepository implements repository.UserRepository for testing
type mockUserRepository struct {
	mu    sync.Mutex
	users map[uuid.UUID]*repository.User
	err   error
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{users: make(map[uuid.UUID]*repository.User)}
}

func (m *mockUserRepository) put(u *repository.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *mockUserRepository) update(id uuid.UUID, fn func(*repository.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		fn(u)
	}
}

func (m *mockUserRepository) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserRepository) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) UpdateLastLogin(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	now := time.Now().UTC()
	u.LastLoginAt = &now
	return nil
}

// mockRefreshTokenRepository implements repository.RefreshTokenRepository for testing
type mockRefreshTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]*repository.RefreshToken
	now    func() time.Time
	// failCreates makes the next n Create calls fail
	failCreates int
}

func newMockRefreshTokenRepository(now func() time.Time) *mockRefreshTokenRepository {
	return &mockRefreshTokenRepository{
		tokens: make(map[string]*repository.RefreshToken),
		now:    now,
	}
}

func (m *mockRefreshTokenRepository) Create(_ context.Context, token *repository.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreates > 0 {
		m.failCreates--
		return errors.New("insert refresh token: connection reset")
	}
	token.ID = uuid.New()
	token.CreatedAt = m.now()
	cp := *token
	m.tokens[token.TokenHash] = &cp
	return nil
}

func (m *mockRefreshTokenRepository) Consume(_ context.Context, tokenHash string) (*repository.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, repository.ErrRefreshTokenNotFound
	}
	delete(m.tokens, tokenHash)
	if !t.ExpiresAt.After(m.now()) {
		return nil, repository.ErrRefreshTokenNotFound
	}
	return t, nil
}

func (m *mockRefreshTokenRepository) DeleteBySessionID(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, t := range m.tokens {
		if t.SessionID == sessionID {
			delete(m.tokens, h)
			n++
		}
	}
	return n, nil
}

func (m *mockRefreshTokenRepository) DeleteByUserID(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, h)
			n++
		}
	}
	return n, nil
}

func (m *mockRefreshTokenRepository) CleanupExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, t := range m.tokens {
		if !t.ExpiresAt.After(m.now()) {
			delete(m.tokens, h)
			n++
		}
	}
	return n, nil
}

func (m *mockRefreshTokenRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// mockTwoFactorRepository is a map-backed TwoFactorRepository that mirrors the
// enabled flag onto the user like the SQL implementation does
type mockTwoFactorRepository struct {
	mu       sync.Mutex
	users    *mockUserRepository
	settings map[uuid.UUID]*repository.TwoFactorSettings
	codes    map[uuid.UUID]map[string]bool
}

func newMockTwoFactorRepository(users *mockUserRepository) *mockTwoFactorRepository {
	return &mockTwoFactorRepository{
		users:    users,
		settings: make(map[uuid.UUID]*repository.TwoFactorSettings),
		codes:    make(map[uuid.UUID]map[string]bool),
	}
}

func (m *mockTwoFactorRepository) Get(_ context.Context, userID uuid.UUID) (*repository.TwoFactorSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, repository.ErrTwoFactorNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockTwoFactorRepository) SavePendingSecret(_ context.Context, userID uuid.UUID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[userID]; ok && s.Enabled {
		return nil
	}
	m.settings[userID] = &repository.TwoFactorSettings{UserID: userID, Secret: secret}
	return nil
}

func (m *mockTwoFactorRepository) SetEnabled(_ context.Context, userID uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return repository.ErrTwoFactorNotFound
	}
	s.Enabled = enabled
	m.users.update(userID, func(u *repository.User) { u.TwoFactorEnabled = enabled })
	return nil
}

func (m *mockTwoFactorRepository) Disable(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, userID)
	delete(m.codes, userID)
	m.users.update(userID, func(u *repository.User) { u.TwoFactorEnabled = false })
	return nil
}

func (m *mockTwoFactorRepository) ReplaceBackupCodes(_ context.Context, userID uuid.UUID, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	m.codes[userID] = set
	return nil
}

func (m *mockTwoFactorRepository) ConsumeBackupCode(_ context.Context, userID uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.codes[userID][hash] {
		return repository.ErrBackupCodeNotFound
	}
	delete(m.codes[userID], hash)
	return nil
}

func (m *mockTwoFactorRepository) CountBackupCodes(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes[userID]), nil
}

const testPassword = "Correct-Horse-42"

var testDevice = device.Info{IP: "10.0.0.7", UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0", Device: device.TypeDesktop, Browser: "Firefox", OS: "Linux"}

type envOptions struct {
	reuseDetection bool
	maxSessions    int
}

// testEnv wires the whole authentication core against in-memory stores
type testEnv struct {
	clock     *testClock
	store     *kvstore.MemoryStore
	sink      *audit.MemorySink
	users     *mockUserRepository
	refresh   *mockRefreshTokenRepository
	twoFA     *mockTwoFactorRepository
	passwords *PasswordValidator
	tokens    *TokenService
	sessions  *session.Registry
	coord     *twofactor.Coordinator
	issuer    *TokenIssuer
	service   *AuthService
}

func newTestEnv(opts envOptions) *testEnv {
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemoryStoreWithClock(clock.Now)
	sink := audit.NewMemorySink(1000)
	recorder := audit.NewRecorder(sink, nil, clock.Now)
	users := newMockUserRepository()
	refresh := newMockRefreshTokenRepository(clock.Now)
	twoFA := newMockTwoFactorRepository(users)
	passwords := NewPasswordValidatorWithCost(bcrypt.MinCost)

	sessCfg := session.DefaultConfig()
	sessCfg.Clock = clock.Now
	if opts.maxSessions > 0 {
		sessCfg.MaxSessionsPerUser = opts.maxSessions
	}
	sessions := session.NewRegistry(store, sessCfg, nil, recorder)

	tfCfg := twofactor.DefaultConfig()
	tfCfg.AppSecret = "test-app-secret-for-temp-tokens!"
	tfCfg.Clock = clock.Now
	coord := twofactor.NewCoordinator(twoFA, store, tfCfg, nil, recorder)

	tokens := newTestTokenService(clock.Now)
	lockout := NewLockoutTracker(store, DefaultLockoutConfig(), clock.Now)
	credentials := NewCredentialValidator(users, passwords, lockout, recorder, nil)
	issuer := NewTokenIssuer(tokens, refresh, users, sessions, store,
		TokenIssuerConfig{ReuseDetection: opts.reuseDetection, Clock: clock.Now}, recorder, nil)

	return &testEnv{
		clock:     clock,
		store:     store,
		sink:      sink,
		users:     users,
		refresh:   refresh,
		twoFA:     twoFA,
		passwords: passwords,
		tokens:    tokens,
		sessions:  sessions,
		coord:     coord,
		issuer:    issuer,
		service:   NewAuthService(users, credentials, issuer, sessions, coord, recorder, nil),
	}
}

// addUser stores an active student with testPassword
func (e *testEnv) addUser(t tb, email string) *repository.User {
	t.Helper()
	hash, err := e.passwords.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &repository.User{
		ID:           uuid.New(),
		Email:        email,
		Username:     strings.Split(email, "@")[0],
		UserType:     "student",
		Roles:        []string{"learner"},
		Permissions:  []string{"course:read"},
		PasswordHash: hash,
		Status:       repository.UserStatusActive,
		CreatedAt:    e.clock.Now(),
		UpdatedAt:    e.clock.Now(),
	}
	e.users.put(u)
	return u
}

// login opens a session for user with the correct password
func (e *testEnv) login(t tb, user *repository.User, rememberMe bool) *AuthResult {
	t.Helper()
	res, err := e.service.Login(context.Background(), LoginRequest{
		Email:      user.Email,
		Password:   testPassword,
		RememberMe: rememberMe,
	}, testDevice)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

// enroll turns two-factor on for user and returns the secret and backup codes
func (e *testEnv) enroll(t tb, user *repository.User) (string, []string) {
	t.Helper()
	ctx := context.Background()
	enrollment, err := e.coord.GenerateSecret(ctx, user.ID, user.Email)
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	codes, err := e.coord.Enable(ctx, user.ID, e.totpCode(t, enrollment.Secret))
	if err != nil {
		t.Fatalf("enable two-factor: %v", err)
	}
	return enrollment.Secret, codes
}

func (e *testEnv) totpCode(t tb, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, e.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

// wrongCode returns a six digit code the secret does not accept right now
func (e *testEnv) wrongCode(secret string) string {
	opts := totp.ValidateOpts{Period: 30, Skew: 2, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
	for n := 0; ; n++ {
		code := fmt.Sprintf("%06d", n)
		if ok, _ := totp.ValidateCustom(code, secret, e.clock.Now(), opts); !ok {
			return code
		}
	}
}
