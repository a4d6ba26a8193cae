package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	appctx "github.com/welldanyogia/lms-auth/internal/context"
	"github.com/welldanyogia/lms-auth/internal/twofactor"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// bearerGuard trusts any valid access token and its sid claim
func bearerGuard(tokens *TokenService) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.ValidateAccessToken(FromBearer(r))
			if err != nil {
				WriteAuthError(w, err)
				return
			}
			ctx := appctx.WithIdentity(r.Context(), appctx.Identity{
				UserID:    claims.UserID(),
				Email:     claims.Email,
				SessionID: claims.SessionID,
				UserType:  claims.UserType,
				Roles:     claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(env *testEnv, cookies CookieConfig) http.Handler {
	r := chi.NewRouter()
	handler := NewAuthHandler(env.service, nil, cookies, nil)
	RegisterRoutes(r, handler, bearerGuard(env.tokens), nil)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}, cookies ...*http.Cookie) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testDevice.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp testResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func cookieMap(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestLoginHandler_Success(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "ann@lms.test")
	router := newTestRouter(env, CookieConfig{})

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", "", LoginRequest{Email: user.Email, Password: testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res AuthResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if res.AccessToken == "" || res.SessionID == "" || res.User.Email != user.Email {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Contains(rec.Body.String(), "passwordHash") || strings.Contains(rec.Body.String(), "$2a$") {
		t.Fatal("password hash leaked into the response")
	}

	cookies := cookieMap(rec)
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie, SessionIDCookie} {
		c, ok := cookies[name]
		if !ok {
			t.Fatalf("missing cookie %s", name)
		}
		if !c.HttpOnly || c.Path != "/" || c.Secure || c.SameSite != http.SameSiteLaxMode {
			t.Errorf("cookie %s has wrong attributes: %+v", name, c)
		}
	}
	if cookies[SessionIDCookie].Value != res.SessionID || cookies[AccessTokenCookie].Value != res.AccessToken {
		t.Error("cookie values do not match the result")
	}
}

func TestLoginHandler_ProductionCookies(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "bo@lms.test")
	router := newTestRouter(env, CookieConfig{Production: true, Domain: "lms.test"})

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/login", "", LoginRequest{Email: user.Email, Password: testPassword, RememberMe: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	cookies := cookieMap(rec)
	for name, c := range cookies {
		if !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Domain != "lms.test" {
			t.Errorf("cookie %s has wrong attributes: %+v", name, c)
		}
	}
	access := cookies[AccessTokenCookie].Expires
	refresh := cookies[RefreshTokenCookie].Expires
	if refresh.Sub(access) < 29*24*time.Hour {
		t.Errorf("expected the refresh cookie to outlive the access cookie by ~30 days, got %v", refresh.Sub(access))
	}
}

func TestLoginHandler_Validation(t *testing.T) {
	env := newTestEnv(envOptions{})
	router := newTestRouter(env, CookieConfig{})

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", "", map[string]string{"email": "not-an-email"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", resp.Error)
	}
	if _, ok := resp.Error.Details["email"]; !ok {
		t.Errorf("expected an email detail, got %v", resp.Error.Details)
	}
	if _, ok := resp.Error.Details["password"]; !ok {
		t.Errorf("expected a password detail, got %v", resp.Error.Details)
	}
}

func TestLoginHandler_InvalidCredentials(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "cal@lms.test")
	router := newTestRouter(env, CookieConfig{})

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", "", LoginRequest{Email: user.Email, Password: "wrong"})
	if rec.Code != http.StatusUnauthorized || resp.Error.Code != CodeInvalidCredentials {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %+v", rec.Code, resp.Error)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("no cookies may be set on failure")
	}
}

func TestLoginHandler_Locked(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "dot@lms.test")
	router := newTestRouter(env, CookieConfig{})

	for i := 0; i < 5; i++ {
		doJSON(t, router, http.MethodPost, "/auth/login", "", LoginRequest{Email: user.Email, Password: "wrong"})
	}
	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", "", LoginRequest{Email: user.Email, Password: testPassword})

	if rec.Code != http.StatusForbidden || resp.Error.Code != CodeAccountLocked {
		t.Fatalf("expected 403 ACCOUNT_LOCKED, got %d %+v", rec.Code, resp.Error)
	}
	if rec.Header().Get("Retry-After") != "900" {
		t.Errorf("expected Retry-After 900, got %q", rec.Header().Get("Retry-After"))
	}
	if got := resp.Error.Details["remainingMinutes"]; len(got) != 1 || got[0] != "15" {
		t.Errorf("expected 15 remaining minutes, got %v", got)
	}
}

func TestLoginHandler_TwoFactorFlow(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "eli@lms.test")
	secret, _ := env.enroll(t, user)
	router := newTestRouter(env, CookieConfig{})

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", "", LoginRequest{Email: user.Email, Password: testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("no cookies before the second factor")
	}
	var first AuthResult
	if err := json.Unmarshal(resp.Data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.Requires2FA || first.TempToken == "" {
		t.Fatalf("expected a temp token, got %+v", first)
	}

	rec, resp = doJSON(t, router, http.MethodPost, "/auth/login/2fa", "", Login2FARequest{TempToken: first.TempToken, Code: env.wrongCode(secret)})
	if rec.Code != http.StatusUnauthorized || resp.Error.Code != CodeTwoFactorInvalid {
		t.Fatalf("expected 401 TWO_FACTOR_INVALID, got %d %+v", rec.Code, resp.Error)
	}
	if got := resp.Error.Details["attemptsLeft"]; len(got) != 1 || got[0] != "4" {
		t.Errorf("expected 4 attempts left, got %v", got)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/login/2fa", "", Login2FARequest{TempToken: first.TempToken, Code: env.totpCode(t, secret)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := cookieMap(rec)[SessionIDCookie]; !ok {
		t.Error("expected session cookies after the second factor")
	}
}

func TestRefreshHandler(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "flo@lms.test")
	router := newTestRouter(env, CookieConfig{})
	login := env.login(t, user, false)

	t.Run("missing token", func(t *testing.T) {
		rec, resp := doJSON(t, router, http.MethodPost, "/auth/refresh", "", nil)
		if rec.Code != http.StatusUnauthorized || resp.Error.Code != CodeAuthTokenMissing {
			t.Fatalf("expected 401 AUTH_TOKEN_MISSING, got %d %+v", rec.Code, resp.Error)
		}
	})

	var rotated string
	t.Run("from cookie", func(t *testing.T) {
		rec, resp := doJSON(t, router, http.MethodPost, "/auth/refresh", "", nil,
			&http.Cookie{Name: RefreshTokenCookie, Value: login.RefreshToken})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var res AuthResult
		if err := json.Unmarshal(resp.Data, &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.SessionID != login.SessionID {
			t.Errorf("expected the same session, got %s", res.SessionID)
		}
		rotated = res.RefreshToken
	})

	t.Run("body wins over cookie", func(t *testing.T) {
		rec, _ := doJSON(t, router, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: rotated},
			&http.Cookie{Name: RefreshTokenCookie, Value: login.RefreshToken})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("replay clears cookies", func(t *testing.T) {
		rec, resp := doJSON(t, router, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: login.RefreshToken})
		if rec.Code != http.StatusUnauthorized || resp.Error.Code != CodeTokenInvalid {
			t.Fatalf("expected 401 TOKEN_INVALID, got %d %+v", rec.Code, resp.Error)
		}
		c, ok := cookieMap(rec)[RefreshTokenCookie]
		if !ok || c.MaxAge >= 0 {
			t.Errorf("expected the refresh cookie to be cleared, got %+v", c)
		}
	})
}

func TestLogoutHandler(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "gil@lms.test")
	router := newTestRouter(env, CookieConfig{})
	login := env.login(t, user, false)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/logout", login.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(cookieMap(rec)) != 3 {
		t.Errorf("expected three cleared cookies, got %d", len(cookieMap(rec)))
	}
	if rec, _ := env.sessions.Get(t.Context(), login.SessionID); rec != nil {
		t.Error("session still alive after logout")
	}
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(envOptions{})
	router := newTestRouter(env, CookieConfig{})

	for _, path := range []string{"/auth/me", "/auth/sessions", "/auth/sessions/stats", "/auth/2fa/backup-codes"} {
		rec, _ := doJSON(t, router, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestSessionHandlers(t *testing.T) {
	env := newTestEnv(envOptions{})
	alice := env.addUser(t, "alice@lms.test")
	bob := env.addUser(t, "bob@lms.test")
	router := newTestRouter(env, CookieConfig{})

	a1 := env.login(t, alice, false)
	a2 := env.login(t, alice, false)
	b1 := env.login(t, bob, false)

	rec, resp := doJSON(t, router, http.MethodGet, "/auth/sessions", a1.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Sessions []SessionView `json:"sessions"`
		Total    int           `json:"total"`
	}
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 2 {
		t.Fatalf("expected 2 sessions, got %d", list.Total)
	}

	rec, resp = doJSON(t, router, http.MethodDelete, "/auth/sessions/"+b1.SessionID, a1.AccessToken, nil)
	if rec.Code != http.StatusNotFound || resp.Error.Code != CodeSessionNotFound {
		t.Fatalf("expected 404 for a foreign session, got %d %+v", rec.Code, resp.Error)
	}

	rec, _ = doJSON(t, router, http.MethodDelete, "/auth/sessions/"+a2.SessionID, a1.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("revoking another device must not clear the caller's cookies")
	}

	rec, resp = doJSON(t, router, http.MethodGet, "/auth/sessions/stats", a1.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats struct {
		ActiveSessions int `json:"activeSessions"`
	}
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", stats.ActiveSessions)
	}
}

func TestTwoFactorHandlers(t *testing.T) {
	env := newTestEnv(envOptions{})
	user := env.addUser(t, "hugo@lms.test")
	router := newTestRouter(env, CookieConfig{})
	login := env.login(t, user, false)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/2fa/enable", login.AccessToken, TwoFactorCodeRequest{Code: "123456"})
	if rec.Code != http.StatusBadRequest || resp.Error.Code != CodeTwoFactorNotGenerated {
		t.Fatalf("expected 400 TWO_FACTOR_NOT_GENERATED, got %d %+v", rec.Code, resp.Error)
	}

	rec, resp = doJSON(t, router, http.MethodPost, "/auth/2fa/generate", login.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var enrollment twofactor.Enrollment
	if err := json.Unmarshal(resp.Data, &enrollment); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(enrollment.OTPAuthURL, "hugo%40lms.test") && !strings.Contains(enrollment.OTPAuthURL, "hugo@lms.test") {
		t.Errorf("expected the account name in %q", enrollment.OTPAuthURL)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/2fa/enable", login.AccessToken, TwoFactorCodeRequest{Code: env.totpCode(t, enrollment.Secret)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, resp = doJSON(t, router, http.MethodGet, "/auth/2fa/backup-codes", login.AccessToken, nil)
	if rec.Code != http.StatusOK || !strings.Contains(string(resp.Data), `"remaining":10`) {
		t.Fatalf("expected 10 backup codes, got %d %s", rec.Code, resp.Data)
	}

	rec, resp = doJSON(t, router, http.MethodPost, "/auth/2fa/disable", login.AccessToken, TwoFactorCodeRequest{Code: "12ab56"})
	if rec.Code != http.StatusBadRequest || resp.Error.Code != CodeValidationError {
		t.Fatalf("expected 400 VALIDATION_ERROR, got %d %+v", rec.Code, resp.Error)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/2fa/disable", login.AccessToken, TwoFactorCodeRequest{Code: env.totpCode(t, enrollment.Secret)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if u, _ := env.users.GetByID(t.Context(), user.ID); u.TwoFactorEnabled {
		t.Error("expected two-factor to be off")
	}
}

func TestWriteAuthError_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrInvalidCredentials, http.StatusUnauthorized, CodeInvalidCredentials},
		{&AccountLockedError{Remaining: time.Minute}, http.StatusForbidden, CodeAccountLocked},
		{ErrAccountInactive, http.StatusForbidden, CodeAccountInactive},
		{ErrAccountSuspended, http.StatusForbidden, CodeAccountSuspended},
		{&TwoFactorError{AttemptsLeft: 2}, http.StatusUnauthorized, CodeTwoFactorInvalid},
		{&TwoFactorError{Exceeded: true}, http.StatusUnauthorized, CodeTwoFactorInvalid},
		{twofactor.ErrAlreadyEnabled, http.StatusConflict, CodeTwoFactorAlreadyEnabled},
		{twofactor.ErrNotEnabled, http.StatusBadRequest, CodeTwoFactorNotEnabled},
		{ErrTokenExpired, http.StatusUnauthorized, CodeTokenExpired},
		{ErrTokenReused, http.StatusUnauthorized, CodeTokenReused},
		{ErrTokenInvalid, http.StatusUnauthorized, CodeTokenInvalid},
		{ErrSessionBlacklisted, http.StatusUnauthorized, CodeSessionBlacklisted},
		{fmt.Errorf("touch: %w", ErrSessionNotFound), http.StatusUnauthorized, CodeSessionNotFound},
		{errors.New("redis down"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteAuthError(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			var resp testResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("expected code %s, got %+v", tt.code, resp.Error)
			}
			if StatusFor(tt.err) != tt.status {
				t.Errorf("StatusFor disagrees: %d", StatusFor(tt.err))
			}
			if strings.Contains(rec.Body.String(), "redis") {
				t.Error("internal error detail leaked")
			}
		})
	}
}

func TestFirstToken_Order(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "from-cookie"})

	if got := FirstToken(req, FromBearer, FromCookie(AccessTokenCookie)); got != "from-header" {
		t.Errorf("expected header first, got %q", got)
	}
	if got := FirstToken(req, FromCookie(AccessTokenCookie), FromBearer); got != "from-cookie" {
		t.Errorf("expected cookie first, got %q", got)
	}
	if got := FirstToken(req, FromValue("  "), FromCookie("missing"), FromHeader(SessionIDHeader)); got != "" {
		t.Errorf("expected nothing, got %q", got)
	}

	basic := httptest.NewRequest(http.MethodGet, "/", nil)
	basic.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := FromBearer(basic); got != "" {
		t.Errorf("basic auth must not be read as a bearer token, got %q", got)
	}
}
