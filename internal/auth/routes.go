package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router
// Public routes: /login, /login/2fa, /refresh
// Protected routes: /logout, /logout-all, /me, /sessions, /2fa
func RegisterRoutes(r chi.Router, handler *AuthHandler, sessionGuard, loginLimiter Middleware) {
	r.Route("/auth", func(r chi.Router) {
		// Public routes (no authentication required)
		r.Group(func(r chi.Router) {
			if loginLimiter != nil {
				r.Use(loginLimiter)
			}
			r.Post("/login", handler.Login)
			r.Post("/login/2fa", handler.Login2FA)
		})
		r.Post("/refresh", handler.Refresh)

		// Protected routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(sessionGuard)
			r.Post("/logout", handler.Logout)
			r.Post("/logout-all", handler.LogoutAll)
			r.Get("/me", handler.GetMe)

			r.Get("/sessions", handler.ListSessions)
			r.Get("/sessions/stats", handler.SessionStats)
			r.Delete("/sessions/{sessionId}", handler.RevokeSession)

			r.Route("/2fa", func(r chi.Router) {
				r.Post("/generate", handler.GenerateTwoFactor)
				r.Post("/enable", handler.EnableTwoFactor)
				r.Post("/disable", handler.DisableTwoFactor)
				r.Post("/backup-codes", handler.RegenerateBackupCodes)
				r.Get("/backup-codes", handler.BackupCodeStatus)
			})
		})
	})
}
