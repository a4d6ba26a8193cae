package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "user_id"
	// EmailKey is the context key for user email
	EmailKey ContextKey = "email"
	// SessionIDKey is the context key for the authenticated session
	SessionIDKey ContextKey = "session_id"
	// RolesKey is the context key for the user's roles
	RolesKey ContextKey = "roles"
	// UserTypeKey is the context key for the user type
	UserTypeKey ContextKey = "user_type"
)

// Identity is what the session guard knows about the caller
type Identity struct {
	UserID    string
	Email     string
	SessionID string
	UserType  string
	Roles     []string
}

// WithIdentity stores every identity field in the context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, id.UserID)
	ctx = context.WithValue(ctx, EmailKey, id.Email)
	ctx = context.WithValue(ctx, SessionIDKey, id.SessionID)
	ctx = context.WithValue(ctx, UserTypeKey, id.UserType)
	return context.WithValue(ctx, RolesKey, id.Roles)
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// ExtractEmail extracts the email from the request context
func ExtractEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}

// ExtractSessionID extracts the session ID from the request context
func ExtractSessionID(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(SessionIDKey).(string)
	return sessionID, ok && sessionID != ""
}

// ExtractRoles extracts the user's roles from the request context
func ExtractRoles(ctx context.Context) []string {
	roles, _ := ctx.Value(RolesKey).([]string)
	return roles
}
