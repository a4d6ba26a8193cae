package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/welldanyogia/lms-auth/internal/twofactor"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// Validator instance for request validation
var validate *validator.Validate

func init() {
	validate = validator.New()
	// report fields by their JSON names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// GetValidator returns the validator instance
func GetValidator() *validator.Validate {
	return validate
}

// validationDetails turns validator errors into per-field messages
func validationDetails(err error) map[string][]string {
	details := make(map[string][]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		details["body"] = []string{err.Error()}
		return details
	}
	for _, fe := range verrs {
		details[fe.Field()] = append(details[fe.Field()], fieldMessage(fe))
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "Invalid email format"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "min":
		return fe.Field() + " must be at least " + fe.Param() + " characters"
	case "len":
		return fe.Field() + " must be exactly " + fe.Param() + " characters"
	case "numeric":
		return fe.Field() + " must contain only digits"
	}
	return fe.Field() + " is invalid"
}

// WriteSuccess writes a successful JSON response
func WriteSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// WriteError writes an error JSON response
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// WriteAuthError maps a core error to its HTTP status and error code. Anything
// unrecognised becomes a 500 with a generic message.
func WriteAuthError(w http.ResponseWriter, err error) {
	var locked *AccountLockedError
	if errors.As(err, &locked) {
		minutes := strconv.Itoa(locked.RemainingMinutes())
		w.Header().Set("Retry-After", strconv.Itoa(int(locked.Remaining.Seconds())))
		WriteError(w, http.StatusForbidden, CodeAccountLocked,
			"Account is temporarily locked due to too many failed login attempts. Try again in "+minutes+" minute(s).",
			map[string][]string{"remainingMinutes": {minutes}})
		return
	}

	var tfe *TwoFactorError
	if errors.As(err, &tfe) {
		if tfe.Exceeded {
			WriteError(w, http.StatusUnauthorized, CodeTwoFactorInvalid,
				"Too many invalid two-factor codes. Sign in again.", nil)
			return
		}
		WriteError(w, http.StatusUnauthorized, CodeTwoFactorInvalid, "Invalid two-factor code",
			map[string][]string{"attemptsLeft": {strconv.Itoa(tfe.AttemptsLeft)}})
		return
	}

	status, code, message := classify(err)
	WriteError(w, status, code, message, nil)
}

// StatusFor returns the HTTP status WriteAuthError would use for err
func StatusFor(err error) int {
	status, _, _ := classify(err)
	return status
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password"
	case errors.Is(err, ErrAccountLocked):
		return http.StatusForbidden, CodeAccountLocked, "Account is temporarily locked"
	case errors.Is(err, ErrAccountInactive):
		return http.StatusForbidden, CodeAccountInactive, "Account is inactive"
	case errors.Is(err, ErrAccountSuspended):
		return http.StatusForbidden, CodeAccountSuspended, "Account is suspended"
	case errors.Is(err, ErrTwoFactorRequired):
		return http.StatusUnauthorized, CodeTwoFactorRequired, "Two-factor authentication required"
	case errors.Is(err, ErrTwoFactorInvalid), errors.Is(err, twofactor.ErrInvalidCode):
		return http.StatusUnauthorized, CodeTwoFactorInvalid, "Invalid two-factor code"
	case errors.Is(err, twofactor.ErrNotEnabled):
		return http.StatusBadRequest, CodeTwoFactorNotEnabled, "Two-factor authentication is not enabled"
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		return http.StatusConflict, CodeTwoFactorAlreadyEnabled, "Two-factor authentication is already enabled"
	case errors.Is(err, twofactor.ErrNoPendingSecret):
		return http.StatusBadRequest, CodeTwoFactorNotGenerated, "Generate a two-factor secret first"
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, CodeTokenExpired, "Token has expired"
	case errors.Is(err, ErrTokenReused):
		return http.StatusUnauthorized, CodeTokenReused, "Refresh token was already used; all sessions have been revoked"
	case errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized, CodeTokenInvalid, "Invalid token"
	case errors.Is(err, ErrSessionBlacklisted):
		return http.StatusUnauthorized, CodeSessionBlacklisted, "Session has been revoked"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusUnauthorized, CodeSessionNotFound, "Session not found or expired"
	case errors.Is(err, ErrUserNotFound):
		return http.StatusUnauthorized, CodeUserNotFound, "User not found"
	}
	return http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred"
}
