package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for bcrypt hashing
const BcryptCost = 12

// dummyPassword is hashed once and compared against when no user matches, so
// unknown emails cost the same bcrypt work as wrong passwords
const dummyPassword = "lms-auth-dummy-password"

// PasswordValidator verifies passwords against bcrypt hashes
type PasswordValidator struct {
	cost      int
	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordValidator creates a PasswordValidator using BcryptCost
func NewPasswordValidator() *PasswordValidator {
	return NewPasswordValidatorWithCost(BcryptCost)
}

// NewPasswordValidatorWithCost creates a PasswordValidator with a custom bcrypt cost
func NewPasswordValidatorWithCost(cost int) *PasswordValidator {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = BcryptCost
	}
	return &PasswordValidator{cost: cost}
}

// HashPassword creates a bcrypt hash of the password
func (v *PasswordValidator) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a password with its bcrypt hash.
// Returns nil if they match, ErrInvalidCredentials on mismatch, or the bcrypt error
// for a malformed hash.
func (v *PasswordValidator) VerifyPassword(password, hash string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	return err
}

// SimulateVerify burns the same time as a real comparison
func (v *PasswordValidator) SimulateVerify(password string) {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(dummyPassword), v.cost)
	})
	_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
}

// NeedsRehash reports whether hash was produced with a different cost
func (v *PasswordValidator) NeedsRehash(hash string) bool {
	cost, err := GetBcryptCost(hash)
	return err != nil || cost != v.cost
}

// GetBcryptCost extracts the cost factor from a bcrypt hash
func GetBcryptCost(hash string) (int, error) {
	return bcrypt.Cost([]byte(hash))
}
