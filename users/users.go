package users

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account record held by the authority's local identity source.
// Attributes are released to relying services when an access is validated.
type User struct {
	ID           string              `json:"id,omitempty"`       // Unique identifier for the user
	Username     string              `json:"username,omitempty"` // Unique username, doubles as the principal id
	PasswordHash string              `json:"-"`                  // Hashed version of the user's password - never serialize
	Attributes   map[string][]string `json:"attributes,omitempty"`
	DateJoined   time.Time           `json:"date_joined,omitempty"` // Date and time when the user registered
	LastLogin    time.Time           `json:"last_login,omitempty"`  // Last time the user logged in
	Disabled     bool                `json:"disabled,omitempty"`    // Disabled accounts never authenticate
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
