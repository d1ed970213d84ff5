package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash to put in ADMIN_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CompareAPIKey reports whether key matches hash. An empty hash matches
// nothing.
func CompareAPIKey(hash, key string) bool {
	if strings.TrimSpace(hash) == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
