// ABOUTME: Agent verification secret hashing and comparison
// ABOUTME: Secrets are stored only as bcrypt hashes

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes a plaintext verification secret for storage.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret compares a plaintext secret against its stored hash.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
