// Package token mints share-link tokens and derives the keyed digest that is
// the only form a token is ever stored in. The raw token exists exactly once,
// in the publish response; afterwards lookups go through Digest.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const rawTokenBytes = 32

// Mint generates a new high-entropy URL-safe share token.
func Mint() (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Digest computes the keyed HMAC-SHA256 digest stored for a token. Keying
// with a server secret means a leaked database alone cannot be used to forge
// working share URLs.
func Digest(secret []byte, rawToken string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HashPassword hashes an optional share-link password.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash share password: %w", err)
	}
	return string(hashed), nil
}

// CheckPassword reports whether a presented password matches the stored hash.
func CheckPassword(hashed, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
