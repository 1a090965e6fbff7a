package authkit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// hashRefreshToken derives the stored digest of a refresh token. Refresh tokens
// are high-entropy signed JWTs longer than bcrypt's input limit, so a plain
// SHA-256 digest is used instead of the password hasher.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// refreshTokenMatches compares a presented token with a stored digest in constant time.
func refreshTokenMatches(presentedToken string, storedHash string) bool {
	if presentedToken == "" || storedHash == "" {
		return false
	}
	presentedHash := hashRefreshToken(presentedToken)
	return subtle.ConstantTimeCompare([]byte(presentedHash), []byte(storedHash)) == 1
}
