package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

var errSessionTokenRequired = errors.New("session token required")

// tokenHashSalt keys the derived session lookup hash. The token itself is
// 256 bits of entropy, so the salt only needs to be stable, not secret.
const tokenHashSalt = "portal-session-v1"

const tokenHashIterations = 4096

// HashSessionToken derives the at-rest lookup key for a session token.
// Stores index sessions by this value so a leaked database dump cannot be
// replayed as cookies.
func HashSessionToken(token string) string {
	key := pbkdf2.Key([]byte(token), []byte(tokenHashSalt), tokenHashIterations, 32, sha256.New)
	return hex.EncodeToString(key)
}
