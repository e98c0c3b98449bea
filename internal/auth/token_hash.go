package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// maxSessionTokenLength caps what is accepted from an Authorization header.
// Issued tokens are far shorter.
const maxSessionTokenLength = 512

// sessionDigestDomain separates session digests from any other sha256 of
// the same bytes kept in the same stores.
const sessionDigestDomain = "openvideo/session\x00"

var (
	errSessionTokenRequired  = errors.New("session token required")
	errSessionTokenMalformed = errors.New("session token malformed")
)

// checkSessionToken accepts the bearer token68 alphabet only.
func checkSessionToken(token string) error {
	if token == "" {
		return errSessionTokenRequired
	}
	if len(token) > maxSessionTokenLength {
		return errSessionTokenMalformed
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~' || c == '+' || c == '/' || c == '=':
		default:
			return errSessionTokenMalformed
		}
	}
	return nil
}

// hashSessionToken derives the storage key for a token. Stores never see the
// raw value.
func hashSessionToken(token string) (string, error) {
	if err := checkSessionToken(token); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(sessionDigestDomain))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil)), nil
}
