// Package pkce implements the S256 code-challenge scheme from RFC 7636.
// The plain method is deliberately unsupported.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MethodS256 is the only challenge method this server accepts.
const MethodS256 = "S256"

// Challenge derives the S256 code challenge for a verifier: the unpadded
// base64url encoding of the verifier's SHA-256 digest.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 reports whether the verifier matches the stored challenge in
// constant time.
func VerifyS256(verifier, challenge string) bool {
	derived := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
