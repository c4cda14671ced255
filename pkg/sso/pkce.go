package sso

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// verifierByteLength yields a 43-character base64url verifier, the RFC 7636
// minimum.
const verifierByteLength = 32

// GenerateCodeVerifier returns a cryptographically random PKCE code
// verifier.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, verifierByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ComputeS256Challenge returns base64url(SHA256(verifier)).
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256Challenge reports whether verifier hashes to challenge, in
// constant time.
func VerifyS256Challenge(verifier, challenge string) bool {
	expected := ComputeS256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// randomToken returns n random bytes as a base64url string, used for state
// and nonce values.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
