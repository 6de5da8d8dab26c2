// Package apikey implements the API-key gate in front of the OCR engines:
// secret generation and hashing, the durable key store, the fixed-window
// rate limiter, and the admission decision that composes them.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// SecretPrefix identifies secrets issued by this system so unrelated
	// tokens are rejected before any store lookup.
	SecretPrefix = "ocr_"

	// secretRandomBytes is the entropy per secret. 32 bytes encode to 43
	// unpadded base64url characters.
	secretRandomBytes = 32

	secretEncodedLen = 43

	// SecretLength is the fixed total length of a plaintext secret.
	SecretLength = len(SecretPrefix) + secretEncodedLen
)

// ErrSecretGeneration is returned when the entropy source fails. Callers may
// retry; there is no partial result.
var ErrSecretGeneration = errors.New("secret generation failed")

// GenerateSecret produces a new plaintext secret and its storage digest.
// The plaintext is returned exactly once at key creation and never persisted.
func GenerateSecret() (plaintext, digest string, err error) {
	buf := make([]byte, secretRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSecretGeneration, err)
	}
	plaintext = SecretPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, HashSecret(plaintext), nil
}

// HashSecret returns the hex SHA-256 digest of a secret. The digest doubles
// as the lookup address in the key store, so it must stay deterministic.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret reports whether secret hashes to digest. The comparison runs
// in constant time regardless of where a mismatch occurs.
func VerifySecret(secret, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// ValidSecretFormat reports whether s is structurally a gateway secret.
// It does not consult the store.
func ValidSecretFormat(s string) bool {
	if len(s) != SecretLength || !strings.HasPrefix(s, SecretPrefix) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s[len(SecretPrefix):])
	return err == nil
}
