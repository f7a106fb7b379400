// Package auth implements API key issuance, verification, and UI principal
// resolution for the platform's HTTP surface.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// keyPrefix is the literal, non-secret brand marker on every issued key.
	keyPrefix = "qymkey_"

	// secretBytes is the size of the random secret portion before hex encoding.
	secretBytes = 32

	// lookupPrefixHexLen is how many hex characters of the secret are stored,
	// indexed, and returned to callers as the key's public identifier.
	lookupPrefixHexLen = 8

	// bcryptByteLimit is bcrypt's input length ceiling; secrets longer than
	// this are pre-hashed with SHA-256 before bcrypt, same as a password vault
	// would do for arbitrarily long user input.
	bcryptByteLimit = 72

	bcryptCost = 10
)

// ErrMalformedKey is returned when a presented token does not match the
// "qymkey_" + hex-secret wire format.
var ErrMalformedKey = errors.New("auth: malformed API key")

// GenerateAPIKey creates a new random token, its lookup prefix, and its
// bcrypt hash. The raw token is returned exactly once; only prefix and hash
// are persisted.
func GenerateAPIKey() (token, lookupPrefix, hash string, err error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", "", fmt.Errorf("auth: generate secret: %w", err)
	}

	hexSecret := hex.EncodeToString(secret)
	token = keyPrefix + hexSecret
	lookupPrefix = hexSecret[:lookupPrefixHexLen]

	hash, err = HashSecret(token)
	if err != nil {
		return "", "", "", err
	}

	return token, lookupPrefix, hash, nil
}

// LookupPrefix extracts the indexed prefix from a presented token without
// verifying it. Returns ErrMalformedKey if token doesn't carry the expected
// brand prefix and enough secret material.
func LookupPrefix(token string) (string, error) {
	if !strings.HasPrefix(token, keyPrefix) {
		return "", ErrMalformedKey
	}

	secret := token[len(keyPrefix):]
	if len(secret) < lookupPrefixHexLen {
		return "", ErrMalformedKey
	}

	return secret[:lookupPrefixHexLen], nil
}

// HashSecret bcrypt-hashes a token for storage, pre-hashing with SHA-256 when
// the token exceeds bcrypt's input limit.
func HashSecret(token string) (string, error) {
	input := []byte(token)
	if len(input) > bcryptByteLimit {
		sum := sha256.Sum256(input)
		input = []byte(hex.EncodeToString(sum[:]))
	}

	hashed, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}

	return string(hashed), nil
}

// CompareSecretHash reports whether token matches hash, applying the same
// SHA-256 pre-hash HashSecret applies before bcrypt comparison.
func CompareSecretHash(hash, token string) bool {
	input := []byte(token)
	if len(input) > bcryptByteLimit {
		sum := sha256.Sum256(input)
		input = []byte(hex.EncodeToString(sum[:]))
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}

// SecureCompare does a constant-time equality check, for comparing values
// where timing differences between early-exit and full scan could leak
// information (callers use this ahead of the more expensive bcrypt compare
// when an exact equality shortcut is available).
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey renders a token safe for logs: brand prefix, lookup prefix, then
// an ellipsis — never the secret remainder.
func MaskKey(token string) string {
	prefix, err := LookupPrefix(token)
	if err != nil {
		return "***"
	}

	return keyPrefix + prefix + "..."
}
