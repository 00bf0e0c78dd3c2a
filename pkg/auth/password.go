// Package auth implements password storage, session tokens and the
// proof-of-work challenge gate.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	saltLength       = 16
	keyLength        = 32
)

// compareKey is a fixed HMAC key used only to make hash comparison
// constant-time regardless of input length.
var compareKey = []byte("orchard-password-compare-v1")

// HashPassword derives a PBKDF2-HMAC-SHA256 hash with a fresh random salt.
// The stored form is base64url(salt) + "." + base64url(hash).
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
	return base64.RawURLEncoding.EncodeToString(salt) + "." + base64.RawURLEncoding.EncodeToString(key), nil
}

// VerifyPassword re-derives the hash with the stored salt and compares in
// constant time.
func VerifyPassword(password, stored string) bool {
	salt, key, err := decodeStored(stored)
	if err != nil {
		return false
	}

	candidate := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
	return constantTimeEqual(candidate, key)
}

func decodeStored(stored string) (salt, key []byte, err error) {
	parts := strings.SplitN(stored, ".", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("auth: malformed password hash")
	}
	salt, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("auth: malformed salt: %w", err)
	}
	key, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("auth: malformed hash: %w", err)
	}
	return salt, key, nil
}

// constantTimeEqual compares two byte strings by HMAC-ing each with a fixed
// key first, so the comparison cost does not depend on where they differ or
// on their lengths.
func constantTimeEqual(a, b []byte) bool {
	ha := hmac.New(sha256.New, compareKey)
	ha.Write(a)
	hb := hmac.New(sha256.New, compareKey)
	hb.Write(b)
	return hmac.Equal(ha.Sum(nil), hb.Sum(nil))
}
