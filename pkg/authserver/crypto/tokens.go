// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides opaque token generation, PKCE verification, and
// client secret hashing for the authorization server.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// TokenBytes is the entropy of generated tokens in bytes (256 bits).
const TokenBytes = 32

// GenerateToken draws TokenBytes from the cryptographic RNG and returns them
// base64url-encoded without padding. The result is safe for use in URLs and
// form bodies.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustGenerateToken is GenerateToken for call sites where a failing system
// RNG is unrecoverable anyway (matching oauth2.GenerateVerifier behavior).
func MustGenerateToken() string {
	tok, err := GenerateToken()
	if err != nil {
		panic(err)
	}
	return tok
}

// HashClientSecret returns the base64url-encoded SHA-256 digest of a client
// secret, suitable for persisting in the client registration record.
func HashClientSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyClientSecret compares a presented secret against a stored hash in
// constant time.
func VerifyClientSecret(secret, storedHash string) bool {
	presented := HashClientSecret(secret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}
