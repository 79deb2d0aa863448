// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

const (
	// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
	PKCEChallengeMethodS256 = "S256"

	// PKCEChallengeMethodPlain is the plaintext PKCE challenge method.
	// Accepted only for confidential clients.
	PKCEChallengeMethodPlain = "plain"
)

// ErrPKCEMismatch is returned when the code_verifier does not match the
// stored code_challenge.
var ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")

// ErrPKCEMethodNotAllowed is returned when the plain method is presented by
// a public client, or the method is unknown.
var ErrPKCEMethodNotAllowed = errors.New("code_challenge_method not allowed")

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1.
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a presented code_verifier against the stored challenge.
// For S256 the verifier is hashed and compared; for plain the values are
// compared directly, and only if the client is confidential (RFC 7636
// Section 7.2 discourages plain; public clients must use S256).
func VerifyPKCE(method, challenge, verifier string, confidential bool) error {
	switch method {
	case PKCEChallengeMethodS256, "":
		computed := ComputePKCEChallenge(verifier)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
		return nil
	case PKCEChallengeMethodPlain:
		if !confidential {
			return ErrPKCEMethodNotAllowed
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
		return nil
	default:
		return ErrPKCEMethodNotAllowed
	}
}
