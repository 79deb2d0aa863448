// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the authenticated identity type, request-context
// helpers, and the bearer-token middleware protecting tool routes.
package auth

import (
	"context"
	"slices"
)

// Identity represents the authenticated caller of a protected route: the
// OAuth client presenting the bearer token, plus the end user captured from
// the upstream IdP when a federated provider issued the token.
type Identity struct {
	// ClientID is the OAuth client the token was issued to.
	ClientID string

	// Scopes are the scopes granted to the token.
	Scopes []string

	// Subject is the end user's identifier at the upstream IdP, when known.
	Subject string

	// Email is the end user's email address, when known.
	Email string

	// Name is the end user's display name, when known.
	Name string
}

// HasScope reports whether the identity was granted the scope.
func (i *Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// identityContextKey is the key used to store Identity in the request
// context. An empty struct type cannot collide with keys from other
// packages.
type identityContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context.
// Returns the identity and true if present, nil and false otherwise.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}
