// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"slices"
	"strings"
)

// scopeDescriptions are the human-readable explanations shown on the
// consent page for each grantable scope.
var scopeDescriptions = map[string]string{
	"read":    "Read your data and account information",
	"write":   "Create and modify data on your behalf",
	"payment": "Initiate payments and manage payment methods",
	"account": "Manage your account settings",
}

// describeScope returns the consent-page description for a scope, falling
// back to the scope name for scopes without one.
func describeScope(scope string) string {
	if desc, ok := scopeDescriptions[scope]; ok {
		return desc
	}
	return scope
}

// validateRequestedScopes checks an authorization request's scopes against
// the configured valid set, substituting the default scopes for an empty
// request.
func validateRequestedScopes(requested, valid, defaults []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(defaults), nil
	}
	for _, scope := range requested {
		if !slices.Contains(valid, scope) {
			return nil, invalidScope(fmt.Sprintf("scope %q is not supported", scope))
		}
	}
	return slices.Clone(requested), nil
}

// grantScopes decides the scopes of a token grant at exchange or refresh
// time. An empty request inherits the originally granted scopes. A scope
// outside the configured valid set is invalid_scope; otherwise the grant is
// the intersection of the request with the original scopes, and an empty
// intersection is invalid_scope.
func grantScopes(requested, original, valid []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(original), nil
	}

	for _, scope := range requested {
		if !slices.Contains(valid, scope) {
			return nil, invalidScope(fmt.Sprintf("scope %q is not supported", scope))
		}
	}

	var granted []string
	for _, scope := range requested {
		if slices.Contains(original, scope) {
			granted = append(granted, scope)
		}
	}
	if len(granted) == 0 {
		return nil, invalidScope("requested scopes exceed the original grant")
	}
	return granted, nil
}

// parseScopeParam splits a space-separated scope parameter.
func parseScopeParam(param string) []string {
	return strings.Fields(param)
}
