// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"net/http"
	"net/url"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2 and Section 4.1.2.1).
const (
	errInvalidRequest         = "invalid_request"
	errInvalidClient          = "invalid_client"
	errInvalidGrant           = "invalid_grant"
	errUnauthorizedClient     = "unauthorized_client"
	errUnsupportedGrantType   = "unsupported_grant_type"
	errInvalidScope           = "invalid_scope"
	errAccessDenied           = "access_denied"
	errServerError            = "server_error"
	errTemporarilyUnavailable = "temporarily_unavailable"
)

// oauthError is a protocol-level failure carrying the OAuth error code and
// the HTTP status to report it with. Depending on where the failure occurs
// it is rendered as JSON (token endpoint), as a redirect back to the client
// (authorization endpoint with a known redirect URI), or as an HTML page
// (no safe redirect URI).
type oauthError struct {
	code        string
	description string
	status      int
}

func (e *oauthError) Error() string {
	if e.description == "" {
		return e.code
	}
	return fmt.Sprintf("%s: %s", e.code, e.description)
}

func invalidRequest(description string) *oauthError {
	return &oauthError{code: errInvalidRequest, description: description, status: http.StatusBadRequest}
}

func invalidClient(description string) *oauthError {
	return &oauthError{code: errInvalidClient, description: description, status: http.StatusUnauthorized}
}

func invalidGrant(description string) *oauthError {
	return &oauthError{code: errInvalidGrant, description: description, status: http.StatusBadRequest}
}

func unauthorizedClient(description string) *oauthError {
	return &oauthError{code: errUnauthorizedClient, description: description, status: http.StatusBadRequest}
}

func unsupportedGrantType(description string) *oauthError {
	return &oauthError{code: errUnsupportedGrantType, description: description, status: http.StatusBadRequest}
}

func invalidScope(description string) *oauthError {
	return &oauthError{code: errInvalidScope, description: description, status: http.StatusBadRequest}
}

func accessDenied(description string) *oauthError {
	return &oauthError{code: errAccessDenied, description: description, status: http.StatusForbidden}
}

func serverError(description string) *oauthError {
	return &oauthError{code: errServerError, description: description, status: http.StatusInternalServerError}
}

func temporarilyUnavailable(description string) *oauthError {
	return &oauthError{code: errTemporarilyUnavailable, description: description, status: http.StatusServiceUnavailable}
}

// asOAuthError normalizes any error to an oauthError, mapping unknown
// failures to server_error without leaking internals.
func asOAuthError(err error) *oauthError {
	if oe, ok := err.(*oauthError); ok {
		return oe
	}
	return serverError("internal error")
}

// errorRedirectURL appends error, error_description, and the client's state
// to the redirect URI so the MCP client can correlate the failure.
func errorRedirectURL(redirectURI string, oe *oauthError, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", oe.code)
	if oe.description != "" {
		q.Set("error_description", oe.description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// successRedirectURL appends the authorization code and the client's state
// to the redirect URI.
func successRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
