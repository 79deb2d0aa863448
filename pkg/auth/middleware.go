// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/mcpkit/authgate/pkg/authserver/storage"
	"github.com/mcpkit/authgate/pkg/logger"
)

// Introspector resolves a bearer token string to its access token record.
// The authorization server's provider satisfies this.
type Introspector interface {
	Introspect(ctx context.Context, token string) (storage.AccessToken, error)
}

// Middleware returns HTTP middleware that validates the Authorization
// bearer header on every request and attaches the resulting Identity to the
// request context. Requests without a valid token receive 401 with a
// WWW-Authenticate challenge per RFC 6750 Section 3.
func Middleware(introspector Introspector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			rec, err := introspector.Introspect(r.Context(), token)
			if err != nil {
				logger.Debugw("bearer token rejected", "error", err)
				unauthorized(w)
				return
			}

			identity := &Identity{
				ClientID: rec.ClientID,
				Scopes:   rec.Scopes,
			}
			if rec.Claims != nil {
				identity.Subject = rec.Claims.Subject
				identity.Email = rec.Claims.Email
				identity.Name = rec.Claims.Name
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// extractBearerToken pulls the token out of the Authorization header.
// The scheme comparison is case-insensitive per RFC 9110 Section 11.1.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
}
