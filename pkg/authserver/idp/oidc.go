// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mcpkit/authgate/pkg/logger"
)

// GoogleIssuer is the issuer URL of Google's OIDC deployment.
const GoogleIssuer = "https://accounts.google.com"

// defaultOIDCScopes are requested from OIDC providers when none are
// configured. openid is mandatory for an ID token.
var defaultOIDCScopes = []string{"openid", "email", "profile"}

// OIDCProvider delegates user authentication to an OIDC-compliant identity
// provider discovered via its well-known configuration document. The
// discovery result is cached for the lifetime of the provider.
type OIDCProvider struct {
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	httpClient   *http.Client
	offline      bool
}

// OIDCOption configures an OIDCProvider.
type OIDCOption func(*OIDCProvider)

// WithHTTPClient sets a custom HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) OIDCOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// WithOfflineAccess requests a refresh token and forces the consent screen
// on the upstream authorization request (Google semantics: a refresh token
// is only issued when prompt=consent accompanies access_type=offline).
func WithOfflineAccess() OIDCOption {
	return func(p *OIDCProvider) {
		p.offline = true
	}
}

// NewOIDCProvider fetches the issuer's discovery document and builds a
// provider from the discovered endpoints.
func NewOIDCProvider(
	ctx context.Context,
	issuer, clientID, clientSecret, redirectURI string,
	scopes []string,
	opts ...OIDCOption,
) (*OIDCProvider, error) {
	p := &OIDCProvider{
		httpClient: newHTTPClient(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if len(scopes) == 0 {
		scopes = defaultOIDCScopes
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints for %s: %w", issuer, err)
	}
	p.provider = provider

	p.oauth2Config = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint:     provider.Endpoint(),
	}

	logger.Debugw("OIDC provider ready", "issuer", issuer)
	return p, nil
}

// AuthorizationURL builds the upstream authorization URL carrying our
// correlation state.
func (p *OIDCProvider) AuthorizationURL(state string) string {
	var authOpts []oauth2.AuthCodeOption
	if p.offline {
		authOpts = append(authOpts,
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
		)
	}
	return p.oauth2Config.AuthCodeURL(state, authOpts...)
}

// Exchange exchanges the IdP's authorization code for tokens at the
// discovered token endpoint.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens, nil
}

// UserInfo fetches the user profile from the discovered userinfo endpoint.
func (p *OIDCProvider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx = oidc.ClientContext(ctx, p.httpClient)

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := p.provider.UserInfo(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFailed, err)
	}

	var claims struct {
		Name string `json:"name"`
	}
	// Name is best-effort; the subject and email come from the typed fields.
	_ = info.Claims(&claims)

	return &UserInfo{
		Subject: info.Subject,
		Email:   info.Email,
		Name:    claims.Name,
	}, nil
}

// Compile-time interface compliance check
var _ Provider = (*OIDCProvider)(nil)
