// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/mcpkit/authgate/pkg/logger"
)

// GraphUserInfoEndpoint is the Microsoft Graph endpoint used to fetch the
// signed-in user's profile.
const GraphUserInfoEndpoint = "https://graph.microsoft.com/v1.0/me"

// azureScopes are the delegated permissions requested from the Microsoft
// identity platform. User.Read is what authorizes the Graph /me call.
var azureScopes = []string{"openid", "profile", "email", "offline_access", "User.Read"}

// AzureProvider delegates user authentication to the Microsoft identity
// platform. The tenant selects who can sign in: "common", "organizations",
// "consumers", or a directory tenant ID.
type AzureProvider struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
	userInfoURL  string
	forceConsent bool
}

// AzureOption configures an AzureProvider.
type AzureOption func(*AzureProvider)

// WithAzureHTTPClient sets a custom HTTP client, mainly for tests.
func WithAzureHTTPClient(client *http.Client) AzureOption {
	return func(p *AzureProvider) {
		p.httpClient = client
	}
}

// WithGraphEndpoint overrides the Microsoft Graph userinfo URL, for tests.
func WithGraphEndpoint(url string) AzureOption {
	return func(p *AzureProvider) {
		p.userInfoURL = url
	}
}

// WithConsentPrompt forces the consent screen on the upstream authorization
// request. The offline_access scope already requests a refresh token;
// prompt=consent makes the user re-confirm the delegated permissions on
// every login.
func WithConsentPrompt() AzureOption {
	return func(p *AzureProvider) {
		p.forceConsent = true
	}
}

// NewAzureProvider builds a provider for the given tenant. Unlike OIDC
// providers there is no discovery round trip; the endpoints follow from the
// tenant.
func NewAzureProvider(tenant, clientID, clientSecret, redirectURI string, opts ...AzureOption) *AzureProvider {
	p := &AzureProvider{
		oauth2Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       azureScopes,
			Endpoint:     endpoints.AzureAD(tenant),
		},
		httpClient:  newHTTPClient(),
		userInfoURL: GraphUserInfoEndpoint,
	}
	for _, opt := range opts {
		opt(p)
	}

	logger.Debugw("Azure provider ready", "tenant", tenant)
	return p
}

// AuthorizationURL builds the upstream authorization URL carrying our
// correlation state.
func (p *AzureProvider) AuthorizationURL(state string) string {
	var authOpts []oauth2.AuthCodeOption
	if p.forceConsent {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return p.oauth2Config.AuthCodeURL(state, authOpts...)
}

// Exchange exchanges the IdP's authorization code for tokens at the tenant
// token endpoint.
func (p *AzureProvider) Exchange(ctx context.Context, code string) (*Tokens, error) {
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

// graphUser is the subset of the Microsoft Graph user resource we consume.
type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// UserInfo fetches the signed-in user's profile from Microsoft Graph /me.
// Personal accounts often have no mail attribute; the UPN stands in.
func (p *AzureProvider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: graph returned %d: %s", ErrUserInfoFailed, resp.StatusCode, body)
	}

	var user graphUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFailed, err)
	}

	email := user.Mail
	if email == "" {
		email = user.UserPrincipalName
	}

	return &UserInfo{
		Subject: user.ID,
		Email:   email,
		Name:    user.DisplayName,
	}, nil
}

// Compile-time interface compliance check
var _ Provider = (*AzureProvider)(nil)
