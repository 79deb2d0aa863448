// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"

	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
)

// ProviderInfo describes a provider variant for the metadata document,
// the consent page, and logs.
type ProviderInfo struct {
	// Type is the variant name: custom, google, or azure.
	Type config.ProviderType `json:"type"`

	// DisplayName is the human-readable provider name.
	DisplayName string `json:"name"`

	// External reports whether an external IdP is interposed before
	// local consent.
	External bool `json:"external"`
}

// AuthorizationRequest is a validated request to the authorization
// endpoint.
type AuthorizationRequest struct {
	Client              storage.Client
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorization is the outcome of StartAuthorization: either a redirect
// (to the upstream IdP for federated variants) or a consent page to render
// locally (custom variant).
type Authorization struct {
	RedirectURL string
	Consent     *ConsentData
}

// ConsentData carries everything the consent template needs.
type ConsentData struct {
	// CorrelationToken identifies the pending authorization; the approval
	// form posts it back as its state field.
	CorrelationToken string

	ClientID   string
	ClientName string

	// Scopes pairs each requested scope with its human description.
	Scopes []ScopeDescription

	// User is the identity captured from the upstream IdP, nil for the
	// custom variant.
	User *storage.Claims

	Provider ProviderInfo

	// ApprovePath is the route the approval form posts to.
	ApprovePath string
}

// ScopeDescription is a scope name with its consent-page explanation.
type ScopeDescription struct {
	Scope       string
	Description string
}

// ConsentDecision is the user's answer on the consent page.
type ConsentDecision struct {
	CorrelationToken string
	Approved         bool
}

// CodeExchange is a validated authorization_code token request.
type CodeExchange struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	Client       storage.Client
}

// RefreshExchange is a validated refresh_token token request.
type RefreshExchange struct {
	RefreshToken string
	Scopes       []string

	// Client is set when the request carried client authentication or a
	// client_id; otherwise the token record identifies the client.
	Client *storage.Client
}

// TokenGrant is a successful token response.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scopes       []string
}

// Provider is the contract every provider variant satisfies. Variants
// share the credential store; they differ in how the authorization leg
// reaches user consent.
type Provider interface {
	// StartAuthorization begins an authorization flow: a redirect to the
	// upstream IdP (federated) or a local consent page (custom).
	StartAuthorization(ctx context.Context, req *AuthorizationRequest) (*Authorization, error)

	// CompleteAuthorization resolves a consent decision into the redirect
	// URL carrying either an authorization code or an error.
	CompleteAuthorization(ctx context.Context, decision *ConsentDecision) (string, error)

	// ExchangeCode redeems a one-time authorization code for tokens.
	ExchangeCode(ctx context.Context, ex *CodeExchange) (*TokenGrant, error)

	// Refresh rotates a refresh token into a fresh token pair.
	Refresh(ctx context.Context, ex *RefreshExchange) (*TokenGrant, error)

	// Introspect resolves a bearer token to its access token record.
	Introspect(ctx context.Context, token string) (storage.AccessToken, error)

	// Revoke removes a token of either kind; best-effort.
	Revoke(ctx context.Context, token string) error

	// Info describes the variant.
	Info() ProviderInfo
}

// FederatedProvider is additionally satisfied by variants that interpose an
// external IdP; the callback handler dispatches through it.
type FederatedProvider interface {
	Provider

	// HandleCallback consumes the pending authorization identified by
	// state, exchanges the IdP code, fetches the user profile, and stages
	// the consent step. It returns the consent page data, or a redirect
	// URL when the flow short-circuits with an error the client should
	// see.
	HandleCallback(ctx context.Context, code, state, idpError string) (*Authorization, error)

	// CallbackPath is the route the IdP redirects back to.
	CallbackPath() string
}

// NewProvider instantiates exactly one provider variant from configuration.
// An unknown provider type is an error (fatal at startup).
func NewProvider(cfg *config.Config, store *storage.Store) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderCustom:
		return newCustomProvider(cfg, store), nil
	case config.ProviderGoogle:
		return newGoogleProvider(cfg, store), nil
	case config.ProviderAzure:
		return newAzureProvider(cfg, store), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider)
	}
}
