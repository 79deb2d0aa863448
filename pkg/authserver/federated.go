// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"sync"
	"time"

	"github.com/mcpkit/authgate/pkg/authserver/crypto"
	"github.com/mcpkit/authgate/pkg/authserver/idp"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
	"github.com/mcpkit/authgate/pkg/logger"
)

// federatedProvider runs the two-leg flow shared by the Google and Azure
// variants: the external IdP authenticates the user, then this server
// authorizes the tool client on the local consent page before minting its
// own credentials.
type federatedProvider struct {
	baseProvider

	callbackPath string

	// upstreamFactory builds the IdP client. Construction may require a
	// network round trip (OIDC discovery), so it runs lazily on the first
	// authorization and the result is cached for the process lifetime.
	upstreamFactory func(ctx context.Context) (idp.Provider, error)

	mu       sync.Mutex
	upstream idp.Provider
}

// CallbackPath is the route the IdP redirects back to.
func (p *federatedProvider) CallbackPath() string {
	return p.callbackPath
}

// idpClient returns the cached upstream client, building it on first use.
func (p *federatedProvider) idpClient(ctx context.Context) (idp.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.upstream != nil {
		return p.upstream, nil
	}

	upstream, err := p.upstreamFactory(ctx)
	if err != nil {
		logger.Errorw("failed to initialize upstream IdP", "provider", p.info.Type, "error", err)
		return nil, err
	}
	p.upstream = upstream
	return upstream, nil
}

// StartAuthorization records the pending authorization keyed by a fresh
// correlation token and redirects the user to the IdP with that token as
// the state parameter. A failed IdP initialization (discovery outage) is
// temporarily_unavailable: the client may retry the authorize flow once
// the IdP is reachable again.
func (p *federatedProvider) StartAuthorization(ctx context.Context, req *AuthorizationRequest) (*Authorization, error) {
	upstream, err := p.idpClient(ctx)
	if err != nil {
		return nil, temporarilyUnavailable("identity provider unavailable")
	}

	state, err := crypto.GenerateToken()
	if err != nil {
		return nil, serverError("failed to generate correlation token")
	}

	pending := storage.PendingAuthorization{
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              req.Scopes,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(storage.DefaultPendingAuthorizationTTL).Unix(),
	}
	if err := p.store.PutPendingAuthorization(state, pending); err != nil {
		return nil, serverError("failed to store authorization request")
	}

	logger.Infow("redirecting to upstream IdP",
		"provider", p.info.Type,
		"client_id", req.Client.ClientID,
	)
	return &Authorization{RedirectURL: upstream.AuthorizationURL(state)}, nil
}

// HandleCallback is the IdP's return leg. The pending authorization is the
// sole source of truth for where the user came from; without it there is no
// safe redirect URI and the handler fails outright. Every failure past that
// point short-circuits back to the MCP client's redirect URI so the user is
// never stranded on an error page of ours.
//
// PKCE material from the IdP is never trusted here; the challenge stored
// with our own code is enforced later at the token endpoint.
func (p *federatedProvider) HandleCallback(ctx context.Context, code, state, idpError string) (*Authorization, error) {
	pending, err := p.store.TakePendingAuthorization(state)
	if err != nil {
		logger.Warnw("IdP callback with unknown state", "provider", p.info.Type)
		return nil, invalidRequest("unknown or expired authorization state")
	}

	fail := func(oe *oauthError) *Authorization {
		return &Authorization{RedirectURL: errorRedirectURL(pending.RedirectURI, oe, pending.State)}
	}

	if idpError != "" {
		logger.Infow("IdP reported an error", "provider", p.info.Type, "error", idpError)
		return fail(accessDenied("identity provider denied the request")), nil
	}

	upstream, err := p.idpClient(ctx)
	if err != nil {
		return fail(serverError("identity provider unavailable")), nil
	}

	tokens, err := upstream.Exchange(ctx, code)
	if err != nil {
		logger.Errorw("IdP code exchange failed", "provider", p.info.Type, "error", err)
		return fail(serverError("identity provider token exchange failed")), nil
	}

	info, err := upstream.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		logger.Errorw("IdP userinfo fetch failed", "provider", p.info.Type, "error", err)
		return fail(serverError("failed to fetch user profile")), nil
	}

	client, err := p.store.GetClient(pending.ClientID)
	if err != nil {
		return fail(serverError("client registration no longer exists")), nil
	}

	logger.Infow("user authenticated at IdP",
		"provider", p.info.Type,
		"client_id", pending.ClientID,
		"email", info.Email,
	)

	req := &AuthorizationRequest{
		Client:              client,
		RedirectURI:         pending.RedirectURI,
		Scopes:              pending.Scopes,
		State:               pending.State,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
	}
	claims := &storage.Claims{
		Subject: info.Subject,
		Email:   info.Email,
		Name:    info.Name,
	}

	consent, err := p.stageConsent(req, claims, pathConsentApprove)
	if err != nil {
		return fail(asOAuthError(err)), nil
	}
	return &Authorization{Consent: consent}, nil
}

// Compile-time interface compliance check
var _ FederatedProvider = (*federatedProvider)(nil)
