// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/crypto"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
	"github.com/mcpkit/authgate/pkg/logger"
)

// baseProvider implements the token-lifecycle half of the Provider
// contract: consent completion, code exchange, refresh rotation,
// introspection, and revocation. Variants embed it and supply the
// authorization leg.
type baseProvider struct {
	cfg   *config.Config
	store *storage.Store
	info  ProviderInfo
}

// stageConsent records a pending authorization under a fresh correlation
// token and returns the consent page data. Used by the custom variant at
// authorize time and by federated variants after the IdP callback.
func (p *baseProvider) stageConsent(req *AuthorizationRequest, claims *storage.Claims, approvePath string) (*ConsentData, error) {
	token, err := crypto.GenerateToken()
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
		Claims:              claims,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(storage.DefaultPendingAuthorizationTTL).Unix(),
	}
	if err := p.store.PutPendingAuthorization(token, pending); err != nil {
		return nil, serverError("failed to store authorization request")
	}

	scopes := make([]ScopeDescription, 0, len(req.Scopes))
	for _, scope := range req.Scopes {
		scopes = append(scopes, ScopeDescription{Scope: scope, Description: describeScope(scope)})
	}

	clientName := req.Client.ClientName
	if clientName == "" {
		clientName = req.Client.ClientID
	}

	return &ConsentData{
		CorrelationToken: token,
		ClientID:         req.Client.ClientID,
		ClientName:       clientName,
		Scopes:           scopes,
		User:             claims,
		Provider:         p.info,
		ApprovePath:      approvePath,
	}, nil
}

// CompleteAuthorization resolves the consent decision: denial redirects the
// client with access_denied; approval mints the one-time authorization code
// and redirects with code and the client's original state.
func (p *baseProvider) CompleteAuthorization(_ context.Context, decision *ConsentDecision) (string, error) {
	pending, err := p.store.TakePendingAuthorization(decision.CorrelationToken)
	if err != nil {
		return "", invalidRequest("unknown or expired authorization request")
	}

	if !decision.Approved {
		logger.Infow("authorization denied by user", "client_id", pending.ClientID)
		oe := accessDenied("User denied authorization")
		return errorRedirectURL(pending.RedirectURI, oe, pending.State), nil
	}

	code, err := p.mintAuthorizationCode(&pending)
	if err != nil {
		return "", err
	}

	logger.Infow("authorization approved", "client_id", pending.ClientID)
	return successRedirectURL(pending.RedirectURI, code, pending.State), nil
}

// mintAuthorizationCode generates and stores the one-time code. A store
// collision (vanishingly unlikely at 256 bits) is retried once.
func (p *baseProvider) mintAuthorizationCode(pending *storage.PendingAuthorization) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		code, err := crypto.GenerateToken()
		if err != nil {
			return "", serverError("failed to generate authorization code")
		}

		err = p.store.AddAuthorizationCode(storage.AuthorizationCode{
			Code:                code,
			ClientID:            pending.ClientID,
			RedirectURI:         pending.RedirectURI,
			Scopes:              pending.Scopes,
			CodeChallenge:       pending.CodeChallenge,
			CodeChallengeMethod: pending.CodeChallengeMethod,
			ExpiresAt:           time.Now().Add(p.cfg.AuthCodeTTL).Unix(),
			Claims:              pending.Claims,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return "", serverError("failed to store authorization code")
		}
		return code, nil
	}
	return "", serverError("failed to generate authorization code")
}

// ExchangeCode redeems an authorization code for a token grant. The code is
// consumed before any validation so that a failed PKCE check still burns it
// (RFC 6749 Section 4.1.2: codes are single-use).
func (p *baseProvider) ExchangeCode(_ context.Context, ex *CodeExchange) (*TokenGrant, error) {
	rec, err := p.store.ConsumeAuthorizationCode(ex.Code)
	if err != nil {
		logger.Debugw("authorization code rejected", "error", err)
		return nil, invalidGrant("invalid or expired authorization code")
	}

	if rec.ClientID != ex.Client.ClientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}

	// Byte-for-byte match against the URI stored with the code.
	if rec.RedirectURI != ex.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}

	if err := crypto.VerifyPKCE(rec.CodeChallengeMethod, rec.CodeChallenge, ex.CodeVerifier, ex.Client.Confidential()); err != nil {
		logger.Warnw("PKCE verification failed", "client_id", ex.Client.ClientID)
		return nil, invalidGrant("PKCE verification failed")
	}

	grant, grantID, err := p.issueTokens(rec.ClientID, rec.Scopes, rec.Claims)
	if err != nil {
		return nil, err
	}

	p.store.MarkCodeRedeemed(ex.Code, grantID, rec.ExpiresAt)

	logger.Infow("authorization code exchanged", "client_id", rec.ClientID)
	return grant, nil
}

// Refresh rotates a refresh token: the old token and the replacement are
// swapped atomically, so a reused token fails and a concurrent refresh
// yields exactly one winner.
func (p *baseProvider) Refresh(_ context.Context, ex *RefreshExchange) (*TokenGrant, error) {
	rec, err := p.store.GetRefreshToken(ex.RefreshToken)
	if err != nil {
		logger.Debugw("refresh token rejected", "error", err)
		return nil, invalidGrant("invalid or expired refresh token")
	}

	if ex.Client != nil && rec.ClientID != ex.Client.ClientID {
		return nil, invalidGrant("refresh token was issued to another client")
	}

	// Invariant: every token references an existing registration.
	client, err := p.store.GetClient(rec.ClientID)
	if err != nil {
		return nil, invalidGrant("client registration no longer exists")
	}
	if ex.Client == nil && client.Confidential() {
		return nil, invalidClient("client authentication required")
	}

	scopes, err := grantScopes(ex.Scopes, rec.Scopes, p.cfg.ValidScopes)
	if err != nil {
		return nil, err
	}

	grantID := uuid.NewString()
	newRefresh, err := crypto.GenerateToken()
	if err != nil {
		return nil, serverError("failed to generate refresh token")
	}

	err = p.store.RotateRefreshToken(ex.RefreshToken, storage.RefreshToken{
		Token:     newRefresh,
		ClientID:  rec.ClientID,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(p.cfg.RefreshTokenTTL).Unix(),
		GrantID:   grantID,
	})
	if err != nil {
		// Lost a race with another refresh or the sweeper.
		return nil, invalidGrant("invalid or expired refresh token")
	}

	accessToken, err := p.mintAccessToken(rec.ClientID, scopes, grantID, nil)
	if err != nil {
		return nil, err
	}

	logger.Infow("refresh token rotated", "client_id", rec.ClientID)
	return &TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.cfg.AccessTokenTTL.Seconds()),
		Scopes:       scopes,
	}, nil
}

// issueTokens mints a fresh access + refresh token pair under a new grant ID.
func (p *baseProvider) issueTokens(clientID string, scopes []string, claims *storage.Claims) (*TokenGrant, string, error) {
	grantID := uuid.NewString()

	accessToken, err := p.mintAccessToken(clientID, scopes, grantID, claims)
	if err != nil {
		return nil, "", err
	}

	refreshToken, err := crypto.GenerateToken()
	if err != nil {
		return nil, "", serverError("failed to generate refresh token")
	}
	err = p.store.AddRefreshToken(storage.RefreshToken{
		Token:     refreshToken,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(p.cfg.RefreshTokenTTL).Unix(),
		GrantID:   grantID,
	})
	if err != nil {
		return nil, "", serverError("failed to store refresh token")
	}

	return &TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.cfg.AccessTokenTTL.Seconds()),
		Scopes:       scopes,
	}, grantID, nil
}

// mintAccessToken generates and stores an access token, retrying once on a
// store collision.
func (p *baseProvider) mintAccessToken(clientID string, scopes []string, grantID string, claims *storage.Claims) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := crypto.GenerateToken()
		if err != nil {
			return "", serverError("failed to generate access token")
		}

		err = p.store.AddAccessToken(storage.AccessToken{
			Token:     token,
			ClientID:  clientID,
			Scopes:    scopes,
			ExpiresAt: time.Now().Add(p.cfg.AccessTokenTTL).Unix(),
			GrantID:   grantID,
			Claims:    claims,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return "", serverError("failed to store access token")
		}
		return token, nil
	}
	return "", serverError("failed to generate access token")
}

// Introspect resolves a bearer token to its access token record.
func (p *baseProvider) Introspect(_ context.Context, token string) (storage.AccessToken, error) {
	return p.store.GetAccessToken(token)
}

// Revoke removes the token if it exists; unknown tokens are not an error.
func (p *baseProvider) Revoke(_ context.Context, token string) error {
	p.store.Revoke(token)
	return nil
}

// Info describes the provider variant.
func (p *baseProvider) Info() ProviderInfo {
	return p.info
}
