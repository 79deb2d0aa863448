// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"

	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/idp"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
)

// newGoogleProvider builds the Google variant against the production
// Google OIDC issuer.
func newGoogleProvider(cfg *config.Config, store *storage.Store) *federatedProvider {
	return newGoogleProviderWithIssuer(cfg, store, idp.GoogleIssuer)
}

// newGoogleProviderWithIssuer allows tests to point the variant at a mock
// OIDC issuer. Discovery runs lazily on the first authorization and the
// document is cached for the process lifetime.
func newGoogleProviderWithIssuer(cfg *config.Config, store *storage.Store, issuer string) *federatedProvider {
	redirectURI := cfg.IssuerURL + pathGoogleCallback

	return &federatedProvider{
		baseProvider: baseProvider{
			cfg:   cfg,
			store: store,
			info: ProviderInfo{
				Type:        config.ProviderGoogle,
				DisplayName: "Google OAuth",
				External:    true,
			},
		},
		callbackPath: pathGoogleCallback,
		upstreamFactory: func(ctx context.Context) (idp.Provider, error) {
			return idp.NewOIDCProvider(
				ctx,
				issuer,
				cfg.ClientID,
				cfg.ClientSecret,
				redirectURI,
				nil,
				idp.WithOfflineAccess(),
			)
		},
	}
}
