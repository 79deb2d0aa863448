// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"

	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/idp"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
)

// newAzureProvider builds the Microsoft identity platform variant. The
// endpoints follow from the configured tenant, so no discovery round trip
// is needed; the factory shape is kept for symmetry with Google.
func newAzureProvider(cfg *config.Config, store *storage.Store) *federatedProvider {
	redirectURI := cfg.IssuerURL + pathAzureCallback

	return &federatedProvider{
		baseProvider: baseProvider{
			cfg:   cfg,
			store: store,
			info: ProviderInfo{
				Type:        config.ProviderAzure,
				DisplayName: "Azure Entra ID",
				External:    true,
			},
		},
		callbackPath: pathAzureCallback,
		upstreamFactory: func(_ context.Context) (idp.Provider, error) {
			return idp.NewAzureProvider(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, redirectURI,
				idp.WithConsentPrompt()), nil
		},
	}
}
