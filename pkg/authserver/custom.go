// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"

	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
)

// customProvider is the non-federated variant: user consent happens on the
// locally rendered consent page with no external identity provider.
type customProvider struct {
	baseProvider
}

func newCustomProvider(cfg *config.Config, store *storage.Store) *customProvider {
	return &customProvider{
		baseProvider: baseProvider{
			cfg:   cfg,
			store: store,
			info: ProviderInfo{
				Type:        config.ProviderCustom,
				DisplayName: "Custom OAuth",
				External:    false,
			},
		},
	}
}

// StartAuthorization stages the pending authorization and hands back the
// consent page; the flow jumps straight to awaiting consent.
func (p *customProvider) StartAuthorization(_ context.Context, req *AuthorizationRequest) (*Authorization, error) {
	consent, err := p.stageConsent(req, nil, pathCustomApprove)
	if err != nil {
		return nil, err
	}
	return &Authorization{Consent: consent}, nil
}

// Compile-time interface compliance check
var _ Provider = (*customProvider)(nil)
