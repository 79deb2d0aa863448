// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"github.com/go-chi/chi/v5"
)

// Route paths of the authorization server surface.
const (
	pathMetadata       = "/.well-known/oauth-authorization-server"
	pathRegister       = "/register"
	pathAuthorize      = "/authorize"
	pathCustomApprove  = "/oauth/authorize/approve"
	pathGoogleCallback = "/oauth/google/callback"
	pathAzureCallback  = "/oauth/azure/callback"
	pathConsentApprove = "/oauth/consent/approve"
	pathToken          = "/token"
	pathRevoke         = "/revoke"
	pathStatus         = "/oauth/status"
)

// Routes registers the OAuth endpoints on the provided router.
func (h *Handler) Routes(r chi.Router) {
	r.Get(pathMetadata, h.MetadataHandler)
	r.Post(pathRegister, h.RegisterHandler)
	r.Get(pathAuthorize, h.AuthorizeHandler)
	r.Post(pathCustomApprove, h.ApproveHandler)
	r.Post(pathConsentApprove, h.ApproveHandler)
	r.Post(pathToken, h.TokenHandler)
	r.Post(pathRevoke, h.RevokeHandler)
	r.Get(pathStatus, h.StatusHandler)

	if federated, ok := h.provider.(FederatedProvider); ok {
		r.Get(federated.CallbackPath(), h.CallbackHandler)
	}
}
