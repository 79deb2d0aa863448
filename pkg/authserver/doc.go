// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver implements the OAuth 2.1 authorization server embedded
// in an MCP service. It brokers access between a conversational AI client
// and the service's tool endpoints:
//
//   - Dynamic Client Registration (RFC 7591)
//   - Authorization Code flow with mandatory PKCE (RFC 7636)
//   - Opaque access and refresh tokens with rotation on every refresh
//   - Token revocation (RFC 7009) and RFC 8414 server metadata
//   - Durable client registrations and refresh tokens that survive restarts
//
// # Provider variants
//
// A single Provider contract has three implementations selected from
// configuration at startup: custom (local consent, no external IdP),
// google (OIDC federation to Google), and azure (Microsoft identity
// platform federation). For the federated variants the external IdP
// authenticates the user, while this server still authorizes the tool
// client and issues all MCP credentials itself.
//
// # Usage
//
//	cfg, err := config.FromEnv()
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(cfg)
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
//
// Tool routes are protected with srv.Middleware(), which validates bearer
// tokens and attaches the caller's identity to the request context.
package authserver
