// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/crypto"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
	"github.com/mcpkit/authgate/pkg/logger"
)

// Handler provides the HTTP surface of the authorization server.
type Handler struct {
	cfg      *config.Config
	store    *storage.Store
	provider Provider
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(cfg *config.Config, store *storage.Store, provider Provider) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		provider: provider,
	}
}

// -----------------------
// Metadata
// -----------------------

// metadataDocument is the RFC 8414 authorization server metadata.
type metadataDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

// MetadataHandler handles GET /.well-known/oauth-authorization-server.
func (h *Handler) MetadataHandler(w http.ResponseWriter, _ *http.Request) {
	issuer := h.cfg.IssuerURL
	doc := metadataDocument{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + pathAuthorize,
		TokenEndpoint:                     issuer + pathToken,
		RegistrationEndpoint:              issuer + pathRegister,
		RevocationEndpoint:                issuer + pathRevoke,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{crypto.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ScopesSupported:                   h.cfg.ValidScopes,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorw("failed to encode metadata document", "error", err)
	}
}

// -----------------------
// Dynamic client registration
// -----------------------

// registrationRequest is the RFC 7591 client metadata we accept.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// registrationResponse echoes the registered metadata plus the issued
// credentials. The secret appears exactly once, here.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// registrationError is an RFC 7591 Section 3.2.2 error response.
type registrationError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RegisterHandler handles POST /register (RFC 7591 dynamic registration).
// The endpoint is public; clients registering with auth method "none" are
// public clients, anything else is issued a secret.
func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRegistrationError(w, "invalid_client_metadata", "invalid JSON request body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeRegistrationError(w, "invalid_redirect_uri", "at least one redirect_uri is required")
		return
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			writeRegistrationError(w, "invalid_redirect_uri", "redirect_uris must be absolute URLs")
			return
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	switch authMethod {
	case "none", "client_secret_basic", "client_secret_post":
	default:
		writeRegistrationError(w, "invalid_client_metadata", "unsupported token_endpoint_auth_method")
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(h.cfg.DefaultScopes, " ")
	} else {
		if _, err := validateRequestedScopes(parseScopeParam(scope), h.cfg.ValidScopes, h.cfg.DefaultScopes); err != nil {
			writeRegistrationError(w, "invalid_client_metadata", "requested scope is not supported")
			return
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	clientID := uuid.NewString()
	issuedAt := time.Now().Unix()

	var clientSecret, secretHash string
	if authMethod != "none" {
		secret, err := crypto.GenerateToken()
		if err != nil {
			writeRegistrationError(w, "invalid_client_metadata", "failed to issue client secret")
			return
		}
		clientSecret = secret
		secretHash = crypto.HashClientSecret(secret)
	}

	client := storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   scope,
		TokenEndpointAuthMethod: authMethod,
		ClientName:              req.ClientName,
		IssuedAt:                issuedAt,
	}
	if err := h.store.RegisterClient(client); err != nil {
		logger.Errorw("failed to register client", "error", err)
		writeRegistrationError(w, "invalid_client_metadata", "failed to register client")
		return
	}

	logger.Infow("registered new client",
		"client_id", clientID,
		"client_name", req.ClientName,
		"confidential", secretHash != "",
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	resp := registrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        issuedAt,
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		Scope:                   scope,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorw("failed to encode registration response", "error", err)
	}
}

func writeRegistrationError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(registrationError{Error: code, ErrorDescription: description})
}

// -----------------------
// Authorization endpoint
// -----------------------

// AuthorizeHandler handles GET /authorize. Failures that would require
// trusting an unverified redirect URI render HTML; once the client and
// redirect URI check out, errors are reported via redirect so the MCP
// client can recover.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		renderErrorPage(w, invalidRequest("client_id is required"))
		return
	}

	client, err := h.store.GetClient(clientID)
	if err != nil {
		renderErrorPage(w, invalidRequest("unknown client"))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.AllowsRedirectURI(redirectURI) {
		renderErrorPage(w, invalidRequest("redirect_uri is not registered for this client"))
		return
	}

	// The redirect URI is trusted from here on; report errors through it.
	state := q.Get("state")
	fail := func(oe *oauthError) {
		http.Redirect(w, r, errorRedirectURL(redirectURI, oe, state), http.StatusFound)
	}

	if q.Get("response_type") != "code" {
		fail(invalidRequest("response_type must be code"))
		return
	}
	if state == "" {
		fail(invalidRequest("state is required"))
		return
	}

	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" {
		fail(invalidRequest("code_challenge is required"))
		return
	}
	challengeMethod := q.Get("code_challenge_method")
	switch challengeMethod {
	case crypto.PKCEChallengeMethodS256:
	case crypto.PKCEChallengeMethodPlain:
		if !client.Confidential() {
			fail(invalidRequest("code_challenge_method plain is not allowed for public clients"))
			return
		}
	default:
		fail(invalidRequest("code_challenge_method must be S256"))
		return
	}

	scopes, err := validateRequestedScopes(parseScopeParam(q.Get("scope")), h.cfg.ValidScopes, h.cfg.DefaultScopes)
	if err != nil {
		fail(asOAuthError(err))
		return
	}

	authorization, err := h.provider.StartAuthorization(r.Context(), &AuthorizationRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: challengeMethod,
	})
	if err != nil {
		fail(asOAuthError(err))
		return
	}

	if authorization.RedirectURL != "" {
		http.Redirect(w, r, authorization.RedirectURL, http.StatusFound)
		return
	}
	renderConsentPage(w, authorization.Consent)
}

// ApproveHandler handles the consent form POST for both the custom
// authorization page and the post-federation consent page.
func (h *Handler) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderErrorPage(w, invalidRequest("malformed form body"))
		return
	}

	decision := &ConsentDecision{
		CorrelationToken: r.PostFormValue("state"),
		Approved:         r.PostFormValue("approved") == "true",
	}
	if decision.CorrelationToken == "" {
		renderErrorPage(w, invalidRequest("state is required"))
		return
	}

	redirectURL, err := h.provider.CompleteAuthorization(r.Context(), decision)
	if err != nil {
		renderErrorPage(w, asOAuthError(err))
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// CallbackHandler handles the IdP return leg for federated variants.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	federated, ok := h.provider.(FederatedProvider)
	if !ok {
		renderErrorPage(w, invalidRequest("no federated provider configured"))
		return
	}

	q := r.URL.Query()
	authorization, err := federated.HandleCallback(r.Context(), q.Get("code"), q.Get("state"), q.Get("error"))
	if err != nil {
		renderErrorPage(w, asOAuthError(err))
		return
	}

	if authorization.RedirectURL != "" {
		http.Redirect(w, r, authorization.RedirectURL, http.StatusFound)
		return
	}
	renderConsentPage(w, authorization.Consent)
}

// -----------------------
// Token endpoint
// -----------------------

// tokenResponse is the RFC 6749 Section 5.1 success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, invalidRequest("malformed form body"))
		return
	}

	var (
		grant *TokenGrant
		err   error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		grant, err = h.handleCodeGrant(r)
	case "refresh_token":
		grant, err = h.handleRefreshGrant(r)
	case "":
		err = invalidRequest("grant_type is required")
	default:
		err = unsupportedGrantType("grant_type " + grantType + " is not supported")
	}
	if err != nil {
		writeTokenError(w, asOAuthError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	resp := tokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        strings.Join(grant.Scopes, " "),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorw("failed to encode token response", "error", err)
	}
}

func (h *Handler) handleCodeGrant(r *http.Request) (*TokenGrant, error) {
	client, err := h.authenticateClient(r)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrantType("authorization_code") {
		return nil, unauthorizedClient("client is not authorized for the authorization_code grant")
	}

	code := r.PostFormValue("code")
	if code == "" {
		return nil, invalidRequest("code is required")
	}
	redirectURI := r.PostFormValue("redirect_uri")
	if redirectURI == "" {
		return nil, invalidRequest("redirect_uri is required")
	}
	verifier := r.PostFormValue("code_verifier")
	if verifier == "" {
		return nil, invalidRequest("code_verifier is required")
	}

	return h.provider.ExchangeCode(r.Context(), &CodeExchange{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		Client:       client,
	})
}

func (h *Handler) handleRefreshGrant(r *http.Request) (*TokenGrant, error) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	ex := &RefreshExchange{
		RefreshToken: refreshToken,
		Scopes:       parseScopeParam(r.PostFormValue("scope")),
	}

	// Public clients may omit client identification on refresh; the token
	// record itself identifies the client. Anything presented is verified.
	if clientID, _, presented := clientCredentials(r); presented || clientID != "" {
		client, err := h.authenticateClient(r)
		if err != nil {
			return nil, err
		}
		if !client.AllowsGrantType("refresh_token") {
			return nil, unauthorizedClient("client is not authorized for the refresh_token grant")
		}
		ex.Client = &client
	}

	return h.provider.Refresh(r.Context(), ex)
}

// clientCredentials extracts client identification from HTTP Basic auth or
// the form body. presented reports whether a secret was supplied at all.
func clientCredentials(r *http.Request) (clientID, clientSecret string, presented bool) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret, true
	}
	id := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	return id, secret, secret != ""
}

// authenticateClient resolves and authenticates the requesting client.
// Confidential clients must present their secret; public clients are
// identified by client_id alone (PKCE carries the proof).
func (h *Handler) authenticateClient(r *http.Request) (storage.Client, error) {
	clientID, clientSecret, _ := clientCredentials(r)
	if clientID == "" {
		return storage.Client{}, invalidRequest("client_id is required")
	}

	client, err := h.store.GetClient(clientID)
	if err != nil {
		return storage.Client{}, invalidClient("unknown client")
	}

	if client.Confidential() {
		if clientSecret == "" {
			return storage.Client{}, invalidClient("client authentication required")
		}
		if !crypto.VerifyClientSecret(clientSecret, client.ClientSecretHash) {
			logger.Warnw("client secret verification failed", "client_id", clientID)
			return storage.Client{}, invalidClient("invalid client credentials")
		}
	}

	return client, nil
}

func writeTokenError(w http.ResponseWriter, oe *oauthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(oe.status)

	payload := map[string]string{"error": oe.code}
	if oe.description != "" {
		payload["error_description"] = oe.description
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorw("failed to encode token error", "error", err)
	}
}

// -----------------------
// Revocation
// -----------------------

// RevokeHandler handles POST /revoke (RFC 7009). Revocation is idempotent
// and the endpoint answers 200 whether or not the token existed.
func (h *Handler) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, invalidRequest("malformed form body"))
		return
	}

	token := r.PostFormValue("token")
	if token != "" {
		if err := h.provider.Revoke(r.Context(), token); err != nil {
			logger.Debugw("revocation failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// -----------------------
// Status
// -----------------------

// statusResponse is the diagnostic payload of GET /oauth/status.
type statusResponse struct {
	Provider ProviderInfo  `json:"provider"`
	Stats    storage.Stats `json:"stats"`
}

// StatusHandler handles GET /oauth/status with provider info and store
// statistics.
func (h *Handler) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := statusResponse{
		Provider: h.provider.Info(),
		Stats:    h.store.Stats(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorw("failed to encode status response", "error", err)
	}
}
