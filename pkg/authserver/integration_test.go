// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpkit/authgate/pkg/auth"
	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/crypto"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
)

const (
	testRedirectURI  = "https://app.example/cb"
	testCodeVerifier = "abc123"
)

func testConfig(t *testing.T, provider config.ProviderType) *config.Config {
	t.Helper()

	return &config.Config{
		Enabled:         true,
		Provider:        provider,
		IssuerURL:       "http://localhost:8000",
		ValidScopes:     []string{"read", "write", "payment", "account"},
		DefaultScopes:   []string{"read"},
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		AuthCodeTTL:     10 * time.Minute,
		ClientID:        "upstream-client",
		ClientSecret:    "upstream-secret",
		TenantID:        "common",
		ListenAddr:      ":0",
		StorageDir:      t.TempDir(),
	}
}

// testEnv is an authorization server mounted on a chi router, with a
// protected /ping route behind the bearer middleware.
type testEnv struct {
	cfg      *config.Config
	store    *storage.Store
	provider Provider
	router   chi.Router
}

func newEnv(t *testing.T, cfg *config.Config, provider Provider, store *storage.Store) *testEnv {
	t.Helper()

	router := chi.NewRouter()
	NewHandler(cfg, store, provider).Routes(router)
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(provider))
		r.Get("/ping", pingHandler)
	})

	return &testEnv{cfg: cfg, store: store, provider: provider, router: router}
}

func newCustomEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig(t, config.ProviderCustom)
	store, err := storage.Open(cfg.StorageDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider, err := NewProvider(cfg, store)
	require.NoError(t, err)

	return newEnv(t, cfg, provider, store)
}

func newGoogleEnv(t *testing.T, issuer string) *testEnv {
	t.Helper()

	cfg := testConfig(t, config.ProviderGoogle)
	store, err := storage.Open(cfg.StorageDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := newGoogleProviderWithIssuer(cfg, store, issuer)
	return newEnv(t, cfg, provider, store)
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, target string, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// registerClient registers a public client with the test redirect URI.
func (e *testEnv) registerClient(t *testing.T) registrationResponse {
	t.Helper()

	rec := e.postJSON(t, "/register",
		`{"redirect_uris": ["`+testRedirectURI+`"], "client_name": "Test App", "scope": "read write"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)
	return resp
}

var consentStateRe = regexp.MustCompile(`name="state" value="([^"]+)"`)

// consentToken extracts the correlation token from a rendered consent page.
func consentToken(t *testing.T, body string) string {
	t.Helper()

	m := consentStateRe.FindStringSubmatch(body)
	require.Len(t, m, 2, "consent page must carry the correlation token")
	return m[1]
}

// authorize walks GET /authorize for the custom provider and returns the
// consent correlation token.
func (e *testEnv) authorize(t *testing.T, clientID, scope, state string) string {
	t.Helper()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {scope},
		"state":                 {state},
		"code_challenge":        {crypto.ComputePKCEChallenge(testCodeVerifier)},
		"code_challenge_method": {"S256"},
	}
	rec := e.get(t, "/authorize?"+q.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return consentToken(t, rec.Body.String())
}

// approve posts the consent decision and returns the parsed redirect URL.
func (e *testEnv) approve(t *testing.T, path, token string, approved bool) *url.URL {
	t.Helper()

	rec := e.postForm(t, path, url.Values{
		"state":    {token},
		"approved": {map[bool]string{true: "true", false: "false"}[approved]},
	})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

// obtainCode runs authorize + approve and returns the authorization code.
func (e *testEnv) obtainCode(t *testing.T, clientID, scope, state string) string {
	t.Helper()

	token := e.authorize(t, clientID, scope, state)
	loc := e.approve(t, pathCustomApprove, token, true)

	assert.Equal(t, state, loc.Query().Get("state"), "state must round-trip unchanged")
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// exchange redeems a code at the token endpoint.
func (e *testEnv) exchange(t *testing.T, clientID, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()

	return e.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {clientID},
	})
}

func parseTokenResponse(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func tokenErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["error"]
}

// --------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------

// Custom provider, happy path: register, authorize, consent, exchange.
func TestCustomProviderHappyPath(t *testing.T) {
	t.Parallel()
	env := newCustomEnv(t)
	client := env.registerClient(t)

	code := env.obtainCode(t, client.ClientID, "read", "st1")

	rec := env.exchange(t, client.ClientID, code, testCodeVerifier)
	resp := parseTokenResponse(t, rec)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "read", resp.Scope)
	assert.NotEqual(t, resp.AccessToken, resp.RefreshToken)

	decoded, err := base64.RawURLEncoding.DecodeString(resp.AccessToken)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(decoded), 32, "access tokens carry at least 256 bits")

	// The issued token works against a protected route.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	pingRec := httptest.NewRecorder()
	env.router.ServeHTTP(pingRec, req)
	assert.Equal(t, http.StatusOK, pingRec.Code)
	assert.Contains(t, pingRec.Body.String(), client.ClientID)
}

// Refresh rotation: a refresh yields a new pair and burns the old token.
func TestRefreshRotation(t *testing.T) {
	t.Parallel()
	env := newCustomEnv(t)
	client := env.registerClient(t)

	code := env.obtainCode(t, client.ClientID, "read", "st1")
	first := parseTokenResponse(t, env.exchange(t, client.ClientID, code, testCodeVerifier))

	rec := env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	second := parseTokenResponse(t, rec)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, "read", second.Scope)

	// The rotated-out token is gone for good.
	rec = env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidGrant, tokenErrorCode(t, rec))
}

// PKCE mismatch: the exchange fails and the code is burned.
func TestPKCEMismatch(t *testing.T) {
	t.Parallel()
	env := newCustomEnv(t)
	client := env.registerClient(t)

	code := env.obtainCode(t, client.ClientID, "read", "st1")

	rec := env.exchange(t, client.ClientID, code, "wrong")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidGrant, tokenErrorCode(t, rec))

	// The code was consumed by the failed attempt; the right verifier no
	// longer helps.
	rec = env.exchange(t, client.ClientID, code, testCodeVerifier)
	assert.Equal(t, errInvalidGrant, tokenErrorCode(t, rec))
}

// Restart durability: registrations and refresh tokens survive a restart;
// the surviving refresh token works exactly once.
func TestRestartDurability(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.ProviderCustom)

	srv, err := New(cfg)
	require.NoError(t, err)

	env := &testEnv{cfg: cfg, store: srv.Store(), provider: srv.Provider(), router: srv.Handler().(chi.Router)}
	client := env.registerClient(t)
	code := env.obtainCode(t, client.ClientID, "read", "st1")
	first := parseTokenResponse(t, env.exchange(t, client.ClientID, code, testCodeVerifier))

	require.NoError(t, srv.Close())

	restarted, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })

	// The registration is unchanged.
	got, err := restarted.Store().GetClient(client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "Test App", got.ClientName)
	assert.Equal(t, []string{testRedirectURI}, got.RedirectURIs)

	// The refresh token survives and rotates exactly once.
	env2 := &testEnv{cfg: cfg, store: restarted.Store(), provider: restarted.Provider(), router: restarted.Handler().(chi.Router)}
	rec := env2.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	parseTokenResponse(t, rec)

	rec = env2.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	assert.Equal(t, errInvalidGrant, tokenErrorCode(t, rec))
}

// Federated callback without a matching pending state fails and no
// credentials are created.
func TestGoogleCallbackWithoutPendingState(t *testing.T) {
	t.Parallel()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	env := newGoogleEnv(t, m.Issuer())

	rec := env.get(t, "/oauth/google/callback?code=foo&state=unknown")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), errInvalidRequest)

	stats := env.store.Stats()
	assert.Zero(t, stats.AuthorizationCodes, "no code may be issued")
	assert.Zero(t, stats.AccessTokens, "no token may be issued")
	assert.Zero(t, stats.RefreshTokens)
}

// Scope handling on refresh: an enlarged request collapses to the
// intersection with the original grant; unknown scopes are rejected.
func TestScopeNarrowingOnRefresh(t *testing.T) {
	t.Parallel()
	env := newCustomEnv(t)
	client := env.registerClient(t)

	code := env.obtainCode(t, client.ClientID, "read", "st1")
	first := parseTokenResponse(t, env.exchange(t, client.ClientID, code, testCodeVerifier))

	rec := env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"scope":         {"read write"},
	})
	resp := parseTokenResponse(t, rec)
	assert.Equal(t, "read", resp.Scope, "write was never granted, the intersection wins")

	rec = env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
		"scope":         {"read admin"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidScope, tokenErrorCode(t, rec))
}

// Full federated flow against a mock IdP: authorize redirects upstream,
// the callback captures the identity, consent mints the code, and the
// exchange yields tokens carrying the user's claims.
func TestGoogleFederatedFlow(t *testing.T) {
	t.Parallel()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	env := newGoogleEnv(t, m.Issuer())
	// The upstream leg must present the mock IdP's own client credentials.
	env.cfg.ClientID = m.Config().ClientID
	env.cfg.ClientSecret = m.Config().ClientSecret
	client := env.registerClient(t)

	// Leg 1: /authorize redirects to the IdP with our correlation state.
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read"},
		"state":                 {"st-fed"},
		"code_challenge":        {crypto.ComputePKCEChallenge(testCodeVerifier)},
		"code_challenge_method": {"S256"},
	}
	rec := env.get(t, "/authorize?"+q.Encode())
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	idpURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Contains(t, idpURL.String(), m.Issuer())
	correlation := idpURL.Query().Get("state")
	require.NotEmpty(t, correlation)
	assert.NotEqual(t, "st-fed", correlation, "the client state never reaches the IdP")

	// Leg 2: the user authenticates at the IdP, which redirects back to
	// our callback with its code and our correlation state.
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	idpResp, err := noRedirect.Get(idpURL.String())
	require.NoError(t, err)
	idpResp.Body.Close()
	require.Equal(t, http.StatusFound, idpResp.StatusCode)

	callbackURL, err := url.Parse(idpResp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, pathGoogleCallback, callbackURL.Path)

	rec = env.get(t, pathGoogleCallback+"?"+callbackURL.RawQuery)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), mockoidc.DefaultUser().Email, "consent page names the authenticated user")

	// Leg 3: consent approval redirects to the MCP client with our code
	// and its original state.
	loc := env.approve(t, pathConsentApprove, consentToken(t, rec.Body.String()), true)
	assert.Equal(t, "st-fed", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	resp := parseTokenResponse(t, env.exchange(t, client.ClientID, code, testCodeVerifier))
	assert.Equal(t, "read", resp.Scope)

	// The captured identity rides on the access token.
	at, err := env.provider.Introspect(t.Context(), resp.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, at.Claims)
	assert.Equal(t, mockoidc.DefaultUser().ID(), at.Claims.Subject)
	assert.Equal(t, mockoidc.DefaultUser().Email, at.Claims.Email)
}

// An unreachable IdP at authorize time is reported as
// temporarily_unavailable via the client's redirect URI; the client may
// retry the flow once the IdP recovers.
func TestAuthorizeWithUnreachableIdP(t *testing.T) {
	t.Parallel()

	// Nothing listens on port 1; discovery fails on first use.
	env := newGoogleEnv(t, "http://127.0.0.1:1/oidc")
	client := env.registerClient(t)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read"},
		"state":                 {"st-down"},
		"code_challenge":        {crypto.ComputePKCEChallenge(testCodeVerifier)},
		"code_challenge_method": {"S256"},
	}
	rec := env.get(t, "/authorize?"+q.Encode())
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, errTemporarilyUnavailable, loc.Query().Get("error"))
	assert.Equal(t, "st-down", loc.Query().Get("state"))

	assert.Zero(t, env.store.Stats().PendingAuthorizations, "no pending state may be left behind")
}

// The Azure variant's authorization leg targets the tenant authority and
// forces the IdP consent screen, mirroring the Google leg's parameters.
func TestAzureAuthorizeRedirect(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.ProviderAzure)
	store, err := storage.Open(cfg.StorageDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider, err := NewProvider(cfg, store)
	require.NoError(t, err)

	env := newEnv(t, cfg, provider, store)
	client := env.registerClient(t)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read"},
		"state":                 {"st-az"},
		"code_challenge":        {crypto.ComputePKCEChallenge(testCodeVerifier)},
		"code_challenge_method": {"S256"},
	}
	rec := env.get(t, "/authorize?"+q.Encode())
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	idpURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	assert.Equal(t, "login.microsoftonline.com", idpURL.Host)
	assert.Contains(t, idpURL.Path, cfg.TenantID)

	idpQuery := idpURL.Query()
	assert.Equal(t, "consent", idpQuery.Get("prompt"))
	assert.Contains(t, idpQuery.Get("scope"), "offline_access")
	assert.NotEmpty(t, idpQuery.Get("state"))
	assert.NotEqual(t, "st-az", idpQuery.Get("state"), "the client state never reaches the IdP")
}

// Consent denial redirects the client with access_denied and its state.
func TestConsentDenied(t *testing.T) {
	t.Parallel()
	env := newCustomEnv(t)
	client := env.registerClient(t)

	token := env.authorize(t, client.ClientID, "read", "st-deny")
	loc := env.approve(t, pathCustomApprove, token, false)

	assert.Equal(t, errAccessDenied, loc.Query().Get("error"))
	assert.Equal(t, "st-deny", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))

	// The pending authorization was consumed; replaying the decision fails.
	rec := env.postForm(t, pathCustomApprove, url.Values{
		"state":    {token},
		"approved": {"true"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Revoking a refresh token kills the whole grant.
func TestRevocation(t *testing.T) {
	t.Parallel()
	env := newCustomEnv(t)
	client := env.registerClient(t)

	code := env.obtainCode(t, client.ClientID, "read", "st1")
	resp := parseTokenResponse(t, env.exchange(t, client.ClientID, code, testCodeVerifier))

	rec := env.postForm(t, "/revoke", url.Values{"token": {resp.RefreshToken}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The sibling access token is gone too.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	pingRec := httptest.NewRecorder()
	env.router.ServeHTTP(pingRec, req)
	assert.Equal(t, http.StatusUnauthorized, pingRec.Code)

	// Revocation is idempotent and never errors.
	rec = env.postForm(t, "/revoke", url.Values{"token": {"unknown"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}
