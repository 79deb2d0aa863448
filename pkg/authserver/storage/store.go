// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mcpkit/authgate/pkg/logger"
)

// redeemedGrant remembers which tokens were minted from a consumed
// authorization code, so a replayed code can invalidate them.
type redeemedGrant struct {
	grantID   string
	expiresAt int64
}

// Store is the credential store. One mutex guards all maps; operations are
// short map manipulations, so contention is negligible at expected token
// rates. Durable writes happen inside the critical section followed by an
// atomic file replace.
type Store struct {
	mu sync.Mutex

	dir string

	// Persisted.
	clients       map[string]Client
	refreshTokens map[string]RefreshToken

	// In-memory only.
	authCodes    map[string]AuthorizationCode
	accessTokens map[string]AccessToken
	pending      map[string]PendingAuthorization
	redeemed     map[string]redeemedGrant

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// Option configures a Store instance.
type Option func(*Store)

// WithSweepInterval sets a custom sweep interval. Useful in tests.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = interval
	}
}

// Open creates a Store rooted at dir, hydrates the durable records from
// disk, and starts the background sweeper. Missing or malformed files are
// logged and treated as empty; expired records are dropped on load.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:           dir,
		clients:       make(map[string]Client),
		refreshTokens: make(map[string]RefreshToken),
		authCodes:     make(map[string]AuthorizationCode),
		accessTokens:  make(map[string]AccessToken),
		pending:       make(map[string]PendingAuthorization),
		redeemed:      make(map[string]redeemedGrant),
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.hydrate(); err != nil {
		return nil, fmt.Errorf("failed to prepare storage directory: %w", err)
	}

	go s.sweepLoop()

	logger.Infow("credential store opened",
		"dir", dir,
		"clients", len(s.clients),
		"refresh_tokens", len(s.refreshTokens),
	)

	return s, nil
}

// Close flushes the durable records and stops the sweeper. The store must
// not be used after Close.
func (s *Store) Close() error {
	close(s.stopSweep)
	<-s.sweepDone

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.saveClientsLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := s.saveRefreshTokensLocked(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to flush store: %v", errs)
	}
	return nil
}

// sweepLoop runs periodic cleanup of expired entries.
func (s *Store) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired removes expired entries from all maps, persisting the
// refresh token file when any durable entry was removed.
func (s *Store) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, rec := range s.authCodes {
		if expired(rec.ExpiresAt, now) {
			delete(s.authCodes, code)
		}
	}
	for tok, rec := range s.accessTokens {
		if expired(rec.ExpiresAt, now) {
			delete(s.accessTokens, tok)
		}
	}
	for state, rec := range s.pending {
		if expired(rec.ExpiresAt, now) {
			delete(s.pending, state)
		}
	}
	for code, g := range s.redeemed {
		if expired(g.expiresAt, now) {
			delete(s.redeemed, code)
		}
	}

	removed := 0
	for tok, rec := range s.refreshTokens {
		if expired(rec.ExpiresAt, now) {
			delete(s.refreshTokens, tok)
			removed++
		}
	}
	if removed > 0 {
		logger.Debugw("swept expired refresh tokens", "count", removed)
		s.persistRefreshTokensLocked()
	}
}

// -----------------------
// Clients
// -----------------------

// RegisterClient stores a new client registration and persists it.
// Returns ErrAlreadyExists if the client ID is taken.
func (s *Store) RegisterClient(client Client) error {
	if client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ClientID)
	}

	client.RedirectURIs = slices.Clone(client.RedirectURIs)
	client.GrantTypes = slices.Clone(client.GrantTypes)
	client.ResponseTypes = slices.Clone(client.ResponseTypes)
	s.clients[client.ClientID] = client

	s.persistClientsLocked()
	return nil
}

// GetClient returns a copy of the client registration.
func (s *Store) GetClient(id string) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[id]
	if !ok {
		logger.Debugw("client not found", "client_id", id)
		return Client{}, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}

	client.RedirectURIs = slices.Clone(client.RedirectURIs)
	client.GrantTypes = slices.Clone(client.GrantTypes)
	client.ResponseTypes = slices.Clone(client.ResponseTypes)
	return client, nil
}

// -----------------------
// Authorization codes
// -----------------------

// AddAuthorizationCode stores a newly issued authorization code.
func (s *Store) AddAuthorizationCode(code AuthorizationCode) error {
	if code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}

	code.Scopes = slices.Clone(code.Scopes)
	code.Claims = cloneClaims(code.Claims)
	s.authCodes[code.Code] = code
	return nil
}

// ConsumeAuthorizationCode removes and returns the code in one critical
// section, so two concurrent redemptions yield exactly one success.
//
// A consumed code that was then recorded with MarkCodeRedeemed returns
// ErrCodeReplayed when presented again and, per RFC 6749 Section 4.1.2,
// invalidates the tokens issued from the first redemption. A consumed code
// with no such record returns ErrNotFound.
func (s *Store) ConsumeAuthorizationCode(code string) (AuthorizationCode, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if g, wasRedeemed := s.redeemed[code]; wasRedeemed {
		logger.Warnw("authorization code replayed, revoking grant", "grant_id", g.grantID)
		delete(s.redeemed, code)
		s.revokeGrantLocked(g.grantID)
		return AuthorizationCode{}, ErrCodeReplayed
	}

	rec, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	delete(s.authCodes, code)

	if expired(rec.ExpiresAt, now) {
		return AuthorizationCode{}, fmt.Errorf("%w: authorization code", ErrExpired)
	}

	rec.Scopes = slices.Clone(rec.Scopes)
	rec.Claims = cloneClaims(rec.Claims)
	return rec, nil
}

// MarkCodeRedeemed records that tokens were minted from the code, enabling
// replay detection for the remainder of the code's natural lifetime.
func (s *Store) MarkCodeRedeemed(code, grantID string, codeExpiry int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redeemed[code] = redeemedGrant{grantID: grantID, expiresAt: codeExpiry}
}

// revokeGrantLocked removes every token belonging to a grant.
// Persists the refresh token file when a refresh token was removed.
func (s *Store) revokeGrantLocked(grantID string) {
	if grantID == "" {
		return
	}
	for tok, rec := range s.accessTokens {
		if rec.GrantID == grantID {
			delete(s.accessTokens, tok)
		}
	}
	removed := false
	for tok, rec := range s.refreshTokens {
		if rec.GrantID == grantID {
			delete(s.refreshTokens, tok)
			removed = true
		}
	}
	if removed {
		s.persistRefreshTokensLocked()
	}
}

// -----------------------
// Access tokens
// -----------------------

// AddAccessToken stores a newly minted access token.
func (s *Store) AddAccessToken(token AccessToken) error {
	if token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessTokens[token.Token]; exists {
		return fmt.Errorf("%w: access token", ErrAlreadyExists)
	}

	token.Scopes = slices.Clone(token.Scopes)
	token.Claims = cloneClaims(token.Claims)
	s.accessTokens[token.Token] = token
	return nil
}

// GetAccessToken returns a copy of the access token record. Expired tokens
// are pruned on lookup and reported as ErrExpired.
func (s *Store) GetAccessToken(token string) (AccessToken, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accessTokens[token]
	if !ok {
		return AccessToken{}, fmt.Errorf("%w: access token", ErrNotFound)
	}

	if expired(rec.ExpiresAt, now) {
		delete(s.accessTokens, token)
		return AccessToken{}, fmt.Errorf("%w: access token", ErrExpired)
	}

	rec.Scopes = slices.Clone(rec.Scopes)
	rec.Claims = cloneClaims(rec.Claims)
	return rec, nil
}

// -----------------------
// Refresh tokens
// -----------------------

// AddRefreshToken stores a newly minted refresh token and persists it.
func (s *Store) AddRefreshToken(token RefreshToken) error {
	if token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; exists {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}

	token.Scopes = slices.Clone(token.Scopes)
	s.refreshTokens[token.Token] = token

	s.persistRefreshTokensLocked()
	return nil
}

// GetRefreshToken returns a copy of the refresh token record. Expired
// tokens are pruned (and the file updated) on lookup.
func (s *Store) GetRefreshToken(token string) (RefreshToken, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[token]
	if !ok {
		return RefreshToken{}, fmt.Errorf("%w: refresh token", ErrNotFound)
	}

	if expired(rec.ExpiresAt, now) {
		delete(s.refreshTokens, token)
		s.persistRefreshTokensLocked()
		return RefreshToken{}, fmt.Errorf("%w: refresh token", ErrExpired)
	}

	rec.Scopes = slices.Clone(rec.Scopes)
	return rec, nil
}

// RotateRefreshToken atomically swaps old for new: the old token is
// removed and the replacement inserted in one critical section, then both
// changes are persisted in a single write. No reader can observe both
// tokens as valid.
//
// Returns ErrNotFound if the old token has already been rotated or
// revoked, and ErrExpired if its lifetime has passed.
func (s *Store) RotateRefreshToken(oldToken string, replacement RefreshToken) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[oldToken]
	if !ok {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if expired(rec.ExpiresAt, now) {
		delete(s.refreshTokens, oldToken)
		s.persistRefreshTokensLocked()
		return fmt.Errorf("%w: refresh token", ErrExpired)
	}

	delete(s.refreshTokens, oldToken)
	replacement.Scopes = slices.Clone(replacement.Scopes)
	s.refreshTokens[replacement.Token] = replacement

	s.persistRefreshTokensLocked()
	return nil
}

// Revoke removes a token of either kind. Revoking a refresh token also
// revokes the access tokens of its grant. Unknown tokens are a no-op
// (RFC 7009 Section 2.2: the endpoint answers 200 regardless).
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[token]; ok {
		delete(s.accessTokens, token)
		return
	}

	if rec, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		for tok, at := range s.accessTokens {
			if at.GrantID != "" && at.GrantID == rec.GrantID {
				delete(s.accessTokens, tok)
			}
		}
		s.persistRefreshTokensLocked()
	}
}

// -----------------------
// Pending authorizations
// -----------------------

// PutPendingAuthorization stores a pending authorization (awaiting the
// upstream IDP callback or the consent decision) keyed by the internal
// correlation state.
func (s *Store) PutPendingAuthorization(state string, pending PendingAuthorization) error {
	if state == "" {
		return fmt.Errorf("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending.Scopes = slices.Clone(pending.Scopes)
	pending.Claims = cloneClaims(pending.Claims)
	s.pending[state] = pending
	return nil
}

// TakePendingAuthorization removes and returns the pending authorization in
// one critical section, so a duplicate IDP callback or a repeated consent
// approval for the same state fails with ErrNotFound.
func (s *Store) TakePendingAuthorization(state string) (PendingAuthorization, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[state]
	if !ok {
		logger.Debugw("pending authorization not found")
		return PendingAuthorization{}, fmt.Errorf("%w: pending authorization", ErrNotFound)
	}
	delete(s.pending, state)

	if expired(rec.ExpiresAt, now) {
		return PendingAuthorization{}, fmt.Errorf("%w: pending authorization", ErrExpired)
	}

	rec.Scopes = slices.Clone(rec.Scopes)
	rec.Claims = cloneClaims(rec.Claims)
	return rec, nil
}

// -----------------------
// Stats
// -----------------------

// Stats returns a snapshot of the store contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Clients:               len(s.clients),
		AuthorizationCodes:    len(s.authCodes),
		AccessTokens:          len(s.accessTokens),
		RefreshTokens:         len(s.refreshTokens),
		PendingAuthorizations: len(s.pending),
	}
}
