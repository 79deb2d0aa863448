// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClient(id string) Client {
	return Client{
		ClientID:                id,
		RedirectURIs:            []string{"https://app.example/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   "read write",
		TokenEndpointAuthMethod: "none",
		ClientName:              "Test App",
		IssuedAt:                time.Now().Unix(),
	}
}

func TestRegisterAndGetClient(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.RegisterClient(testClient("c1")))

	got, err := s.GetClient("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, []string{"https://app.example/cb"}, got.RedirectURIs)

	// Callers receive value copies, not shared slices.
	got.RedirectURIs[0] = "https://evil.example"
	again, err := s.GetClient("c1")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/cb", again.RedirectURIs[0])
}

func TestRegisterClientConflict(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.RegisterClient(testClient("c1")))
	err := s.RegisterClient(testClient("c1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetClientNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetClient("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartDurability(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.RegisterClient(testClient("c1")))
	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token:     "r1",
		ClientID:  "c1",
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))
	require.NoError(t, s.AddAccessToken(AccessToken{
		Token:     "a1",
		ClientID:  "c1",
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	// Durable artifacts survive.
	got, err := reopened.GetClient("c1")
	require.NoError(t, err)
	assert.Equal(t, "Test App", got.ClientName)

	rt, err := reopened.GetRefreshToken("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, rt.Scopes)

	// Ephemeral artifacts do not.
	_, err = reopened.GetAccessToken("a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredRefreshTokenDroppedOnLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token:     "stale",
		ClientID:  "c1",
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetRefreshToken("stale")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientSecretHashOmittedWhenAbsent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	public := testClient("public")
	require.NoError(t, s.RegisterClient(public))

	confidential := testClient("confidential")
	confidential.ClientSecretHash = "deadbeef"
	require.NoError(t, s.RegisterClient(confidential))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "clients.json"))
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	_, present := raw["public"]["client_secret_hash"]
	assert.False(t, present, "hash field must be omitted, never null")

	hash, present := raw["confidential"]["client_secret_hash"]
	assert.True(t, present)
	assert.Equal(t, "deadbeef", hash)
}

func TestCorruptStoreFileTreatedAsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "clients.json"), []byte("{not json"), 0o600))

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 0, s.Stats().Clients)
}

func TestConsumeAuthorizationCodeOnce(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddAuthorizationCode(AuthorizationCode{
		Code:          "code1",
		ClientID:      "c1",
		RedirectURI:   "https://app.example/cb",
		Scopes:        []string{"read"},
		CodeChallenge: "chal",
		ExpiresAt:     time.Now().Add(10 * time.Minute).Unix(),
	}))

	rec, err := s.ConsumeAuthorizationCode("code1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ClientID)

	_, err = s.ConsumeAuthorizationCode("code1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddAuthorizationCode(AuthorizationCode{
		Code:      "racy",
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(10 * time.Minute).Unix(),
	}))

	const attempts = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode("racy"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent redemption may succeed")
}

func TestCodeReplayInvalidatesGrant(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	expiry := time.Now().Add(10 * time.Minute).Unix()
	require.NoError(t, s.AddAuthorizationCode(AuthorizationCode{
		Code: "code1", ClientID: "c1", ExpiresAt: expiry,
	}))

	_, err := s.ConsumeAuthorizationCode("code1")
	require.NoError(t, err)

	// Simulate the exchange minting a grant from the code.
	require.NoError(t, s.AddAccessToken(AccessToken{
		Token: "a1", ClientID: "c1", GrantID: "g1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))
	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token: "r1", ClientID: "c1", GrantID: "g1",
		ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
	}))
	s.MarkCodeRedeemed("code1", "g1", expiry)

	_, err = s.ConsumeAuthorizationCode("code1")
	assert.ErrorIs(t, err, ErrCodeReplayed)

	_, err = s.GetAccessToken("a1")
	assert.ErrorIs(t, err, ErrNotFound, "replay must revoke the first redemption's access token")
	_, err = s.GetRefreshToken("r1")
	assert.ErrorIs(t, err, ErrNotFound, "replay must revoke the first redemption's refresh token")
}

func TestExpiredCodeNotHonored(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddAuthorizationCode(AuthorizationCode{
		Code: "old", ClientID: "c1", ExpiresAt: time.Now().Add(-time.Second).Unix(),
	}))

	_, err := s.ConsumeAuthorizationCode("old")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestExpiredAccessTokenPrunedOnLookup(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddAccessToken(AccessToken{
		Token: "a1", ClientID: "c1", ExpiresAt: time.Now().Add(-time.Second).Unix(),
	}))

	_, err := s.GetAccessToken("a1")
	assert.ErrorIs(t, err, ErrExpired)

	// Pruned: gone even before the sweeper runs.
	_, err = s.GetAccessToken("a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateRefreshToken(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token: "r1", ClientID: "c1", Scopes: []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	require.NoError(t, s.RotateRefreshToken("r1", RefreshToken{
		Token: "r2", ClientID: "c1", Scopes: []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	_, err := s.GetRefreshToken("r1")
	assert.ErrorIs(t, err, ErrNotFound, "old token must be gone after rotation")

	_, err = s.GetRefreshToken("r2")
	assert.NoError(t, err)

	// Rotating the consumed token again fails.
	err = s.RotateRefreshToken("r1", RefreshToken{Token: "r3", ClientID: "c1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateExpiredRefreshToken(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token: "stale", ClientID: "c1", ExpiresAt: time.Now().Add(-time.Second).Unix(),
	}))

	err := s.RotateRefreshToken("stale", RefreshToken{Token: "r2", ClientID: "c1"})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRevokeRefreshTokenRevokesGrant(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.AddAccessToken(AccessToken{
		Token: "a1", ClientID: "c1", GrantID: "g1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))
	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token: "r1", ClientID: "c1", GrantID: "g1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	s.Revoke("r1")

	_, err := s.GetRefreshToken("r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessToken("a1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Revoking an unknown token is a no-op.
	s.Revoke("unknown")
}

func TestTakePendingAuthorization(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.PutPendingAuthorization("state1", PendingAuthorization{
		ClientID:    "c1",
		RedirectURI: "https://app.example/cb",
		State:       "client-state",
		Scopes:      []string{"read"},
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute).Unix(),
	}))

	rec, err := s.TakePendingAuthorization("state1")
	require.NoError(t, err)
	assert.Equal(t, "client-state", rec.State)

	// The callback handler is the sole consumer; a duplicate callback fails.
	_, err = s.TakePendingAuthorization("state1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTakeExpiredPendingAuthorization(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.PutPendingAuthorization("late", PendingAuthorization{
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(-time.Second).Unix(),
	}))

	_, err := s.TakePendingAuthorization("late")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSweeperRemovesExpiredRefreshTokensFromDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir, WithSweepInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token: "stale", ClientID: "c1", ExpiresAt: time.Now().Add(50 * time.Millisecond).Unix(),
	}))

	require.Eventually(t, func() bool {
		return s.Stats().RefreshTokens == 0
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "refresh_tokens.json"))
	require.NoError(t, err)

	var onDisk map[string]RefreshToken
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Empty(t, onDisk)
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.RegisterClient(testClient("c1")))
	require.NoError(t, s.AddAuthorizationCode(AuthorizationCode{
		Code: "code1", ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}))
	require.NoError(t, s.AddAccessToken(AccessToken{
		Token: "a1", ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}))
	require.NoError(t, s.AddRefreshToken(RefreshToken{
		Token: "r1", ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}))
	require.NoError(t, s.PutPendingAuthorization("st", PendingAuthorization{
		ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}))

	stats := s.Stats()
	assert.Equal(t, Stats{
		Clients:               1,
		AuthorizationCodes:    1,
		AccessTokens:          1,
		RefreshTokens:         1,
		PendingAuthorizations: 1,
	}, stats)
}
