// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/mcpkit/authgate/pkg/logger"
)

const (
	clientsFile       = "clients.json"
	refreshTokensFile = "refresh_tokens.json"

	// lockTimeout is the maximum time to wait for the file lock.
	lockTimeout = 1 * time.Second

	storageDirPerm  = 0o700
	storageFilePerm = 0o600
)

// hydrate creates the storage directory if needed and loads the durable
// records. Missing or malformed files are treated as empty.
func (s *Store) hydrate() error {
	if err := os.MkdirAll(s.dir, storageDirPerm); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.dir, err)
	}

	now := time.Now()

	var clients map[string]Client
	if ok := loadJSONFile(filepath.Join(s.dir, clientsFile), &clients); ok {
		s.clients = clients
	}

	var refreshTokens map[string]RefreshToken
	if ok := loadJSONFile(filepath.Join(s.dir, refreshTokensFile), &refreshTokens); ok {
		dropped := 0
		for tok, rec := range refreshTokens {
			if expired(rec.ExpiresAt, now) {
				delete(refreshTokens, tok)
				dropped++
			}
		}
		if dropped > 0 {
			logger.Debugw("dropped expired refresh tokens on load", "count", dropped)
		}
		s.refreshTokens = refreshTokens
	}

	return nil
}

// loadJSONFile unmarshals the file into out. Returns false (leaving out
// untouched) when the file is missing, empty, or malformed; malformed files
// are logged and will be rewritten on the first change.
func loadJSONFile(path string, out any) bool {
	data, err := os.ReadFile(path) // #nosec G304 - path is rooted in the configured storage dir
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnw("failed to read store file, treating as empty", "path", path, "error", err)
		}
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Warnw("malformed store file, treating as empty", "path", path, "error", err)
		return false
	}
	return true
}

// persistClientsLocked writes the client map, logging instead of failing:
// the in-memory change is kept and the next successful client write (or
// Close) re-persists state. Callers must hold s.mu.
func (s *Store) persistClientsLocked() {
	if err := s.saveClientsLocked(); err != nil {
		logger.Errorw("failed to persist clients", "error", err)
	}
}

// persistRefreshTokensLocked is the logging counterpart of
// saveRefreshTokensLocked. Callers must hold s.mu.
func (s *Store) persistRefreshTokensLocked() {
	if err := s.saveRefreshTokensLocked(); err != nil {
		logger.Errorw("failed to persist refresh tokens", "error", err)
	}
}

// saveClientsLocked serializes the client map to clients.json.
// Callers must hold s.mu.
func (s *Store) saveClientsLocked() error {
	return writeJSONFile(filepath.Join(s.dir, clientsFile), s.clients)
}

// saveRefreshTokensLocked serializes the live refresh tokens to
// refresh_tokens.json, skipping entries that have expired since the last
// sweep. Callers must hold s.mu.
func (s *Store) saveRefreshTokensLocked() error {
	now := time.Now()
	live := make(map[string]RefreshToken, len(s.refreshTokens))
	for tok, rec := range s.refreshTokens {
		if !expired(rec.ExpiresAt, now) {
			live[tok] = rec
		}
	}
	return writeJSONFile(filepath.Join(s.dir, refreshTokensFile), live)
}

// writeJSONFile marshals v and atomically replaces the target file:
// write to a temporary file in the same directory, then rename. A file
// lock guards against a second process writing concurrently.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock for %s: timeout after %v", path, lockTimeout)
	}
	defer fileLock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(storageFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
