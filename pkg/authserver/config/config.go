// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config reads and validates the authorization server configuration
// from the process environment.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mcpkit/authgate/pkg/logger"
	"github.com/mcpkit/authgate/pkg/networking"
)

// ProviderType selects the authorization provider variant.
type ProviderType string

const (
	// ProviderCustom is the local provider with its own consent page and
	// no external identity provider.
	ProviderCustom ProviderType = "custom"

	// ProviderGoogle federates end-user authentication to Google OIDC.
	ProviderGoogle ProviderType = "google"

	// ProviderAzure federates end-user authentication to the Microsoft
	// identity platform.
	ProviderAzure ProviderType = "azure"
)

// Default token lifetimes in seconds, applied when the corresponding
// environment keys are unset.
const (
	DefaultAccessTokenTTL  = 3600
	DefaultRefreshTokenTTL = 86400
	DefaultAuthCodeTTL     = 600
)

// Environment keys recognized by FromEnv.
const (
	envEnabled         = "OAUTH_ENABLED"
	envProvider        = "OAUTH_PROVIDER"
	envIssuerURL       = "OAUTH_ISSUER_URL"
	envValidScopes     = "OAUTH_VALID_SCOPES"
	envDefaultScopes   = "OAUTH_DEFAULT_SCOPES"
	envAccessTokenTTL  = "OAUTH_ACCESS_TOKEN_TTL"
	envRefreshTokenTTL = "OAUTH_REFRESH_TOKEN_TTL"
	envAuthCodeTTL     = "OAUTH_AUTH_CODE_TTL"
	envClientID        = "OAUTH_CLIENT_ID"
	envClientSecret    = "OAUTH_CLIENT_SECRET" // #nosec G101 - environment key name, not a credential
	envTenantID        = "OAUTH_TENANT_ID"
	envListenAddr      = "AUTHGATE_LISTEN_ADDR"
	envStorageDir      = "AUTHGATE_STORAGE_DIR"
)

// Config is the fully resolved authorization server configuration.
// Immutable after startup.
type Config struct {
	// Enabled is the master switch for the authorization server.
	Enabled bool

	// Provider selects the provider variant.
	Provider ProviderType

	// IssuerURL is the absolute URL used as the issuer identifier and as
	// the base for all endpoint URLs in the metadata document.
	IssuerURL string

	// ValidScopes is the full set of scopes this server will grant.
	ValidScopes []string

	// DefaultScopes is granted when an authorization request names no
	// scopes. Must be a subset of ValidScopes.
	DefaultScopes []string

	// Token lifetimes.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration

	// ClientID and ClientSecret are this server's credentials at the
	// upstream identity provider. Required for google and azure.
	ClientID     string
	ClientSecret string

	// TenantID selects the Microsoft identity platform tenant: "common",
	// "organizations", "consumers", or a directory tenant ID. Azure only.
	TenantID string

	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// StorageDir is the directory holding the persisted credential files.
	StorageDir string
}

// FromEnv builds a Config from the process environment and validates it.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for _, key := range []string{
		envEnabled, envProvider, envIssuerURL,
		envValidScopes, envDefaultScopes,
		envAccessTokenTTL, envRefreshTokenTTL, envAuthCodeTTL,
		envClientID, envClientSecret, envTenantID,
		envListenAddr, envStorageDir,
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	v.SetDefault(envEnabled, true)
	v.SetDefault(envProvider, string(ProviderCustom))
	v.SetDefault(envIssuerURL, "http://localhost:8000")
	v.SetDefault(envValidScopes, "read,write,payment,account")
	v.SetDefault(envDefaultScopes, "read")
	v.SetDefault(envAccessTokenTTL, DefaultAccessTokenTTL)
	v.SetDefault(envRefreshTokenTTL, DefaultRefreshTokenTTL)
	v.SetDefault(envAuthCodeTTL, DefaultAuthCodeTTL)
	v.SetDefault(envListenAddr, ":8000")
	v.SetDefault(envStorageDir, ".oauth_data")

	cfg := &Config{
		Enabled:         v.GetBool(envEnabled),
		Provider:        ProviderType(strings.ToLower(v.GetString(envProvider))),
		IssuerURL:       strings.TrimSuffix(v.GetString(envIssuerURL), "/"),
		ValidScopes:     splitScopes(v.GetString(envValidScopes)),
		DefaultScopes:   splitScopes(v.GetString(envDefaultScopes)),
		AccessTokenTTL:  time.Duration(v.GetInt(envAccessTokenTTL)) * time.Second,
		RefreshTokenTTL: time.Duration(v.GetInt(envRefreshTokenTTL)) * time.Second,
		AuthCodeTTL:     time.Duration(v.GetInt(envAuthCodeTTL)) * time.Second,
		ClientID:        v.GetString(envClientID),
		ClientSecret:    v.GetString(envClientSecret),
		TenantID:        v.GetString(envTenantID),
		ListenAddr:      v.GetString(envListenAddr),
		StorageDir:      v.GetString(envStorageDir),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, applying the Azure tenant default.
// An unknown provider or a federated provider without credentials is fatal.
func (c *Config) Validate() error {
	logger.Debugw("validating configuration", "provider", c.Provider, "issuer", c.IssuerURL)

	if err := networking.ValidateEndpointURL(c.IssuerURL); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch c.Provider {
	case ProviderCustom:
	case ProviderGoogle, ProviderAzure:
		if c.ClientID == "" {
			return fmt.Errorf("%s provider requires %s", c.Provider, envClientID)
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("%s provider requires %s", c.Provider, envClientSecret)
		}
		if c.Provider == ProviderAzure && c.TenantID == "" {
			c.TenantID = "common"
		}
	default:
		return fmt.Errorf("unknown provider type %q (available: custom, google, azure)", c.Provider)
	}

	if len(c.ValidScopes) == 0 {
		return fmt.Errorf("at least one valid scope is required")
	}
	for _, scope := range c.DefaultScopes {
		if !slices.Contains(c.ValidScopes, scope) {
			return fmt.Errorf("default scope %q is not in the valid scope set", scope)
		}
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.AuthCodeTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}

	if c.StorageDir == "" {
		return fmt.Errorf("storage directory is required")
	}

	return nil
}

// Federated reports whether the provider interposes an external IdP.
func (c *Config) Federated() bool {
	return c.Provider == ProviderGoogle || c.Provider == ProviderAzure
}

// splitScopes parses a comma-separated scope list, trimming whitespace and
// dropping empty entries.
func splitScopes(s string) []string {
	var scopes []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
