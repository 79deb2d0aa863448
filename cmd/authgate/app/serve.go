// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpkit/authgate/pkg/authserver"
	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server configured from the environment.

Recognized keys include OAUTH_PROVIDER (custom, google, azure),
OAUTH_ISSUER_URL, OAUTH_VALID_SCOPES, the OAUTH_*_TTL lifetimes, and the
federated credentials OAUTH_CLIENT_ID / OAUTH_CLIENT_SECRET
(plus OAUTH_TENANT_ID for Azure).`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Errorf("configuration error: %v", err)
		return err
	}

	if !cfg.Enabled {
		return fmt.Errorf("authorization server is disabled (OAUTH_ENABLED=false)")
	}

	srv, err := authserver.New(cfg)
	if err != nil {
		logger.Errorf("failed to initialize server: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
