// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app defines the authgate CLI commands.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpkit/authgate/pkg/logger"
)

// NewRootCmd creates the root command for authgate.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authgate",
		Short: "OAuth 2.1 authorization server for MCP services",
		Long: `authgate is the OAuth 2.1 authorization server embedded in an MCP service.
It performs dynamic client registration, runs the authorization code flow
with PKCE, issues and rotates opaque tokens, and optionally federates
end-user authentication to Google or the Microsoft identity platform.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("failed to bind debug flag: %v", err)
	}
	if err := viper.BindEnv("debug", "AUTHGATE_DEBUG"); err != nil {
		logger.Errorf("failed to bind AUTHGATE_DEBUG: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
