// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/mcpkit/authgate/pkg/auth"
	"github.com/mcpkit/authgate/pkg/authserver/config"
	"github.com/mcpkit/authgate/pkg/authserver/storage"
	"github.com/mcpkit/authgate/pkg/logger"
)

// shutdownTimeout bounds graceful HTTP shutdown on exit.
const shutdownTimeout = 10 * time.Second

// Server wires the credential store, the provider, and the HTTP surface
// into a runnable authorization server.
type Server struct {
	cfg      *config.Config
	store    *storage.Store
	provider Provider
	handler  *Handler
	router   chi.Router
}

// New builds the server: open the store (hydrating persisted state),
// select the provider variant, and mount the routes.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.Open(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	provider, err := NewProvider(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		provider: provider,
		handler:  NewHandler(cfg, store, provider),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.handler.Routes(r)

	// Sample protected route exercising the bearer middleware; real tool
	// routes mount the same way via Middleware().
	r.Group(func(r chi.Router) {
		r.Use(s.Middleware())
		r.Get("/ping", pingHandler)
	})

	s.router = r

	logger.Infow("authorization server configured",
		"issuer", cfg.IssuerURL,
		"provider", provider.Info().Type,
		"external_idp", provider.Info().External,
	)
	return s, nil
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Middleware returns the bearer-token middleware for protecting tool
// routes with this server's issued tokens.
func (s *Server) Middleware() func(http.Handler) http.Handler {
	return auth.Middleware(s.provider)
}

// Provider exposes the active provider variant.
func (s *Server) Provider() Provider {
	return s.provider
}

// Store exposes the credential store, mainly for tests.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully: stop accepting requests, flush the store, stop the sweeper.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("listening on %s", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("HTTP shutdown did not complete cleanly", "error", err)
		}
		return s.store.Close()
	})

	return group.Wait()
}

// Close flushes and closes the store without serving. Used by callers that
// mount Handler() on their own server.
func (s *Server) Close() error {
	return s.store.Close()
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"client_id":%q}`+"\n", identity.ClientID)
}
