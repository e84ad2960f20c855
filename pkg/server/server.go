// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the HTTP surface: webhook ingress, the operator
// control API, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/dispatcher"
	"github.com/hanibalsk/orchestrate/pkg/observability"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/scheduler"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/workspace"
)

// Server is the orchestrator's HTTP front.
type Server struct {
	cfg *config.ServerConfig

	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	manager    *agent.Manager
	queue      *queue.Queue
	workspaces *workspace.Registry
	scheduler  *scheduler.Scheduler
	metrics    *observability.Metrics

	webhookSecret []byte

	http *http.Server
}

// New assembles the server.
func New(cfg *config.ServerConfig, webhookSecret string, st *store.Store, d *dispatcher.Dispatcher,
	m *agent.Manager, q *queue.Queue, ws *workspace.Registry, sched *scheduler.Scheduler,
	metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:           cfg,
		store:         st,
		dispatcher:    d,
		manager:       m,
		queue:         q,
		workspaces:    ws,
		scheduler:     sched,
		metrics:       metrics,
		webhookSecret: []byte(webhookSecret),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/webhooks/{platform}", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		s.mountControl(r)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// authMiddleware guards the control surface with the configured bearer token.
// Webhook ingress authenticates by signature instead and is mounted outside.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.SchemaVersion(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// writeError writes a machine-readable error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps the error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch store.KindOf(err) {
	case store.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case store.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case store.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case store.KindPolicy:
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
