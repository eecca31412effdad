// Copyright 2025 Kadir Pekel
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

// Package httpserver exposes the orchestrator's local operational surface:
// a liveness probe and a Prometheus scrape endpoint. It never serves the
// agent's own state — StateStore is the only writer, and nothing here
// mutates it.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderloop/coderloop/internal/statestore"
)

// HealthChecker reports whether the driver's state store is in a loadable
// state. Used by the /healthz handler.
type HealthChecker interface {
	Validate() (*statestore.ValidationResult, error)
}

// Server is the orchestrator's local HTTP surface: /healthz and /metrics.
// It is a pure observer — started alongside the Iteration Driver, never
// driving it.
type Server struct {
	addr     string
	health   HealthChecker
	registry *prometheus.Registry
	log      *slog.Logger

	srv *http.Server
	ln  net.Listener
}

// New returns a Server bound to addr (e.g. ":9090"). registry may be the
// default Prometheus registry or a private one created for tests.
func New(addr string, health HealthChecker, registry *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, health: health, registry: registry, log: log}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

type healthResponse struct {
	Status   string   `json:"status"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
		return
	}

	result, err := s.health.Validate()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "error", Errors: []string{err.Error()}})
		return
	}

	if !result.Valid {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "degraded", Errors: result.Errors, Warnings: result.Warnings})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthResponse{Status: "ok", Warnings: result.Warnings})
}

// Start binds the listener and begins serving in a background goroutine.
// It returns once the listener is bound, so callers can log the resolved
// address immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router()}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	s.log.Info("operational http surface listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address. Only meaningful after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
