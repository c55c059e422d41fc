// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sage-x-project/marmot-chat/internal/logger"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
)

// Server exposes liveness/readiness/health endpoints plus the Prometheus
// metrics registry over HTTP.
type Server struct {
	checker *HealthChecker
	logger  logger.Logger
	port    int
	server  *http.Server

	// readinessChecks names the checks that must be healthy for /health/ready
	// to report ready (e.g. "relay", "transport"). Empty means readiness
	// mirrors the overall health status.
	readinessChecks []string
}

// NewServer creates a new health check server.
func NewServer(checker *HealthChecker, log logger.Logger, port int, readinessChecks ...string) *Server {
	return &Server{
		checker:         checker,
		logger:          log,
		port:            port,
		readinessChecks: readinessChecks,
	}
}

// Start starts the health check server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting health check server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error: " + err.Error())
		}
	}()

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth handles the main health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.GetSystemHealth(r.Context())

	switch report.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// handleLiveness handles the liveness probe endpoint.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// handleReadiness handles the readiness probe endpoint. When readinessChecks
// is set, only those named checks gate readiness; otherwise every registered
// check does.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	results := s.checker.CheckAll(r.Context())

	names := s.readinessChecks
	if len(names) == 0 {
		for name := range results {
			names = append(names, name)
		}
	}

	ready := true
	var errs []string
	for _, name := range names {
		result, ok := results[name]
		if !ok || result.Status == StatusUnhealthy {
			ready = false
			if ok {
				errs = append(errs, name+": "+result.Message)
			} else {
				errs = append(errs, name+": not registered")
			}
		}
	}

	response := map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    results,
	}

	if !ready {
		response["errors"] = errs
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
