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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/marmot-chat/config"
	"github.com/sage-x-project/marmot-chat/controller"
	"github.com/sage-x-project/marmot-chat/internal/logger"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
	"github.com/sage-x-project/marmot-chat/pkg/health"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a chat session and stream events to stdout",
	Long: `Run loads the session, transport, logging, metrics and health
configuration from --config, starts the controller, and streams every
host-visible event to stdout as newline-delimited JSON until interrupted.`,
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, _ []string) error {
	ctrl, sink, cfg, stop, err := bootstrapController()
	if err != nil {
		return err
	}

	stopHealth := startHealthServer(cfg.Health, ctrl)
	stopMetrics := startMetricsServer(cfg.Metrics)

	ctrl.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case ev := <-sink.Events():
			_ = enc.Encode(ev)
		case <-sig:
			stop()
			stopMetrics()
			stopHealth()
			return nil
		}
	}
}

func transportConfig(tc *config.TransportConfig) config.TransportConfig {
	if tc == nil {
		return config.TransportConfig{}
	}
	return *tc
}

func configureLogging(lc *config.LoggingConfig) {
	if lc == nil {
		return
	}
	level := logger.InfoLevel
	switch lc.Level {
	case "debug":
		level = logger.DebugLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	}
	logger.SetDefaultLogger(logger.NewLogger(os.Stderr, level))
}

func startMetricsServer(mc *config.MetricsConfig) func() {
	if mc == nil || !mc.Enabled {
		return func() {}
	}
	addr := fmt.Sprintf(":%d", mc.Port)
	go func() {
		if err := metrics.StartServer(addr); err != nil {
			logger.Warn("metrics server stopped", logger.Error(err))
		}
	}()
	return func() {}
}

func startHealthServer(hc *config.HealthConfig, ctrl *controller.Controller) func() {
	if hc == nil || !hc.Enabled {
		return func() {}
	}
	checker := health.NewHealthChecker(0)
	checker.RegisterCheck("controller", health.IdentityHealthCheck(func() error {
		if ctrl == nil {
			return fmt.Errorf("controller not started")
		}
		return nil
	}))

	srv := health.NewServer(checker, logger.GetDefaultLogger(), hc.Port, "controller")
	if err := srv.Start(); err != nil {
		logger.Warn("health server stopped", logger.Error(err))
	}
	return func() { _ = srv.Stop(context.Background()) }
}
