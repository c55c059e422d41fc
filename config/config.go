// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure for a Marmot-Chat node.
type Config struct {
	Environment string           `yaml:"environment" json:"environment"`
	Session     *SessionConfig   `yaml:"session" json:"session"`
	Transport   *TransportConfig `yaml:"transport" json:"transport"`
	Logging     *LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig    `yaml:"health" json:"health"`
}

// SessionConfig carries the bootstrap parameters a controller needs before
// it can start: which role it plays in the handshake, where the relay and
// nostr endpoints live, and the peer/admin pubkeys already known at start.
type SessionConfig struct {
	BootstrapRole    string   `yaml:"bootstrap_role" json:"bootstrap_role"` // "initial" or "invitee"
	RelayURL         string   `yaml:"relay_url" json:"relay_url"`
	NostrURL         string   `yaml:"nostr_url" json:"nostr_url"`
	SessionID        string   `yaml:"session_id" json:"session_id"`
	SecretHex        string   `yaml:"secret_hex" json:"secret_hex"`
	PeerPubkeys      []string `yaml:"peer_pubkeys" json:"peer_pubkeys"`
	AdminPubkeys     []string `yaml:"admin_pubkeys" json:"admin_pubkeys"`
	GroupIDHex       string   `yaml:"group_id_hex" json:"group_id_hex"`
	LocalTransportID string   `yaml:"local_transport_id" json:"local_transport_id"`
}

// TransportConfig configures the MoQ transport channel.
type TransportConfig struct {
	Endpoint             string        `yaml:"endpoint" json:"endpoint"`
	TrackNamespaceRoot   string        `yaml:"track_namespace_root" json:"track_namespace_root"`
	ConnectRetries       int           `yaml:"connect_retries" json:"connect_retries"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval" json:"connect_retry_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file, trying YAML before JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing the format by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Session != nil {
		if cfg.Session.BootstrapRole == "" {
			cfg.Session.BootstrapRole = "initial"
		}
	}

	if cfg.Transport != nil {
		if cfg.Transport.TrackNamespaceRoot == "" {
			cfg.Transport.TrackNamespaceRoot = "marmot-chat"
		}
		if cfg.Transport.ConnectRetries == 0 {
			cfg.Transport.ConnectRetries = 10
		}
		if cfg.Transport.ConnectRetryInterval == 0 {
			cfg.Transport.ConnectRetryInterval = 200 * time.Millisecond
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}

	if cfg.Metrics != nil {
		if cfg.Metrics.Port == 0 {
			cfg.Metrics.Port = 9090
		}
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = "/metrics"
		}
	}

	if cfg.Health != nil {
		if cfg.Health.Port == 0 {
			cfg.Health.Port = 8090
		}
		if cfg.Health.Path == "" {
			cfg.Health.Path = "/health"
		}
	}
}
