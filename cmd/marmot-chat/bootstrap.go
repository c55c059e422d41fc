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
	"fmt"

	"github.com/sage-x-project/marmot-chat/config"
	"github.com/sage-x-project/marmot-chat/controller"
	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/handshake"
	"github.com/sage-x-project/marmot-chat/identity"
	"github.com/sage-x-project/marmot-chat/transport"
)

// bootstrapController loads --config and constructs a fresh Controller
// wired to its own handshake/transport channels and a buffered event
// sink. One-shot subcommands (invite, rotate-epoch) use this to attach to
// the relay and transport long enough to perform a single action.
func bootstrapController() (*controller.Controller, *events.Channel, *config.Config, func(), error) {
	if configPath == "" {
		return nil, nil, nil, nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Session == nil {
		return nil, nil, nil, nil, fmt.Errorf("config is missing a session section")
	}

	configureLogging(cfg.Logging)

	id, err := identity.NewMemoryGroup(cfg.Session.SecretHex)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("derive identity: %w", err)
	}

	sink := events.NewChannel(256)
	ctrl := controller.New(controller.Config{
		Session:         *cfg.Session,
		TransportConfig: transportConfig(cfg.Transport),
		Identity:        id,
		Handshake:       handshake.NewWSChannel(),
		Transport:       transport.NewMoQChannel(),
		Sink:            sink,
	})

	return ctrl, sink, cfg, ctrl.Shutdown, nil
}
