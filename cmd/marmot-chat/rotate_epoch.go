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
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/marmot-chat/events"
)

var rotateWait time.Duration

var rotateEpochCmd = &cobra.Command{
	Use:   "rotate-epoch",
	Short: "Force a self-update commit, advancing the MLS epoch",
	Long: `RotateEpoch bootstraps a session from --config, waits for the
handshake to establish, then issues a self-update. It exits once a commit
event is observed, or after --wait elapses.`,
	RunE: runRotateEpoch,
}

func init() {
	rootCmd.AddCommand(rotateEpochCmd)
	rotateEpochCmd.Flags().DurationVar(&rotateWait, "wait", 30*time.Second, "maximum time to wait for the rotation to complete")
}

func runRotateEpoch(cmd *cobra.Command, _ []string) error {
	ctrl, sink, _, stop, err := bootstrapController()
	if err != nil {
		return err
	}
	defer stop()

	ctrl.Start()
	if err := waitForHandshake(sink, rotateWait); err != nil {
		return err
	}

	ctrl.RotateEpoch()

	deadline := time.After(rotateWait)
	for {
		select {
		case ev := <-sink.Events():
			switch ev.Type {
			case events.TypeCommit:
				fmt.Fprintf(cmd.OutOrStdout(), "epoch rotated, commit total=%d\n", ev.Total)
				return nil
			case events.TypeError:
				return fmt.Errorf("rotate-epoch failed: %s", ev.Message)
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for epoch rotation to complete")
		}
	}
}
