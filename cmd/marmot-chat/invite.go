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

var (
	invitePubkey string
	inviteAdmin  bool
	inviteWait   time.Duration
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Invite a new member into an established session",
	Long: `Invite bootstraps a session from --config, waits for the handshake
to reach the established phase, then requests that the named pubkey be
added to the group. It exits once an invite_generated or error event is
observed, or after --wait elapses.`,
	RunE: runInvite,
}

func init() {
	rootCmd.AddCommand(inviteCmd)
	inviteCmd.Flags().StringVar(&invitePubkey, "pubkey", "", "hex-encoded public key of the invitee")
	inviteCmd.Flags().BoolVar(&inviteAdmin, "admin", false, "grant the invitee admin rights")
	inviteCmd.Flags().DurationVar(&inviteWait, "wait", 30*time.Second, "maximum time to wait for the invite to complete")
	_ = inviteCmd.MarkFlagRequired("pubkey")
}

func runInvite(cmd *cobra.Command, _ []string) error {
	ctrl, sink, _, stop, err := bootstrapController()
	if err != nil {
		return err
	}
	defer stop()

	ctrl.Start()
	if err := waitForHandshake(sink, inviteWait); err != nil {
		return err
	}

	ctrl.InviteMember(invitePubkey, inviteAdmin)

	deadline := time.After(inviteWait)
	for {
		select {
		case ev := <-sink.Events():
			switch ev.Type {
			case events.TypeInviteGenerated:
				fmt.Fprintf(cmd.OutOrStdout(), "invite generated for %s (admin=%v)\n", invitePubkey, inviteAdmin)
				return nil
			case events.TypeError:
				return fmt.Errorf("invite failed: %s", ev.Message)
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for invite to complete")
		}
	}
}

func waitForHandshake(sink *events.Channel, wait time.Duration) error {
	deadline := time.After(wait)
	for {
		select {
		case ev := <-sink.Events():
			if ev.Type == events.TypeHandshake && ev.Phase == events.PhaseConnected {
				return nil
			}
			if ev.Type == events.TypeError {
				return fmt.Errorf("handshake failed: %s", ev.Message)
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for handshake to establish")
		}
	}
}
