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

// Package handshake implements the relay-backed signalling channel (C2):
// authenticated broadcast of the four bootstrap message kinds, scoped to a
// session and self-filtered by role and recipient.
package handshake

import "context"

// Role is which side of the bootstrap a node plays.
type Role string

const (
	RoleInitial Role = "initial"
	RoleInvitee Role = "invitee"
)

// Kind discriminates the four signalling message kinds.
type Kind string

const (
	KindRequestKeyPackage Kind = "request-key-package"
	KindRequestWelcome    Kind = "request-welcome"
	KindKeyPackage        Kind = "key-package"
	KindWelcome           Kind = "welcome"
)

// Message is one signalling event published or received on the channel.
type Message struct {
	Type      Kind   `json:"type"`
	Session   string `json:"session"`
	FromRole  Role   `json:"from"`
	Pubkey    string `json:"pubkey,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`

	// KeyPackageEvent carries the joiner's signed key package event, present
	// on KindKeyPackage.
	KeyPackageEvent string `json:"event,omitempty"`

	// Welcome carries the creator's welcome JSON, present on KindWelcome.
	Welcome     string `json:"welcome,omitempty"`
	GroupIDHex  string `json:"group_id_hex,omitempty"`
}

// target returns the (session, role, pubkey) triple a message is addressed
// to: the role opposite the sender's, and the message's recipient. This is
// the same key dispatch builds when it buffers a message. An empty pubkey
// means "any listener of this role."
func (m Message) target() deliveryKey {
	role := RoleInitial
	if m.FromRole == RoleInitial {
		role = RoleInvitee
	}
	return deliveryKey{session: m.Session, role: role, pubkey: m.Recipient}
}

// Listener receives messages addressed to this node, already filtered by
// role, session, and recipient.
type Listener interface {
	OnMessage(msg Message)
	OnError(err error)
}

// ListenerFunc adapts a function to Listener for OnMessage only.
type ListenerFunc func(Message)

// OnMessage implements Listener.
func (f ListenerFunc) OnMessage(msg Message) { f(msg) }

// OnError implements Listener with a no-op.
func (f ListenerFunc) OnError(error) {}

// Params configures one Connect call.
type Params struct {
	RelayURL  string
	SessionID string
	Role      Role
	Pubkey    string
}

// Channel is the C2 contract the controller drives.
type Channel interface {
	Connect(ctx context.Context, params Params, listener Listener) error
	Send(ctx context.Context, msg Message) error
	Shutdown(ctx context.Context) error
}
