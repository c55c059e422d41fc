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

// Package transport implements the MoQ-backed data channel (C3): one track
// per group member under a shared broadcast path, publish-only for the
// local member, subscribe-only for peers.
package transport

import "context"

// Params configures one Connect call.
type Params struct {
	URL          string
	GroupRoot    string
	OwnPubkey    string
	PeerPubkeys  []string
}

// Listener receives data-channel events. OnFrame and OnError are invoked
// from the channel's own subscription goroutines; OnReady and OnClosed run
// on the goroutine that calls Connect or Shutdown. Implementations must not
// block.
type Listener interface {
	OnReady()
	OnFrame(peerPubkey string, frame []byte)
	OnError(err error)
	OnClosed()
}

// Channel is the C3 contract the controller drives.
type Channel interface {
	// Connect establishes the publish track and subscribes to each named
	// peer track, retrying the initial dial up to a bounded number of times.
	Connect(ctx context.Context, params Params, listener Listener) error

	// SubscribeToPeer idempotently adds a subscription to pubkey's track,
	// used when a member joins after Connect.
	SubscribeToPeer(ctx context.Context, pubkey string) error

	// PublishWrapper appends one frame to the local member's own track.
	PublishWrapper(ctx context.Context, frame []byte) error

	// Shutdown closes the session and all subscriptions.
	Shutdown(ctx context.Context) error
}
