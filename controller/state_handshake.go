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

package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/handshake"
	"github.com/sage-x-project/marmot-chat/identity"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
)

// onStart opens the handshake channel and, depending on role, either
// requests a key package from the first known peer (Initial) or generates
// and caches one for later delivery (Invitee).
func (c *Controller) onStart(ctx context.Context) {
	c.state.handshakeStartedAt = time.Now()
	c.state.emitStatus("Connecting handshake relay…")

	params := handshake.Params{
		RelayURL:  c.state.session.signallingURL,
		SessionID: c.state.session.sessionID,
		Role:      handshake.Role(c.state.session.bootstrapRole),
		Pubkey:    c.state.identity.PublicKeyHex(),
	}
	if err := c.state.handshake.Connect(ctx, params, c.handshakeListener()); err != nil {
		c.emitError(NewFatal(StageHandshake, err))
		return
	}
	c.state.emitHandshakePhase()

	switch c.state.session.bootstrapRole {
	case RoleInitial:
		c.state.emitStatus("Requesting key package…")
		target := ""
		if len(c.state.session.peerPubkeys) > 0 {
			target = c.state.session.peerPubkeys[0]
		}
		c.enqueueOutgoingHandshake(handshake.Message{
			Type:      handshake.KindRequestKeyPackage,
			Recipient: target,
		})
	case RoleInvitee:
		c.state.emitStatus("Generating key package…")
		export, err := c.state.identity.CreateKeyPackage(ctx, []string{c.state.session.relayURL})
		if err != nil {
			c.emitError(NewFatal(StageHandshake, err))
			return
		}
		c.state.keyPackageCache = &export
		c.state.handshakeState = handshakeWaitingForWelcome
		c.state.emitHandshakePhase()
	}
}

// onOutgoingHandshake hands one signalling message to the channel.
func (c *Controller) onOutgoingHandshake(ctx context.Context, msg handshake.Message) {
	if err := c.state.handshake.Send(ctx, msg); err != nil {
		c.emitError(NewTransient(StageHandshake, err))
	}
}

func (c *Controller) enqueueOutgoingHandshake(msg handshake.Message) {
	c.enqueue(operation{kind: opOutgoingHandshake, handshakeMsg: msg})
}

// onIncomingHandshake dispatches by bootstrap role.
func (c *Controller) onIncomingHandshake(ctx context.Context, msg handshake.Message) {
	if c.state.session.bootstrapRole == RoleInitial {
		c.handleHandshakeAsCreator(ctx, msg)
		return
	}
	c.handleHandshakeAsJoiner(ctx, msg)
}

func (c *Controller) handleHandshakeAsCreator(ctx context.Context, msg handshake.Message) {
	switch msg.Type {
	case handshake.KindKeyPackage:
		invitee := msg.Pubkey
		if invitee == "" && len(c.state.session.peerPubkeys) > 0 {
			invitee = c.state.session.peerPubkeys[0]
		}
		if invitee == "" {
			c.emitError(NewFatal(StageHandshake, fmt.Errorf("invitee pubkey missing")))
			return
		}

		if c.state.handshakeState == handshakeEstablished {
			c.handleMemberAddition(ctx, invitee, msg.KeyPackageEvent)
			return
		}

		c.state.peerPubkeys[invitee] = struct{}{}
		c.state.ensureMember(invitee)
		if c.state.isAdmin(invitee) {
			c.state.updateMemberAdmin(invitee, true)
		}
		c.state.keyPackageCache = &identity.KeyPackageExport{EventJSON: msg.KeyPackageEvent}

		groupIDHex, welcomeJSON, err := c.state.identity.CreateGroup(ctx, msg.KeyPackageEvent, invitee, c.state.session.adminPubkeys)
		if err != nil {
			c.emitError(NewFatal(StageHandshake, fmt.Errorf("create_group failed: %w", err)))
			return
		}
		c.state.welcomeJSON = welcomeJSON
		c.state.emitStatus("Group created; sending welcome…")
		c.enqueueOutgoingHandshake(handshake.Message{
			Type:       handshake.KindWelcome,
			Welcome:    welcomeJSON,
			GroupIDHex: groupIDHex,
			Recipient:  invitee,
		})
		c.state.handshakeState = handshakeEstablished
		c.state.emitHandshakePhase()
		metrics.HandshakesCompleted.WithLabelValues("success").Inc()
		metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(c.state.handshakeStartedAt).Seconds())
		c.enqueue(operation{kind: opConnectTransport})
		c.state.markMemberJoined(c.state.identity.PublicKeyHex())
		c.state.markMemberJoined(invitee)

	case handshake.KindRequestWelcome:
		if c.state.welcomeJSON == "" {
			return
		}
		c.enqueueOutgoingHandshake(handshake.Message{
			Type:       handshake.KindWelcome,
			Welcome:    c.state.welcomeJSON,
			GroupIDHex: c.state.identity.GroupIDHex(),
			Recipient:  msg.Pubkey,
		})
	}
}

func (c *Controller) handleMemberAddition(ctx context.Context, invitee, keyPackageEvent string) {
	requestedAdmin := false
	if invite, ok := c.state.pendingInvites[invitee]; ok {
		requestedAdmin = invite.isAdmin
		delete(c.state.pendingInvites, invitee)
	}
	c.state.peerPubkeys[invitee] = struct{}{}

	result, err := c.state.identity.AddMembers(ctx, []string{keyPackageEvent})
	if err != nil {
		c.emitError(NewFatal(StageInvite, fmt.Errorf("add members failed: %w", err)))
		return
	}
	c.state.commits++
	c.enqueue(operation{kind: opPublishWrapper, frame: result.CommitFrame})

	groupHex := c.state.identity.GroupIDHex()
	for _, welcome := range result.Welcomes {
		c.enqueueOutgoingHandshake(handshake.Message{
			Type:       handshake.KindWelcome,
			Welcome:    welcome.Welcome,
			GroupIDHex: groupHex,
			Recipient:  welcome.Recipient,
		})
		c.state.emit(events.InviteGenerated(welcome.Welcome, welcome.Recipient, c.state.isAdmin(welcome.Recipient)))
	}

	if err := c.state.syncMembersFromIdentity(ctx); err != nil {
		c.emitError(NewTransient(StageInvite, err))
	}
	if requestedAdmin {
		c.state.updateMemberAdmin(invitee, true)
	}
}

func (c *Controller) handleHandshakeAsJoiner(ctx context.Context, msg handshake.Message) {
	switch msg.Type {
	case handshake.KindWelcome:
		if msg.Recipient != "" && msg.Recipient != c.state.identity.PublicKeyHex() {
			return
		}
		if cache := c.state.keyPackageCache; cache != nil && len(cache.Bundle) > 0 {
			_ = c.state.identity.ImportKeyPackageBundle(ctx, cache.Bundle)
		}
		c.state.emitStatus("Accepting welcome…")
		acceptedGroup, err := c.state.identity.AcceptWelcome(ctx, msg.Welcome)
		if err != nil {
			c.emitError(NewFatal(StageHandshake, err))
			return
		}
		c.state.markMemberJoined(c.state.identity.PublicKeyHex())
		for _, peer := range c.state.session.peerPubkeys {
			c.state.peerPubkeys[peer] = struct{}{}
			c.state.ensureMember(peer)
			if c.state.isAdmin(peer) {
				c.state.updateMemberAdmin(peer, true)
			}
			c.state.markMemberJoined(peer)
		}
		if members, err := c.state.identity.ListMembers(ctx); err == nil {
			self := c.state.identity.PublicKeyHex()
			for _, pubkey := range members {
				if pubkey == self {
					continue
				}
				c.state.peerPubkeys[pubkey] = struct{}{}
				c.state.ensureMember(pubkey)
				c.state.markMemberJoined(pubkey)
			}
		}
		if msg.GroupIDHex != "" && msg.GroupIDHex != acceptedGroup {
			c.state.emit(events.Transient(fmt.Sprintf(
				"provided group id %s differs from accepted %s", msg.GroupIDHex, acceptedGroup)))
		}
		c.state.handshakeState = handshakeEstablished
		c.state.emitHandshakePhase()
		metrics.HandshakesCompleted.WithLabelValues("success").Inc()
		metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(c.state.handshakeStartedAt).Seconds())
		c.enqueue(operation{kind: opConnectTransport})
		c.state.emitStatus("Joined group " + c.state.identity.GroupIDHex())

	case handshake.KindRequestKeyPackage:
		if msg.Recipient != "" && msg.Recipient != c.state.identity.PublicKeyHex() {
			return
		}
		export := c.state.keyPackageCache
		if export == nil {
			return
		}
		c.enqueueOutgoingHandshake(handshake.Message{
			Type:            handshake.KindKeyPackage,
			KeyPackageEvent: export.EventJSON,
			Pubkey:          c.state.identity.PublicKeyHex(),
		})
	}
}

// requestInvite validates and begins a post-Established invite.
func (c *Controller) requestInvite(pubkeyInput string, isAdmin bool) error {
	pubkey := strings.TrimSpace(pubkeyInput)
	if pubkey == "" {
		return fmt.Errorf("pubkey empty")
	}
	if pubkey == c.state.identity.PublicKeyHex() {
		return fmt.Errorf("cannot invite self")
	}
	if rec, ok := c.state.members[pubkey]; ok && rec.joined {
		return fmt.Errorf("member already present")
	}
	if _, ok := c.state.pendingInvites[pubkey]; ok {
		return fmt.Errorf("invite already pending")
	}

	c.state.peerPubkeys[pubkey] = struct{}{}
	c.state.pendingInvites[pubkey] = pendingInvite{isAdmin: isAdmin}
	if isAdmin {
		c.state.updateMemberAdmin(pubkey, true)
	}
	c.state.ensureMember(pubkey)
	c.state.emitStatus("Requesting key package from " + shortKey(pubkey))
	c.enqueueOutgoingHandshake(handshake.Message{
		Type:      handshake.KindRequestKeyPackage,
		Recipient: pubkey,
		IsAdmin:   isAdmin,
	})
	return nil
}

func shortKey(pubkey string) string {
	if len(pubkey) <= 8 {
		return pubkey
	}
	return pubkey[:8]
}
