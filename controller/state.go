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

// Package controller implements the single-writer state machine (C4) that
// owns the group handle, the handshake progression, and the outbound/
// inbound wrapper-frame sequencing. All mutation happens inside the
// consumer goroutine started by New; every other method only enqueues an
// operation, matching the MPSC discipline this is grounded on.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/sage-x-project/marmot-chat/config"
	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/handshake"
	"github.com/sage-x-project/marmot-chat/identity"
	"github.com/sage-x-project/marmot-chat/transport"
)

const maxPendingIncomingAttempts = 5

// Role mirrors the bootstrap role from config.SessionConfig as a typed value.
type Role string

const (
	RoleInitial Role = "initial"
	RoleInvitee Role = "invitee"
)

// handshakeState tracks where this node is in the bootstrap progression.
type handshakeState int

const (
	handshakeWaitingForKeyPackage handshakeState = iota
	handshakeWaitingForWelcome
	handshakeEstablished
)

func (h handshakeState) phase() events.HandshakePhase {
	switch h {
	case handshakeWaitingForKeyPackage:
		return events.PhaseWaitingKeyPackage
	case handshakeWaitingForWelcome:
		return events.PhaseWaitingWelcome
	case handshakeEstablished:
		return events.PhaseConnected
	default:
		return events.PhaseInitializing
	}
}

type memberRecord struct {
	info   events.Member
	joined bool
}

type pendingInvite struct {
	isAdmin bool
}

type pendingIncomingFrame struct {
	bytes     []byte
	attempts  int
	lastError string
}

// sessionParams is the immutable-after-start configuration for one session.
type sessionParams struct {
	bootstrapRole Role
	relayURL      string
	signallingURL string
	transportURL  string
	sessionID     string
	peerPubkeys   []string
	adminPubkeys  []string
}

// state is the controller's single-owner mutable state (§3 of the
// specification this is built from). Every field here is touched only from
// the consumer goroutine in Controller.run.
type state struct {
	identity  identity.Group
	session   sessionParams
	handshake handshake.Channel
	transport transport.Channel
	sink      events.Sink

	handshakeState     handshakeState
	handshakeStartedAt time.Time
	commits            uint32
	ready              bool
	outgoingQueue      [][]byte
	pendingIncoming    []pendingIncomingFrame

	keyPackageCache *identity.KeyPackageExport
	welcomeJSON     string

	members         map[string]*memberRecord
	adminPubkeys    map[string]struct{}
	peerPubkeys     map[string]struct{}
	pendingInvites  map[string]pendingInvite
	subscribedPeers map[string]struct{}
}

func newState(cfg config.SessionConfig, transportCfg config.TransportConfig, id identity.Group, hs handshake.Channel, tr transport.Channel, sink events.Sink) *state {
	role := Role(cfg.BootstrapRole)
	hsState := handshakeWaitingForWelcome
	if role == RoleInitial {
		hsState = handshakeWaitingForKeyPackage
	}

	s := &state{
		identity:        id,
		handshake:       hs,
		transport:       tr,
		sink:            sink,
		handshakeState:  hsState,
		members:         make(map[string]*memberRecord),
		adminPubkeys:    make(map[string]struct{}),
		peerPubkeys:     make(map[string]struct{}),
		pendingInvites:  make(map[string]pendingInvite),
		subscribedPeers: make(map[string]struct{}),
		session: sessionParams{
			bootstrapRole: role,
			relayURL:      cfg.RelayURL,
			signallingURL: cfg.NostrURL,
			transportURL:  transportCfg.Endpoint,
			sessionID:     cfg.SessionID,
			peerPubkeys:   append([]string(nil), cfg.PeerPubkeys...),
			adminPubkeys:  append([]string(nil), cfg.AdminPubkeys...),
		},
	}

	for _, admin := range cfg.AdminPubkeys {
		s.adminPubkeys[admin] = struct{}{}
	}
	self := id.PublicKeyHex()
	if role == RoleInitial {
		s.adminPubkeys[self] = struct{}{}
	}
	s.members[self] = &memberRecord{info: events.Member{Pubkey: self, IsAdmin: s.isAdmin(self)}}
	for _, peer := range cfg.PeerPubkeys {
		if peer == self {
			continue
		}
		s.peerPubkeys[peer] = struct{}{}
		if _, ok := s.members[peer]; !ok {
			s.members[peer] = &memberRecord{info: events.Member{Pubkey: peer, IsAdmin: s.isAdmin(peer)}}
		}
	}
	return s
}

func (s *state) isAdmin(pubkey string) bool {
	_, ok := s.adminPubkeys[pubkey]
	return ok
}

func (s *state) emit(e events.Event) {
	if s.sink != nil {
		s.sink.Emit(e)
	}
}

func (s *state) emitStatus(text string)                 { s.emit(events.Status(text)) }
func (s *state) emitHandshakePhase()                     { s.emit(events.Handshake(s.handshakeState.phase())) }

func (s *state) emitRoster() {
	var members []events.Member
	for _, rec := range s.members {
		if rec.joined {
			members = append(members, rec.info)
		}
	}
	if len(members) > 0 {
		s.emit(events.Roster(members))
	}
}

func (s *state) ensureMember(pubkey string) *memberRecord {
	s.peerPubkeys[pubkey] = struct{}{}
	rec, ok := s.members[pubkey]
	if !ok {
		rec = &memberRecord{info: events.Member{Pubkey: pubkey, IsAdmin: s.isAdmin(pubkey)}}
		s.members[pubkey] = rec
	}
	return rec
}

func (s *state) markMemberJoined(pubkey string) {
	rec := s.ensureMember(pubkey)
	if rec.joined {
		return
	}
	rec.joined = true
	s.emit(events.MemberJoined(rec.info))
	s.emitRoster()
}

func (s *state) updateMemberAdmin(pubkey string, isAdmin bool) {
	if isAdmin {
		s.adminPubkeys[pubkey] = struct{}{}
	} else {
		delete(s.adminPubkeys, pubkey)
	}

	rec, ok := s.members[pubkey]
	if !ok {
		rec = s.ensureMember(pubkey)
	}
	if rec.info.IsAdmin == isAdmin {
		return
	}
	rec.info.IsAdmin = isAdmin
	s.emit(events.MemberUpdated(rec.info))
	if rec.joined {
		s.emitRoster()
	}
}

func (s *state) enqueueOutgoing(frame []byte) {
	s.outgoingQueue = append(s.outgoingQueue, frame)
}

func (s *state) takeNextOutgoing() ([]byte, bool) {
	if len(s.outgoingQueue) == 0 {
		return nil, false
	}
	frame := s.outgoingQueue[0]
	s.outgoingQueue = s.outgoingQueue[1:]
	return frame, true
}

func (s *state) publishOrQueue(ctx context.Context, frame []byte) {
	if s.ready {
		if err := s.transport.PublishWrapper(ctx, frame); err != nil {
			s.emit(NewTransient(StageMessaging, err).Event())
		}
		return
	}
	s.enqueueOutgoing(frame)
}

func (s *state) syncMembersFromIdentity(ctx context.Context) error {
	members, err := s.identity.ListMembers(ctx)
	if err != nil {
		return nil //nolint:nilerr — non-fatal: roster just stays stale until the next sync
	}
	self := s.identity.PublicKeyHex()
	updated := false
	for _, pubkey := range members {
		rec := s.ensureMember(pubkey)
		if !rec.joined {
			rec.joined = true
			updated = true
		}
		if pubkey != self {
			if _, ok := s.subscribedPeers[pubkey]; !ok {
				if err := s.transport.SubscribeToPeer(ctx, pubkey); err != nil {
					s.emit(events.Transient(fmt.Sprintf("subscribe to peer failed: %v", err)))
				}
				s.subscribedPeers[pubkey] = struct{}{}
			}
		}
	}
	if updated {
		s.emitRoster()
	}
	return nil
}
