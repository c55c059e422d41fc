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
	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/handshake"
)

type opKind int

const (
	opStart opKind = iota
	opOutgoingHandshake
	opIncomingHandshake
	opConnectTransport
	opIncomingFrame
	opPublishWrapper
	opReady
	opSendText
	opRotateEpoch
	opInviteMember
	opEmit
	opShutdown
)

// operation is the tagged union flowing through the controller's single
// consumer goroutine. Every field outside the one the kind selects is zero.
type operation struct {
	kind opKind

	handshakeMsg handshake.Message // opOutgoingHandshake, opIncomingHandshake
	frame        []byte            // opIncomingFrame, opPublishWrapper
	text         string            // opSendText
	invitePubkey string            // opInviteMember
	inviteAdmin  bool              // opInviteMember
	event        events.Event      // opEmit
}
