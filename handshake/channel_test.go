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

package handshake

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu       sync.Mutex
	messages []Message
	errs     []error
}

func (l *recordingListener) OnMessage(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func newTestChannel(params Params, listener Listener) *WSChannel {
	c := NewWSChannel()
	c.params = params
	c.listener = listener
	c.connKey = deliveryKey{session: params.SessionID, role: params.Role, pubkey: params.Pubkey}
	return c
}

func TestDispatchDropsMessageFromOtherSession(t *testing.T) {
	listener := &recordingListener{}
	c := newTestChannel(Params{SessionID: "s1", Role: RoleInitial, Pubkey: "pk-a"}, listener)

	c.dispatch(Message{Session: "other-session", Type: KindRequestKeyPackage})

	assert.Empty(t, listener.messages)
}

func TestDispatchDropsMessageFromSameRole(t *testing.T) {
	listener := &recordingListener{}
	c := newTestChannel(Params{SessionID: "s1", Role: RoleInitial, Pubkey: "pk-a"}, listener)

	c.dispatch(Message{Session: "s1", FromRole: RoleInitial, Type: KindRequestKeyPackage})

	assert.Empty(t, listener.messages)
}

func TestDispatchDropsMessageAddressedToAnotherRecipient(t *testing.T) {
	listener := &recordingListener{}
	c := newTestChannel(Params{SessionID: "s1", Role: RoleInvitee, Pubkey: "pk-b"}, listener)

	c.dispatch(Message{Session: "s1", FromRole: RoleInitial, Type: KindWelcome, Recipient: "someone-else"})

	assert.Empty(t, listener.messages)
}

func TestDispatchDeliversMatchingMessage(t *testing.T) {
	listener := &recordingListener{}
	c := newTestChannel(Params{SessionID: "s1", Role: RoleInvitee, Pubkey: "pk-b"}, listener)

	msg := Message{Session: "s1", FromRole: RoleInitial, Type: KindWelcome, Recipient: "pk-b"}
	c.dispatch(msg)

	require.Len(t, listener.messages, 1)
	assert.Equal(t, KindWelcome, listener.messages[0].Type)
}

func TestDispatchBuffersWhenNoListenerThenFlushes(t *testing.T) {
	params := Params{SessionID: "s1", Role: RoleInvitee, Pubkey: "pk-b"}
	c := newTestChannel(params, nil)

	c.dispatch(Message{Session: "s1", FromRole: RoleInitial, Type: KindWelcome, Recipient: "pk-b"})

	listener := &recordingListener{}
	c.listener = listener
	c.flushPendingLocked(deliveryKey{session: "s1", role: RoleInvitee, pubkey: "pk-b"})

	require.Len(t, listener.messages, 1)
	assert.Equal(t, KindWelcome, listener.messages[0].Type)
}

func TestFlushPendingDeliversExactKeyBucketBeforeWildcard(t *testing.T) {
	params := Params{SessionID: "s1", Role: RoleInvitee, Pubkey: "pk-b"}
	c := newTestChannel(params, nil)

	exact := deliveryKey{session: "s1", role: RoleInvitee, pubkey: "pk-b"}
	wildcard := deliveryKey{session: "s1", role: RoleInvitee, pubkey: ""}
	c.bufferPending(exact, Message{Type: KindWelcome})
	c.bufferPending(wildcard, Message{Type: KindRequestKeyPackage})

	listener := &recordingListener{}
	c.listener = listener
	c.flushPendingLocked(exact)

	require.Len(t, listener.messages, 2)
	assert.Equal(t, KindWelcome, listener.messages[0].Type)
	assert.Equal(t, KindRequestKeyPackage, listener.messages[1].Type)
}

func TestEnqueueOutboxBuffersWhenDisconnected(t *testing.T) {
	c := NewWSChannel()
	c.params = Params{SessionID: "s1", Role: RoleInitial, Pubkey: "pk-a"}

	err := c.Send(context.Background(), Message{Type: KindRequestKeyPackage})
	assert.Error(t, err)

	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()
	assert.Len(t, c.outbox, 1)
}
