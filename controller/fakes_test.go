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
	"sync"

	"github.com/sage-x-project/marmot-chat/config"
	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/handshake"
	"github.com/sage-x-project/marmot-chat/identity"
	"github.com/sage-x-project/marmot-chat/transport"
)

// fakeGroup is a hand-wired identity.Group test double: every operation is
// overridable via a function field, defaulting to a deterministic success.
type fakeGroup struct {
	mu sync.Mutex

	pubkey  string
	groupID string
	epoch   uint64
	members []string

	ingestWrapperFn     func(ctx context.Context, frame []byte) (identity.WrapperOutcome, error)
	mergePendingErr     error
	createMessageErr    error
	selfUpdateErr       error
	addMembersFn        func(ctx context.Context, events []string) (identity.AddMembersResult, error)
	createGroupFn       func(ctx context.Context, inviteeEvent, inviteePubkey string, admins []string) (string, string, error)
	acceptWelcomeFn     func(ctx context.Context, welcome string) (string, error)
	createKeyPackageErr error
}

func newFakeGroup(pubkey string) *fakeGroup {
	return &fakeGroup{pubkey: pubkey, groupID: "group-" + pubkey, members: []string{pubkey}}
}

func (g *fakeGroup) CreateKeyPackage(ctx context.Context, relays []string) (identity.KeyPackageExport, error) {
	if g.createKeyPackageErr != nil {
		return identity.KeyPackageExport{}, g.createKeyPackageErr
	}
	return identity.KeyPackageExport{EventJSON: "kp-" + g.pubkey}, nil
}

func (g *fakeGroup) ImportKeyPackageBundle(ctx context.Context, bundle []byte) error { return nil }

func (g *fakeGroup) CreateGroup(ctx context.Context, inviteeEvent, inviteePubkey string, admins []string) (string, string, error) {
	if g.createGroupFn != nil {
		return g.createGroupFn(ctx, inviteeEvent, inviteePubkey, admins)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, inviteePubkey)
	return g.groupID, "welcome-for-" + inviteePubkey, nil
}

func (g *fakeGroup) AddMembers(ctx context.Context, keyPackageEvents []string) (identity.AddMembersResult, error) {
	if g.addMembersFn != nil {
		return g.addMembersFn(ctx, keyPackageEvents)
	}
	g.mu.Lock()
	g.epoch++
	g.mu.Unlock()
	welcomes := make([]identity.WelcomeArtifact, 0, len(keyPackageEvents))
	for i, kp := range keyPackageEvents {
		welcomes = append(welcomes, identity.WelcomeArtifact{
			Recipient: fmt.Sprintf("invitee-%d-%s", i, kp),
			Welcome:   "welcome-" + kp,
		})
	}
	return identity.AddMembersResult{CommitFrame: []byte("commit-frame"), Welcomes: welcomes}, nil
}

func (g *fakeGroup) AcceptWelcome(ctx context.Context, welcomeJSON string) (string, error) {
	if g.acceptWelcomeFn != nil {
		return g.acceptWelcomeFn(ctx, welcomeJSON)
	}
	return g.groupID, nil
}

func (g *fakeGroup) IngestWrapper(ctx context.Context, frame []byte) (identity.WrapperOutcome, error) {
	if g.ingestWrapperFn != nil {
		return g.ingestWrapperFn(ctx, frame)
	}
	return identity.WrapperOutcome{Kind: identity.WrapperApplication, Application: identity.Application{
		Author: g.pubkey, Content: string(frame),
	}}, nil
}

func (g *fakeGroup) MergePendingCommit(ctx context.Context) error {
	if g.mergePendingErr != nil {
		return g.mergePendingErr
	}
	g.mu.Lock()
	g.epoch++
	g.mu.Unlock()
	return nil
}

func (g *fakeGroup) ListMembers(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.members...), nil
}

func (g *fakeGroup) CreateMessage(ctx context.Context, content string) ([]byte, error) {
	if g.createMessageErr != nil {
		return nil, g.createMessageErr
	}
	return []byte(content), nil
}

func (g *fakeGroup) SelfUpdate(ctx context.Context) ([]byte, error) {
	if g.selfUpdateErr != nil {
		return nil, g.selfUpdateErr
	}
	g.mu.Lock()
	g.epoch++
	g.mu.Unlock()
	return []byte("self-update-frame"), nil
}

func (g *fakeGroup) DeriveGroupRoot(ctx context.Context) (string, error) {
	return "marmot/" + g.groupID, nil
}

func (g *fakeGroup) CurrentEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

func (g *fakeGroup) GroupIDHex() string { return g.groupID }

func (g *fakeGroup) DeriveMediaBaseKey(ctx context.Context, senderPubkey, trackLabel string) ([32]byte, error) {
	return [32]byte{}, nil
}

func (g *fakeGroup) PublicKeyHex() string { return g.pubkey }

// fakeHandshake is a handshake.Channel test double recording every Send.
type fakeHandshake struct {
	mu       sync.Mutex
	sent     []handshake.Message
	sendErr  error
	listener handshake.Listener
}

func (h *fakeHandshake) Connect(ctx context.Context, params handshake.Params, listener handshake.Listener) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = listener
	return nil
}

func (h *fakeHandshake) Send(ctx context.Context, msg handshake.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandshake) Shutdown(ctx context.Context) error { return nil }

func (h *fakeHandshake) sentMessages() []handshake.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handshake.Message(nil), h.sent...)
}

// fakeTransport is a transport.Channel test double recording every publish.
type fakeTransport struct {
	mu          sync.Mutex
	published   [][]byte
	subscribed  []string
	publishErr  error
	connectErr  error
	connectedTo transport.Params
}

func (t *fakeTransport) Connect(ctx context.Context, params transport.Params, listener transport.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connectedTo = params
	return nil
}

func (t *fakeTransport) SubscribeToPeer(ctx context.Context, pubkey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = append(t.subscribed, pubkey)
	return nil
}

func (t *fakeTransport) PublishWrapper(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, frame)
	return nil
}

func (t *fakeTransport) Shutdown(ctx context.Context) error { return nil }

func (t *fakeTransport) publishedFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.published...)
}

// recordingSink collects every emitted event in order.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

// newTestController builds a Controller without starting its consumer
// goroutine, so tests can drive its unexported handler methods directly and
// assert on state/events synchronously.
func newTestController(id identity.Group, hs handshake.Channel, tr transport.Channel, sink events.Sink, sess config.SessionConfig) *Controller {
	return &Controller{
		state: newState(sess, config.TransportConfig{Endpoint: "moq://relay"}, id, hs, tr, sink),
		ops:   make(chan operation, operationQueueSize),
		done:  make(chan struct{}),
	}
}
