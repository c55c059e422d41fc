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

	"github.com/sage-x-project/marmot-chat/config"
	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/handshake"
	"github.com/sage-x-project/marmot-chat/identity"
	"github.com/sage-x-project/marmot-chat/internal/logger"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
	"github.com/sage-x-project/marmot-chat/transport"
)

// operationQueueSize is the buffer depth of the single-consumer operation
// channel; public methods never block on a mutex shared with the consumer,
// only on this channel filling up.
const operationQueueSize = 256

// Config wires a Controller to its collaborators: the MLS group adapter
// (C1), the handshake and transport channels (C2/C3), and the event sink
// the host observes (C6).
type Config struct {
	Session         config.SessionConfig
	TransportConfig config.TransportConfig
	Identity        identity.Group
	Handshake       handshake.Channel
	Transport       transport.Channel
	Sink            events.Sink
}

// Controller is the public handle to the chat session. Every method is
// non-blocking: the request is posted to the internal operation queue and
// results surface later as events on the configured Sink.
type Controller struct {
	state *state
	ops   chan operation
	done  chan struct{}
}

// New constructs a Controller and starts its consumer goroutine. Call
// Start to begin the handshake.
func New(cfg Config) *Controller {
	c := &Controller{
		state: newState(cfg.Session, cfg.TransportConfig, cfg.Identity, cfg.Handshake, cfg.Transport, cfg.Sink),
		ops:   make(chan operation, operationQueueSize),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Start enqueues the initial Start operation.
func (c *Controller) Start() { c.enqueue(operation{kind: opStart}) }

// SendText enqueues an outbound application message.
func (c *Controller) SendText(content string) {
	c.enqueue(operation{kind: opSendText, text: content})
}

// RotateEpoch enqueues a self-update, producing a fresh commit.
func (c *Controller) RotateEpoch() { c.enqueue(operation{kind: opRotateEpoch}) }

// InviteMember enqueues a request to add pubkey to the group.
func (c *Controller) InviteMember(pubkey string, isAdmin bool) {
	c.enqueue(operation{kind: opInviteMember, invitePubkey: pubkey, inviteAdmin: isAdmin})
}

// Shutdown enqueues a shutdown and blocks until the consumer goroutine
// has drained it and exited.
func (c *Controller) Shutdown() {
	c.enqueue(operation{kind: opShutdown})
	<-c.done
}

func (c *Controller) enqueue(op operation) {
	select {
	case c.ops <- op:
	case <-c.done:
	}
}

func (c *Controller) emitError(err *Error) {
	logger.ErrorMsg("controller error", logger.String("stage", string(err.Stage)), logger.Error(err.Detail))
	if err.Stage == StageHandshake && err.Severity == SeverityFatal {
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		metrics.HandshakesFailed.WithLabelValues(classifyHandshakeErrorType(err.Detail)).Inc()
	}
	c.state.emit(err.Event())
}

// run is the single consumer goroutine; every state mutation happens here.
func (c *Controller) run() {
	ctx := context.Background()
	defer close(c.done)

	for op := range c.ops {
		switch op.kind {
		case opStart:
			c.onStart(ctx)
		case opOutgoingHandshake:
			c.onOutgoingHandshake(ctx, op.handshakeMsg)
		case opIncomingHandshake:
			c.onIncomingHandshake(ctx, op.handshakeMsg)
		case opConnectTransport:
			c.onConnectTransport(ctx)
		case opIncomingFrame:
			c.handleIncomingFrame(ctx, op.frame)
		case opPublishWrapper:
			c.state.publishOrQueue(ctx, op.frame)
		case opReady:
			c.onReady(ctx)
		case opSendText:
			frame, event, err := c.handleOutgoingMessage(ctx, op.text)
			if err != nil {
				c.emitError(NewFatal(StageMessaging, err))
				continue
			}
			c.enqueue(operation{kind: opPublishWrapper, frame: frame})
			c.state.emit(event)
		case opRotateEpoch:
			frame, event, err := c.handleSelfUpdate(ctx)
			if err != nil {
				c.emitError(NewFatal(StageMessaging, err))
				continue
			}
			c.enqueue(operation{kind: opPublishWrapper, frame: frame})
			c.state.emit(event)
		case opInviteMember:
			if err := c.requestInvite(op.invitePubkey, op.inviteAdmin); err != nil {
				c.emitError(NewTransient(StageInvite, err).WithRecoveryAction(classifyInviteRecovery(err)))
			}
		case opEmit:
			c.state.emit(op.event)
		case opShutdown:
			_ = c.state.transport.Shutdown(ctx)
			_ = c.state.handshake.Shutdown(ctx)
			return
		}
	}
}

func (c *Controller) onConnectTransport(ctx context.Context) {
	params := transport.Params{
		URL:         c.state.session.transportURL,
		OwnPubkey:   c.state.identity.PublicKeyHex(),
		PeerPubkeys: peerPubkeySlice(c.state.peerPubkeys),
	}
	root, err := c.state.identity.DeriveGroupRoot(ctx)
	if err != nil {
		c.emitError(NewFatal(StageMessaging, err))
		return
	}
	params.GroupRoot = root

	if err := c.state.transport.Connect(ctx, params, c.transportListener()); err != nil {
		c.emitError(NewFatal(StageMessaging, err))
		return
	}
	for peer := range c.state.peerPubkeys {
		c.state.subscribedPeers[peer] = struct{}{}
	}
}

func peerPubkeySlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// handshakeListener adapts incoming relay messages into operations, owning
// only I/O: the listener itself never mutates state.
func (c *Controller) handshakeListener() handshake.Listener {
	return handshake.ListenerFunc(func(msg handshake.Message) {
		c.enqueue(operation{kind: opIncomingHandshake, handshakeMsg: msg})
	})
}

type controllerTransportListener struct {
	c *Controller
}

func (c *Controller) transportListener() transport.Listener {
	return &controllerTransportListener{c: c}
}

func (l *controllerTransportListener) OnReady() {
	l.c.enqueue(operation{kind: opReady})
}

func (l *controllerTransportListener) OnFrame(_ string, frame []byte) {
	l.c.enqueue(operation{kind: opIncomingFrame, frame: frame})
}

func (l *controllerTransportListener) OnError(err error) {
	l.c.enqueue(operation{kind: opEmit, event: events.Transient(err.Error())})
}

func (l *controllerTransportListener) OnClosed() {
	l.c.enqueue(operation{kind: opEmit, event: events.Status("transport connection closed")})
}
