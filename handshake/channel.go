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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/marmot-chat/internal/logger"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
)

// deliveryKey is the (session, target role, target pubkey) triple messages
// are buffered under until a matching listener registers. An empty pubkey
// matches any listener of that role in that session.
type deliveryKey struct {
	session string
	role    Role
	pubkey  string
}

// wireEnvelope is the relay wire format: Message plus a correlation id the
// relay echoes back, matching the wire-vs-domain struct split the rest of
// this codebase's websocket transport uses.
type wireEnvelope struct {
	ID      string  `json:"id"`
	Message Message `json:"message"`
}

// WSChannel is the gorilla/websocket-backed implementation of Channel. It
// does not reconnect on its own: after a failed Send or a lost connection,
// the caller's next Connect re-dials. Outbound messages sent while
// disconnected are buffered in order and flushed by that Connect, and
// inbound messages addressed to a not-yet-registered listener are buffered
// per deliveryKey and flushed as matching registrations appear.
type WSChannel struct {
	dialTimeout time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	params   Params
	listener Listener
	connKey  deliveryKey

	outboxMu sync.Mutex
	outbox   []Message

	pendingMu sync.Mutex
	pending   map[deliveryKey][]Message

	sf singleflight.Group

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSChannel creates a Channel with default timeouts.
func NewWSChannel() *WSChannel {
	return &WSChannel{
		dialTimeout: 10 * time.Second,
		pending:     make(map[deliveryKey][]Message),
		done:        make(chan struct{}),
	}
}

// Connect opens the relay connection, registers this node's listener under
// its own (session, role, pubkey) key, and starts the read loop.
func (c *WSChannel) Connect(ctx context.Context, params Params, listener Listener) error {
	c.mu.Lock()
	c.params = params
	c.listener = listener
	c.connKey = deliveryKey{session: params.SessionID, role: params.Role, pubkey: params.Pubkey}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return fmt.Errorf("handshake: connect: %w", err)
	}

	go c.readLoop()
	c.flushOutbox()
	c.resolveKey(c.connKey)
	return nil
}

func (c *WSChannel) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := &websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.params.RelayURL, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Send publishes an authenticated, role-tagged event. If the connection is
// down, the message is appended to the outbound FIFO and flushed on the
// next successful reconnect.
func (c *WSChannel) Send(ctx context.Context, msg Message) error {
	msg.Session = c.params.SessionID
	msg.FromRole = c.params.Role

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.enqueueOutbox(msg)
		return fmt.Errorf("handshake: not connected, message buffered")
	}

	env := wireEnvelope{ID: uuid.NewString(), Message: msg}
	c.mu.Lock()
	err := conn.WriteJSON(env)
	c.mu.Unlock()
	if err != nil {
		c.markDisconnected()
		c.enqueueOutbox(msg)
		return fmt.Errorf("handshake: send: %w", err)
	}
	metrics.HandshakesInitiated.WithLabelValues(string(c.params.Role)).Inc()
	return nil
}

// Shutdown closes the relay connection and drops the listener.
func (c *WSChannel) Shutdown(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = c.conn.Close()
			c.conn = nil
		}
		c.listener = nil
	})
	return err
}

func (c *WSChannel) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.markDisconnected()
			c.notifyError(fmt.Errorf("handshake: read: %w", err))
			return
		}
		c.dispatch(env.Message)
	}
}

// dispatch applies the addressing/filtering rules and either hands the
// message to the registered listener or buffers it for later delivery.
func (c *WSChannel) dispatch(msg Message) {
	c.mu.Lock()
	params := c.params
	listener := c.listener
	c.mu.Unlock()

	if msg.Session != params.SessionID {
		return
	}
	if msg.FromRole == params.Role {
		return
	}
	isRequest := msg.Type == KindRequestKeyPackage || msg.Type == KindRequestWelcome
	if isRequest && msg.Recipient != "" && msg.Recipient != params.Pubkey {
		return
	}
	if (msg.Type == KindKeyPackage || msg.Type == KindWelcome) && msg.Recipient != "" && msg.Recipient != params.Pubkey {
		return
	}

	if listener == nil {
		key := deliveryKey{session: params.SessionID, role: params.Role, pubkey: msg.Recipient}
		c.bufferPending(key, msg)
		return
	}
	listener.OnMessage(msg)
}

func (c *WSChannel) bufferPending(key deliveryKey, msg Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[key] = append(c.pending[key], msg)
}

// flushPendingLocked delivers and clears any messages buffered for exactKey,
// then those in the wildcard (empty-pubkey) bucket for the same
// session/role. Each bucket keeps its publish order; the exact-key bucket
// is always delivered before the wildcard bucket.
func (c *WSChannel) flushPendingLocked(exactKey deliveryKey) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener == nil {
		return
	}

	wildcard := deliveryKey{session: exactKey.session, role: exactKey.role, pubkey: ""}

	c.pendingMu.Lock()
	queued := append(c.pending[exactKey], c.pending[wildcard]...)
	delete(c.pending, exactKey)
	delete(c.pending, wildcard)
	c.pendingMu.Unlock()

	for _, msg := range queued {
		listener.OnMessage(msg)
	}
}

func (c *WSChannel) enqueueOutbox(msg Message) {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()
	c.outbox = append(c.outbox, msg)
}

func (c *WSChannel) flushOutbox() {
	c.outboxMu.Lock()
	queued := c.outbox
	c.outbox = nil
	c.outboxMu.Unlock()

	for i, msg := range queued {
		if err := c.Send(context.Background(), msg); err != nil {
			logger.Warn("handshake: outbox flush failed", logger.Error(err))
			c.outboxMu.Lock()
			c.outbox = append(c.outbox, queued[i+1:]...)
			c.outboxMu.Unlock()
			return
		}
	}
}

func (c *WSChannel) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *WSChannel) notifyError(err error) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener.OnError(err)
	}
}

// resolveKey deduplicates concurrent identical pending-delivery registration
// lookups, matching the relay server's singleflight pattern for peer
// resolution.
func (c *WSChannel) resolveKey(key deliveryKey) {
	k := fmt.Sprintf("%s|%s|%s", key.session, key.role, key.pubkey)
	_, _, _ = c.sf.Do(k, func() (any, error) {
		c.flushPendingLocked(key)
		return nil, nil
	})
}
