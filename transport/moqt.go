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

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okdaichi/gomoqt/moqt"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/sage-x-project/marmot-chat/internal/logger"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
)

const (
	connectRetries = 10
	connectDelay   = 200 * time.Millisecond
)

// MoQChannel is the gomoqt-backed implementation of Channel. The publish
// side writes each wrapper frame as its own single-frame group, sequenced
// by a monotonic counter; the subscribe side accepts groups from each peer
// track and delivers every frame in them to the listener, mirroring the
// ingest/egress split in this ecosystem's relay handler.
type MoQChannel struct {
	mu       sync.Mutex
	session  *moqt.Session
	writer   *moqt.TrackWriter
	listener Listener
	params   Params

	nextGroup atomic.Uint64

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc

	closeOnce sync.Once
}

// NewMoQChannel creates an unconnected Channel.
func NewMoQChannel() *MoQChannel {
	return &MoQChannel{subs: make(map[string]context.CancelFunc)}
}

// Connect dials the relay's MoQ endpoint, retrying up to connectRetries
// times, then opens the local publish track and subscribes to every known
// peer's track under the shared group root.
func (c *MoQChannel) Connect(ctx context.Context, params Params, listener Listener) error {
	c.mu.Lock()
	c.params = params
	c.listener = listener
	c.mu.Unlock()

	var session *moqt.Session
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		session, lastErr = dialSession(ctx, params.URL)
		if lastErr == nil {
			metrics.TransportConnectAttempts.WithLabelValues("success").Inc()
			break
		}
		metrics.TransportConnectAttempts.WithLabelValues("failure").Inc()
		logger.Warn("transport: dial attempt failed",
			logger.Int("attempt", attempt), logger.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("transport: connect: exhausted %d attempts: %w", connectRetries, lastErr)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	writer, err := session.Publish(moqt.BroadcastPath(params.GroupRoot), moqt.TrackName(params.OwnPubkey))
	if err != nil {
		return fmt.Errorf("transport: open publish track: %w", err)
	}
	c.mu.Lock()
	c.writer = writer
	c.mu.Unlock()

	for _, peer := range params.PeerPubkeys {
		if err := c.SubscribeToPeer(ctx, peer); err != nil {
			logger.Warn("transport: initial peer subscribe failed",
				logger.String("peer", peer), logger.Error(err))
		}
	}

	listener.OnReady()
	return nil
}

// SubscribeToPeer idempotently subscribes to pubkey's track and streams
// every received frame to the listener until Shutdown or a read error.
func (c *MoQChannel) SubscribeToPeer(ctx context.Context, pubkey string) error {
	c.subsMu.Lock()
	if _, ok := c.subs[pubkey]; ok {
		c.subsMu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.subs[pubkey] = cancel
	c.subsMu.Unlock()

	c.mu.Lock()
	session := c.session
	root := c.params.GroupRoot
	c.mu.Unlock()
	if session == nil {
		cancel()
		return fmt.Errorf("transport: subscribe %s: not connected", pubkey)
	}

	reader, err := session.Subscribe(moqt.BroadcastPath(root), moqt.TrackName(pubkey), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("transport: subscribe %s: %w", pubkey, err)
	}

	metrics.TransportSubscribedPeers.Inc()
	go c.ingest(subCtx, pubkey, reader)
	return nil
}

func (c *MoQChannel) ingest(ctx context.Context, pubkey string, reader *moqt.TrackReader) {
	defer metrics.TransportSubscribedPeers.Dec()
	for {
		group, err := reader.AcceptGroup(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.notifyError(fmt.Errorf("transport: accept group from %s: %w", pubkey, err))
			return
		}
		for {
			frame, err := group.ReadFrame()
			if err != nil {
				break
			}
			metrics.TransportFramesReceived.WithLabelValues(pubkey).Inc()
			c.notifyFrame(pubkey, frame)
		}
	}
}

// PublishWrapper appends one frame to the local member's track as a new,
// single-frame group.
func (c *MoQChannel) PublishWrapper(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("transport: publish: not connected")
	}

	seq := c.nextGroup.Add(1) - 1
	group, err := writer.OpenGroupAt(seq)
	if err != nil {
		return fmt.Errorf("transport: open group: %w", err)
	}
	defer group.Close()

	if err := group.WriteFrame(frame); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	metrics.TransportFramesPublished.Inc()
	return nil
}

// Shutdown cancels every peer subscription and closes the session.
func (c *MoQChannel) Shutdown(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.subsMu.Lock()
		for _, cancel := range c.subs {
			cancel()
		}
		c.subs = make(map[string]context.CancelFunc)
		c.subsMu.Unlock()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session != nil {
			err = c.session.Close()
			c.session = nil
		}
		if c.listener != nil {
			c.listener.OnClosed()
		}
	})
	return err
}

func (c *MoQChannel) notifyFrame(pubkey string, frame []byte) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener.OnFrame(pubkey, frame)
	}
}

func (c *MoQChannel) notifyError(err error) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener.OnError(err)
	}
}

// dialSession opens the WebTransport connection to url and binds a MoQ
// session to it, matching this ecosystem's webtransport.Dialer.Dial usage.
func dialSession(ctx context.Context, url string) (*moqt.Session, error) {
	dialer := webtransport.Dialer{
		TLSClientConfig: &tls.Config{},
		QUICConfig:      &quic.Config{EnableDatagrams: true},
	}
	_, wtSession, err := dialer.Dial(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	session, err := moqt.NewSession(wtSession)
	if err != nil {
		return nil, err
	}
	return session, nil
}
