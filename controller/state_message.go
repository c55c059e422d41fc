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
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sage-x-project/marmot-chat/events"
	"github.com/sage-x-project/marmot-chat/identity"
	"github.com/sage-x-project/marmot-chat/internal/metrics"
)

// handleIncomingFrame ingests one wrapper frame and, on success, also
// retries whatever is sitting in pendingIncoming.
func (c *Controller) handleIncomingFrame(ctx context.Context, frame []byte) {
	evs, err := c.ingestWrapperBytes(ctx, frame)
	if err != nil {
		if isRetryableIngestError(err) {
			c.queuePendingIncoming(frame, err)
			return
		}
		c.emitError(NewFatal(StageMessaging, err))
		return
	}
	for _, e := range evs {
		c.state.emit(e)
	}
	if err := c.retryPendingIncoming(ctx); err != nil {
		c.emitError(NewFatal(StageMessaging, err))
	}
}

func (c *Controller) ingestWrapperBytes(ctx context.Context, frame []byte) ([]events.Event, error) {
	start := time.Now()
	outcome, err := c.state.identity.IngestWrapper(ctx, frame)
	if err != nil {
		return nil, err
	}
	switch outcome.Kind {
	case identity.WrapperApplication:
		author := outcome.Application.Author
		c.state.markMemberJoined(author)
		local := author == c.state.identity.PublicKeyHex()
		metrics.MessagesProcessed.WithLabelValues("text", "success").Inc()
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
		return []events.Event{events.Message(author, outcome.Application.Content, outcome.Application.CreatedAt, local)}, nil
	case identity.WrapperCommit:
		if err := c.state.identity.MergePendingCommit(ctx); err != nil {
			metrics.MessagesProcessed.WithLabelValues("commit", "failure").Inc()
			return nil, fmt.Errorf("merge pending commit: %w", err)
		}
		c.state.commits++
		if err := c.state.syncMembersFromIdentity(ctx); err != nil {
			metrics.MessagesProcessed.WithLabelValues("commit", "failure").Inc()
			return nil, err
		}
		metrics.MessagesProcessed.WithLabelValues("commit", "success").Inc()
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
		return []events.Event{events.Commit(c.state.commits)}, nil
	default:
		return nil, nil
	}
}

func (c *Controller) queuePendingIncoming(frame []byte, cause error) {
	message := cause.Error()
	for i := range c.state.pendingIncoming {
		if bytes.Equal(c.state.pendingIncoming[i].bytes, frame) {
			c.state.pendingIncoming[i].lastError = message
			return
		}
	}
	c.state.pendingIncoming = append(c.state.pendingIncoming, pendingIncomingFrame{
		bytes: frame, attempts: 1, lastError: message,
	})
}

func (c *Controller) retryPendingIncoming(ctx context.Context) error {
	if len(c.state.pendingIncoming) == 0 {
		return nil
	}

	pending := c.state.pendingIncoming
	c.state.pendingIncoming = nil

	for _, frame := range pending {
		evs, err := c.ingestWrapperBytes(ctx, frame.bytes)
		if err == nil {
			for _, e := range evs {
				c.state.emit(e)
			}
			continue
		}

		frame.attempts++
		frame.lastError = err.Error()
		if frame.attempts >= maxPendingIncomingAttempts {
			return fmt.Errorf("incoming frame failed after %d attempts: %w", frame.attempts, err)
		}
		c.state.pendingIncoming = append(c.state.pendingIncoming, frame)
	}
	return nil
}

func (c *Controller) handleOutgoingMessage(ctx context.Context, content string) ([]byte, events.Event, error) {
	start := time.Now()
	frame, err := c.state.identity.CreateMessage(ctx, content)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("text", "failure").Inc()
		return nil, events.Event{}, err
	}
	metrics.MessagesProcessed.WithLabelValues("text", "success").Inc()
	metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	event := events.Message(c.state.identity.PublicKeyHex(), content, time.Now().Unix(), true)
	return frame, event, nil
}

func (c *Controller) handleSelfUpdate(ctx context.Context) ([]byte, events.Event, error) {
	frame, err := c.state.identity.SelfUpdate(ctx)
	if err != nil {
		return nil, events.Event{}, err
	}
	c.state.commits++
	return frame, events.Commit(c.state.commits), nil
}

func (c *Controller) onReady(ctx context.Context) {
	c.state.ready = true
	c.state.emit(events.ReadyEvent(true))
	for {
		frame, ok := c.state.takeNextOutgoing()
		if !ok {
			break
		}
		if err := c.state.transport.PublishWrapper(ctx, frame); err != nil {
			c.emitError(NewTransient(StageMessaging, err))
		}
	}
	if err := c.retryPendingIncoming(ctx); err != nil {
		c.emitError(NewFatal(StageMessaging, err))
	}
}
