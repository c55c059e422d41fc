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
	"strings"

	"github.com/sage-x-project/marmot-chat/events"
)

// Stage classifies which part of the controller an error originated in.
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageMessaging Stage = "messaging"
	StageInvite    Stage = "invite"
)

// Severity distinguishes errors the host must surface from ones the
// controller can absorb and keep running.
type Severity string

const (
	SeverityTransient Severity = "transient"
	SeverityFatal     Severity = "fatal"
)

// Error is the controller's internal error envelope, carrying enough to
// render a host-visible events.Event without losing the underlying cause.
type Error struct {
	Stage          Stage
	Severity       Severity
	Detail         error
	userMessage    string
	recoveryAction events.RecoveryAction
}

// NewFatal wraps detail as a fatal error with the stage's default message
// and recovery action.
func NewFatal(stage Stage, detail error) *Error {
	return &Error{
		Stage:          stage,
		Severity:       SeverityFatal,
		Detail:         detail,
		userMessage:    defaultUserMessage(stage),
		recoveryAction: defaultRecoveryAction(stage),
	}
}

// NewTransient wraps detail as a non-fatal error with no recovery hint.
func NewTransient(stage Stage, detail error) *Error {
	return &Error{
		Stage:          stage,
		Severity:       SeverityTransient,
		Detail:         detail,
		userMessage:    defaultUserMessage(stage),
		recoveryAction: events.RecoveryNone,
	}
}

// WithUserMessage overrides the message surfaced to the host.
func (e *Error) WithUserMessage(message string) *Error {
	e.userMessage = message
	return e
}

// WithRecoveryAction overrides the recovery hint surfaced to the host.
func (e *Error) WithRecoveryAction(action events.RecoveryAction) *Error {
	e.recoveryAction = action
	return e
}

// Error implements the error interface over the wrapped detail.
func (e *Error) Error() string { return e.Detail.Error() }

// Unwrap exposes the wrapped detail to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Detail }

// Event renders the error as the host-visible event it should produce.
func (e *Error) Event() events.Event {
	if e.Severity == SeverityFatal {
		return events.Fatal(e.userMessage, e.recoveryAction)
	}
	return events.Transient(e.userMessage)
}

func defaultUserMessage(stage Stage) string {
	switch stage {
	case StageHandshake:
		return "Handshake failed. Refresh the page or request a new invite."
	case StageMessaging:
		return "Failed to process encrypted message. Refresh or request a new invite."
	case StageInvite:
		return "Invite request failed. Verify the participant key and try again."
	default:
		return "An unexpected error occurred."
	}
}

func defaultRecoveryAction(stage Stage) events.RecoveryAction {
	switch stage {
	case StageHandshake, StageMessaging:
		return events.RecoveryRefresh
	case StageInvite:
		return events.RecoveryRetry
	default:
		return events.RecoveryNone
	}
}

// classifyInviteRecovery maps an invite-path error message to a recovery
// action: input errors (empty/invalid pubkey, self-invite, duplicate
// invite/member) need no action since retrying with the same input cannot
// succeed; relay/network-flavored errors ask the host to check its
// connection; anything else is presumed transient and retryable.
func classifyInviteRecovery(err error) events.RecoveryAction {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "empty"),
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "cannot invite self"),
		strings.Contains(msg, "already present"),
		strings.Contains(msg, "already pending"):
		return events.RecoveryNone
	case strings.Contains(msg, "relay"), strings.Contains(msg, "network"):
		return events.RecoveryCheckConnection
	default:
		return events.RecoveryRetry
	}
}

// isRetryableIngestError reports whether an ingest_wrapper failure should
// land the frame in pending_incoming instead of failing outright.
func isRetryableIngestError(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "process message") ||
		strings.Contains(lower, "merge pending commit") ||
		strings.Contains(lower, "decrypt") ||
		strings.Contains(lower, "epoch")
}

// classifyHandshakeErrorType maps a fatal handshake-stage error message to
// the HandshakesFailed error_type label.
func classifyHandshakeErrorType(err error) string {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "relay"), strings.Contains(lower, "network"), strings.Contains(lower, "connect"):
		return "network"
	default:
		return "invalid"
	}
}
