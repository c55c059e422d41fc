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

// Package identity wraps MLS group operations into the narrow group-scoped
// API the controller depends on (C1). The real MLS provider (key schedule,
// ratchet tree, HPKE, signatures) is an external collaborator; Group is the
// seam the controller calls through, matching the library surface assumed
// by the specification's external interfaces.
package identity

import "context"

// WrapperKind distinguishes what ingesting a wrapper frame produced.
type WrapperKind int

const (
	// WrapperNone means the frame was a proposal, external join proposal,
	// or otherwise produced no user-visible outcome.
	WrapperNone WrapperKind = iota
	WrapperApplication
	WrapperCommit
)

// Application carries the decrypted content of an application wrapper.
type Application struct {
	Author    string
	Content   string
	CreatedAt int64
}

// WrapperOutcome is the result of ingesting one inbound wrapper frame.
type WrapperOutcome struct {
	Kind        WrapperKind
	Application Application
}

// KeyPackageExport is a signed key package event plus the opaque bundle the
// joiner must retain to import its matching private material later.
type KeyPackageExport struct {
	EventJSON string
	Bundle    []byte
}

// WelcomeArtifact is one recipient's welcome, produced alongside a commit
// when members are added.
type WelcomeArtifact struct {
	Recipient string
	Welcome   string
}

// AddMembersResult bundles the commit wrapper and the welcomes to deliver.
type AddMembersResult struct {
	CommitFrame []byte
	Welcomes    []WelcomeArtifact
}

// Group is the MLS group handle the controller drives exclusively. Every
// operation that produces a commit leaves the adapter at a merged
// post-commit state before returning; derive_* operations are pure
// functions of the current group state.
type Group interface {
	// CreateKeyPackage produces a signed key package event and an opaque
	// bundle that the same identity re-imports, via ImportKeyPackageBundle,
	// before accepting a welcome.
	CreateKeyPackage(ctx context.Context, relays []string) (KeyPackageExport, error)

	// ImportKeyPackageBundle stores a previously cached bundle in the MLS
	// provider. Idempotent.
	ImportKeyPackageBundle(ctx context.Context, bundle []byte) error

	// CreateGroup creates a fresh group with the caller as sole member,
	// then adds inviteeEvent as the second member, merging admins.
	CreateGroup(ctx context.Context, inviteeEvent string, inviteePubkey string, adminPubkeys []string) (groupIDHex string, welcomeJSON string, err error)

	// AddMembers proposes and commits the addition of each key package
	// event, ingesting and merging the resulting commit locally before
	// returning so the caller is already at the post-commit epoch.
	AddMembers(ctx context.Context, keyPackageEvents []string) (AddMembersResult, error)

	// AcceptWelcome processes and accepts the latest pending welcome,
	// binding the adapter to that group.
	AcceptWelcome(ctx context.Context, welcomeJSON string) (groupIDHex string, err error)

	// IngestWrapper parses and processes one inbound frame. It does not
	// auto-merge commits; MergePendingCommit is the caller's step.
	IngestWrapper(ctx context.Context, frame []byte) (WrapperOutcome, error)

	// MergePendingCommit applies the outstanding commit to the group state.
	MergePendingCommit(ctx context.Context) error

	// ListMembers returns the current roster as hex-encoded pubkeys.
	ListMembers(ctx context.Context) ([]string, error)

	// CreateMessage produces an application wrapper at the current epoch.
	CreateMessage(ctx context.Context, content string) ([]byte, error)

	// SelfUpdate proposes and commits an identity update, ingesting and
	// merging locally before returning.
	SelfUpdate(ctx context.Context) ([]byte, error)

	// DeriveGroupRoot returns "marmot/" + hex(exporter), cached per epoch.
	DeriveGroupRoot(ctx context.Context) (string, error)

	// CurrentEpoch returns the group's current epoch.
	CurrentEpoch() uint64

	// GroupIDHex returns the hex-encoded group id, if a group is bound.
	GroupIDHex() string

	// DeriveMediaBaseKey derives the 32-byte base key media crypto expands
	// per generation for senderPubkey publishing trackLabel at the current
	// epoch.
	DeriveMediaBaseKey(ctx context.Context, senderPubkey, trackLabel string) ([32]byte, error)

	// PublicKeyHex returns this identity's stable member identifier.
	PublicKeyHex() string
}
