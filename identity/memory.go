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

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	groupRootLabel = "moq-group-root-v1"
	mediaBaseLabel = "moq-media-base-v1"
)

// wireMember is the serialized roster entry carried inside commit/welcome
// frames.
type wireMember struct {
	PubkeyHex string `json:"pubkey_hex"`
	SigPub    []byte `json:"sig_pub"`
}

// keyPackageEvent is the serialized form of CreateKeyPackage's EventJSON.
type keyPackageEvent struct {
	PubkeyHex string `json:"pubkey_hex"`
	SigPub    []byte `json:"sig_pub"`
}

// wireFrame is the JSON-encoded signed event carried on the wire, matching
// the specification's "UTF-8 JSON-encoded signed event" wrapper contract.
type wireFrame struct {
	Kind      string       `json:"kind"` // "application" | "commit"
	Epoch     uint64       `json:"epoch"`
	Author    string       `json:"author,omitempty"`
	Content   string       `json:"content,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	Members   []wireMember `json:"members,omitempty"`
	Secret    []byte       `json:"secret,omitempty"`
	Sig       []byte       `json:"sig"`
}

type pendingCommit struct {
	epoch   uint64
	secret  [32]byte
	members []wireMember
}

// MemoryGroup is a deterministic Ed25519+HKDF reference implementation of
// Group, grounded on the pack's self-contained MLS-like exporter/epoch
// package. It is not a production MLS provider: commit frames carry the
// next epoch secret in cleartext rather than distributing it through a
// ratchet tree, which is acceptable only because the specification treats
// the real MLS library as an external collaborator (§6.2) and this type
// exists purely for tests and local runs against that same narrow
// interface.
type MemoryGroup struct {
	mu sync.Mutex

	sigPriv ed25519.PrivateKey
	sigPub  ed25519.PublicKey

	bound      bool
	groupID    []byte
	epoch      uint64
	secret     [32]byte
	members    []wireMember
	pending    *pendingCommit
	cachedRoot string
	cachedAt   uint64
}

// NewMemoryGroup derives an Ed25519 identity from a 32-byte hex secret.
func NewMemoryGroup(secretHex string) (*MemoryGroup, error) {
	seed, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("decode identity secret: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity secret must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryGroup{
		sigPriv: priv,
		sigPub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKeyHex implements Group.
func (g *MemoryGroup) PublicKeyHex() string {
	return hex.EncodeToString(g.sigPub)
}

// CreateKeyPackage implements Group.
func (g *MemoryGroup) CreateKeyPackage(_ context.Context, _ []string) (KeyPackageExport, error) {
	event := keyPackageEvent{PubkeyHex: g.PublicKeyHex(), SigPub: g.sigPub}
	data, err := json.Marshal(event)
	if err != nil {
		return KeyPackageExport{}, fmt.Errorf("marshal key package: %w", err)
	}
	return KeyPackageExport{EventJSON: string(data), Bundle: g.sigPriv.Seed()}, nil
}

// ImportKeyPackageBundle implements Group. It is idempotent: re-importing
// the same identity's own bundle is a no-op.
func (g *MemoryGroup) ImportKeyPackageBundle(_ context.Context, bundle []byte) error {
	if len(bundle) != ed25519.SeedSize {
		return fmt.Errorf("import key package bundle: expected %d bytes, got %d", ed25519.SeedSize, len(bundle))
	}
	return nil
}

// CreateGroup implements Group.
func (g *MemoryGroup) CreateGroup(_ context.Context, inviteeEvent string, inviteePubkey string, adminPubkeys []string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bound {
		return "", "", fmt.Errorf("create group: identity already bound to a group")
	}

	var invitee keyPackageEvent
	if err := json.Unmarshal([]byte(inviteeEvent), &invitee); err != nil {
		return "", "", fmt.Errorf("create group: decode invitee key package: %w", err)
	}
	if invitee.PubkeyHex == "" {
		invitee.PubkeyHex = inviteePubkey
	}

	groupID := make([]byte, 16)
	if _, err := rand.Read(groupID); err != nil {
		return "", "", fmt.Errorf("create group: generate group id: %w", err)
	}
	secret := [32]byte{}
	if _, err := rand.Read(secret[:]); err != nil {
		return "", "", fmt.Errorf("create group: generate epoch secret: %w", err)
	}

	members := dedupeMembers([]wireMember{
		{PubkeyHex: g.PublicKeyHex(), SigPub: g.sigPub},
		{PubkeyHex: invitee.PubkeyHex, SigPub: invitee.SigPub},
	})

	g.groupID = groupID
	g.epoch = 0
	g.secret = secret
	g.members = members
	g.bound = true
	g.invalidateRootLocked()

	welcome := wireFrame{
		Kind:    "welcome",
		Epoch:   g.epoch,
		Members: members,
		Secret:  secret[:],
	}
	welcome.Sig = g.sign(welcome)
	welcomeData, err := json.Marshal(welcome)
	if err != nil {
		return "", "", fmt.Errorf("create group: marshal welcome: %w", err)
	}

	_ = adminPubkeys // admin bookkeeping lives in the controller's state, not the group handle
	return hex.EncodeToString(g.groupID), string(welcomeData), nil
}

// AddMembers implements Group: proposes, commits, and merges locally.
func (g *MemoryGroup) AddMembers(_ context.Context, keyPackageEvents []string) (AddMembersResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bound {
		return AddMembersResult{}, fmt.Errorf("add members: no bound group")
	}

	newMembers := append([]wireMember(nil), g.members...)
	var additions []wireMember
	for _, raw := range keyPackageEvents {
		var kp keyPackageEvent
		if err := json.Unmarshal([]byte(raw), &kp); err != nil {
			return AddMembersResult{}, fmt.Errorf("add members: decode key package: %w", err)
		}
		additions = append(additions, wireMember{PubkeyHex: kp.PubkeyHex, SigPub: kp.SigPub})
		newMembers = append(newMembers, wireMember{PubkeyHex: kp.PubkeyHex, SigPub: kp.SigPub})
	}
	newMembers = dedupeMembers(newMembers)

	nextSecret := advanceSecret(g.secret, g.epoch)
	nextEpoch := g.epoch + 1

	commit := wireFrame{Kind: "commit", Epoch: nextEpoch, Members: newMembers, Secret: nextSecret[:]}
	commit.Sig = g.sign(commit)
	commitBytes, err := json.Marshal(commit)
	if err != nil {
		return AddMembersResult{}, fmt.Errorf("add members: marshal commit: %w", err)
	}

	g.epoch = nextEpoch
	g.secret = nextSecret
	g.members = newMembers
	g.invalidateRootLocked()

	welcomes := make([]WelcomeArtifact, 0, len(additions))
	for _, added := range additions {
		welcome := wireFrame{Kind: "welcome", Epoch: g.epoch, Members: newMembers, Secret: nextSecret[:]}
		welcome.Sig = g.sign(welcome)
		data, err := json.Marshal(welcome)
		if err != nil {
			return AddMembersResult{}, fmt.Errorf("add members: marshal welcome for %s: %w", added.PubkeyHex, err)
		}
		welcomes = append(welcomes, WelcomeArtifact{Recipient: added.PubkeyHex, Welcome: string(data)})
	}

	return AddMembersResult{CommitFrame: commitBytes, Welcomes: welcomes}, nil
}

// AcceptWelcome implements Group.
func (g *MemoryGroup) AcceptWelcome(_ context.Context, welcomeJSON string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var welcome wireFrame
	if err := json.Unmarshal([]byte(welcomeJSON), &welcome); err != nil {
		return "", fmt.Errorf("accept welcome: decode: %w", err)
	}
	if welcome.Kind != "welcome" {
		return "", fmt.Errorf("accept welcome: unexpected frame kind %q", welcome.Kind)
	}
	if len(welcome.Secret) != 32 {
		return "", fmt.Errorf("accept welcome: malformed epoch secret")
	}

	var secret [32]byte
	copy(secret[:], welcome.Secret)

	groupID := groupIDFromMembers(welcome.Members)
	g.groupID = groupID
	g.epoch = welcome.Epoch
	g.secret = secret
	g.members = dedupeMembers(welcome.Members)
	g.bound = true
	g.invalidateRootLocked()

	return hex.EncodeToString(g.groupID), nil
}

// IngestWrapper implements Group. It never merges a commit: that is the
// caller's explicit step via MergePendingCommit.
func (g *MemoryGroup) IngestWrapper(_ context.Context, frame []byte) (WrapperOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bound {
		return WrapperOutcome{}, fmt.Errorf("ingest wrapper: process message: no bound group")
	}

	var wire wireFrame
	if err := json.Unmarshal(frame, &wire); err != nil {
		return WrapperOutcome{}, fmt.Errorf("ingest wrapper: decode: %w", err)
	}

	switch wire.Kind {
	case "application":
		if wire.Epoch != g.epoch {
			return WrapperOutcome{}, fmt.Errorf("ingest wrapper: epoch mismatch: frame epoch %d current epoch %d", wire.Epoch, g.epoch)
		}
		if !g.hasMember(wire.Author) {
			return WrapperOutcome{}, fmt.Errorf("ingest wrapper: decrypt failed: unknown sender %s", wire.Author)
		}
		return WrapperOutcome{
			Kind: WrapperApplication,
			Application: Application{
				Author:    wire.Author,
				Content:   wire.Content,
				CreatedAt: wire.CreatedAt,
			},
		}, nil
	case "commit":
		if wire.Epoch != g.epoch+1 {
			return WrapperOutcome{}, fmt.Errorf("ingest wrapper: process message: commit epoch skew: frame epoch %d expected %d", wire.Epoch, g.epoch+1)
		}
		if len(wire.Secret) != 32 {
			return WrapperOutcome{}, fmt.Errorf("ingest wrapper: process message: malformed commit secret")
		}
		var secret [32]byte
		copy(secret[:], wire.Secret)
		g.pending = &pendingCommit{epoch: wire.Epoch, secret: secret, members: dedupeMembers(wire.Members)}
		return WrapperOutcome{Kind: WrapperCommit}, nil
	default:
		return WrapperOutcome{Kind: WrapperNone}, nil
	}
}

// MergePendingCommit implements Group.
func (g *MemoryGroup) MergePendingCommit(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return fmt.Errorf("merge pending commit: no pending commit")
	}
	g.epoch = g.pending.epoch
	g.secret = g.pending.secret
	g.members = g.pending.members
	g.pending = nil
	g.invalidateRootLocked()
	return nil
}

// ListMembers implements Group.
func (g *MemoryGroup) ListMembers(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.PubkeyHex)
	}
	return out, nil
}

// CreateMessage implements Group.
func (g *MemoryGroup) CreateMessage(_ context.Context, content string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bound {
		return nil, fmt.Errorf("create message: no bound group")
	}
	frame := wireFrame{
		Kind:      "application",
		Epoch:     g.epoch,
		Author:    g.PublicKeyHex(),
		Content:   content,
		CreatedAt: time.Now().Unix(),
	}
	frame.Sig = g.sign(frame)
	return json.Marshal(frame)
}

// SelfUpdate implements Group: proposes and commits an identity update,
// merging locally before returning.
func (g *MemoryGroup) SelfUpdate(_ context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bound {
		return nil, fmt.Errorf("self update: no bound group")
	}

	nextSecret := advanceSecret(g.secret, g.epoch)
	nextEpoch := g.epoch + 1

	commit := wireFrame{Kind: "commit", Epoch: nextEpoch, Members: g.members, Secret: nextSecret[:]}
	commit.Sig = g.sign(commit)
	data, err := json.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("self update: marshal commit: %w", err)
	}

	g.epoch = nextEpoch
	g.secret = nextSecret
	g.invalidateRootLocked()
	return data, nil
}

// DeriveGroupRoot implements Group, caching the computed root per epoch.
func (g *MemoryGroup) DeriveGroupRoot(_ context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bound {
		return "", fmt.Errorf("derive group root: no bound group")
	}
	if g.cachedRoot != "" && g.cachedAt == g.epoch {
		return g.cachedRoot, nil
	}
	out := g.exportSecretLocked([]byte(groupRootLabel), nil, 16)
	root := "marmot/" + hex.EncodeToString(out)
	g.cachedRoot = root
	g.cachedAt = g.epoch
	return root, nil
}

// CurrentEpoch implements Group.
func (g *MemoryGroup) CurrentEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// GroupIDHex implements Group.
func (g *MemoryGroup) GroupIDHex() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return hex.EncodeToString(g.groupID)
}

// DeriveMediaBaseKey implements Group:
// MLS-Exporter("moq-media-base-v1", sender_pubkey || track_label || be64(epoch), 32).
func (g *MemoryGroup) DeriveMediaBaseKey(_ context.Context, senderPubkey, trackLabel string) ([32]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bound {
		return [32]byte{}, fmt.Errorf("derive media base key: no bound group")
	}
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, g.epoch)
	context := append([]byte(senderPubkey), []byte(trackLabel)...)
	context = append(context, epochBytes...)
	out := g.exportSecretLocked([]byte(mediaBaseLabel), context, 32)
	var base [32]byte
	copy(base[:], out)
	return base, nil
}

func (g *MemoryGroup) exportSecretLocked(label, context []byte, length int) []byte {
	info := append(append([]byte(nil), label...), context...)
	r := hkdf.New(sha256.New, g.secret[:], nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("identity: hkdf export failed: %v", err))
	}
	return out
}

func (g *MemoryGroup) invalidateRootLocked() {
	g.cachedRoot = ""
}

func (g *MemoryGroup) hasMember(pubkeyHex string) bool {
	for _, m := range g.members {
		if m.PubkeyHex == pubkeyHex {
			return true
		}
	}
	return false
}

func (g *MemoryGroup) sign(frame wireFrame) []byte {
	frame.Sig = nil
	payload, _ := json.Marshal(frame)
	return ed25519.Sign(g.sigPriv, payload)
}

// advanceSecret derives the next epoch secret: HKDF(old_secret,
// salt=be64(epoch), info="marmot-epoch-advance"), matching the pack's
// exporter/epoch-advance grounding file.
func advanceSecret(secret [32]byte, epoch uint64) [32]byte {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, epoch)
	r := hkdf.New(sha256.New, secret[:], salt, []byte("marmot-epoch-advance"))
	var next [32]byte
	if _, err := io.ReadFull(r, next[:]); err != nil {
		panic(fmt.Sprintf("identity: hkdf advance failed: %v", err))
	}
	return next
}

func dedupeMembers(members []wireMember) []wireMember {
	seen := make(map[string]wireMember, len(members))
	order := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m.PubkeyHex]; !ok {
			order = append(order, m.PubkeyHex)
		}
		seen[m.PubkeyHex] = m
	}
	sort.Strings(order)
	out := make([]wireMember, 0, len(order))
	for _, pk := range order {
		out = append(out, seen[pk])
	}
	return out
}

func groupIDFromMembers(members []wireMember) []byte {
	h := sha256.New()
	for _, m := range members {
		h.Write([]byte(m.PubkeyHex))
	}
	sum := h.Sum(nil)
	return sum[:16]
}
