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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	creatorSecretHex = "00000000000000000000000000000000000000000000000000000000000000aa"
	inviteeSecretHex = "00000000000000000000000000000000000000000000000000000000000000bb"
	thirdSecretHex   = "00000000000000000000000000000000000000000000000000000000000000cc"
)

func establishPair(t *testing.T) (*MemoryGroup, *MemoryGroup) {
	t.Helper()
	ctx := context.Background()

	creator, err := NewMemoryGroup(creatorSecretHex)
	require.NoError(t, err)
	invitee, err := NewMemoryGroup(inviteeSecretHex)
	require.NoError(t, err)

	kp, err := invitee.CreateKeyPackage(ctx, nil)
	require.NoError(t, err)

	_, welcome, err := creator.CreateGroup(ctx, kp.EventJSON, invitee.PublicKeyHex(), nil)
	require.NoError(t, err)

	_, err = invitee.AcceptWelcome(ctx, welcome)
	require.NoError(t, err)

	return creator, invitee
}

func TestCreateGroupBindsBothParties(t *testing.T) {
	creator, invitee := establishPair(t)
	assert.Equal(t, creator.GroupIDHex(), invitee.GroupIDHex())
	assert.Equal(t, uint64(0), creator.CurrentEpoch())
	assert.Equal(t, uint64(0), invitee.CurrentEpoch())
}

func TestCreateGroupRejectsDoubleBind(t *testing.T) {
	ctx := context.Background()
	creator, invitee := establishPair(t)

	other, err := NewMemoryGroup(thirdSecretHex)
	require.NoError(t, err)
	kp, err := other.CreateKeyPackage(ctx, nil)
	require.NoError(t, err)

	_, _, err = creator.CreateGroup(ctx, kp.EventJSON, other.PublicKeyHex(), nil)
	assert.Error(t, err)

	_ = invitee // silence unused in case of future refactor
}

func TestApplicationMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	creator, invitee := establishPair(t)

	frame, err := creator.CreateMessage(ctx, "hello group")
	require.NoError(t, err)

	outcome, err := invitee.IngestWrapper(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, WrapperApplication, outcome.Kind)
	assert.Equal(t, "hello group", outcome.Application.Content)
	assert.Equal(t, creator.PublicKeyHex(), outcome.Application.Author)
}

func TestApplicationMessageRejectsEpochMismatch(t *testing.T) {
	ctx := context.Background()
	creator, invitee := establishPair(t)

	_, err := creator.SelfUpdate(ctx)
	require.NoError(t, err)

	frame, err := creator.CreateMessage(ctx, "from the future")
	require.NoError(t, err)

	_, err = invitee.IngestWrapper(ctx, frame)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "epoch"))
}

func TestCommitRequiresExplicitMerge(t *testing.T) {
	ctx := context.Background()
	creator, invitee := establishPair(t)

	commitFrame, err := creator.SelfUpdate(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), creator.CurrentEpoch())

	outcome, err := invitee.IngestWrapper(ctx, commitFrame)
	require.NoError(t, err)
	assert.Equal(t, WrapperCommit, outcome.Kind)
	assert.Equal(t, uint64(0), invitee.CurrentEpoch(), "epoch must not advance before MergePendingCommit")

	require.NoError(t, invitee.MergePendingCommit(ctx))
	assert.Equal(t, uint64(1), invitee.CurrentEpoch())
}

func TestMergePendingCommitFailsWithoutPending(t *testing.T) {
	_, invitee := establishPair(t)
	err := invitee.MergePendingCommit(context.Background())
	assert.Error(t, err)
}

func TestAddMembersProducesCommitAndWelcomePerInvitee(t *testing.T) {
	ctx := context.Background()
	creator, _ := establishPair(t)

	third, err := NewMemoryGroup(thirdSecretHex)
	require.NoError(t, err)
	kp, err := third.CreateKeyPackage(ctx, nil)
	require.NoError(t, err)

	result, err := creator.AddMembers(ctx, []string{kp.EventJSON})
	require.NoError(t, err)
	require.Len(t, result.Welcomes, 1)
	assert.Equal(t, third.PublicKeyHex(), result.Welcomes[0].Recipient)
	assert.Equal(t, uint64(1), creator.CurrentEpoch())

	groupID, err := third.AcceptWelcome(ctx, result.Welcomes[0].Welcome)
	require.NoError(t, err)
	assert.Equal(t, creator.GroupIDHex(), groupID)
	assert.Equal(t, uint64(1), third.CurrentEpoch())
}

func TestDeriveGroupRootIsStablePerEpoch(t *testing.T) {
	ctx := context.Background()
	creator, _ := establishPair(t)

	first, err := creator.DeriveGroupRoot(ctx)
	require.NoError(t, err)
	second, err := creator.DeriveGroupRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = creator.SelfUpdate(ctx)
	require.NoError(t, err)
	third, err := creator.DeriveGroupRoot(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestDeriveMediaBaseKeyDependsOnEpochAndTrack(t *testing.T) {
	ctx := context.Background()
	creator, _ := establishPair(t)

	base1, err := creator.DeriveMediaBaseKey(ctx, creator.PublicKeyHex(), "video")
	require.NoError(t, err)
	base2, err := creator.DeriveMediaBaseKey(ctx, creator.PublicKeyHex(), "audio")
	require.NoError(t, err)
	assert.NotEqual(t, base1, base2)

	_, err = creator.SelfUpdate(ctx)
	require.NoError(t, err)
	base3, err := creator.DeriveMediaBaseKey(ctx, creator.PublicKeyHex(), "video")
	require.NoError(t, err)
	assert.NotEqual(t, base1, base3)
}

func TestNewMemoryGroupRejectsWrongSeedLength(t *testing.T) {
	_, err := NewMemoryGroup("aabb")
	assert.Error(t, err)
}
