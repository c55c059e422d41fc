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

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalUsesLowerSnakeCaseDiscriminant(t *testing.T) {
	data, err := Message("alice", "hi", 1700000000, true).Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "message", raw["type"])
	assert.Equal(t, "alice", raw["author"])
	assert.Equal(t, "hi", raw["content"])
	assert.Equal(t, true, raw["local"])
}

func TestFatalCarriesRecoveryAction(t *testing.T) {
	ev := Fatal("boom", RecoveryRefresh)
	data, err := ev.Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "error", raw["type"])
	assert.Equal(t, string(RecoveryRefresh), raw["recovery_action"])
}

func TestMessageMarshalKeepsLocalFalseUnconditionally(t *testing.T) {
	data, err := Message("bob", "hi", 1700000000, false).Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	local, present := raw["local"]
	assert.True(t, present, "local must be serialized even when false")
	assert.Equal(t, false, local)
}

func TestReadyEventMarshalKeepsReadyFalseUnconditionally(t *testing.T) {
	data, err := ReadyEvent(false).Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	ready, present := raw["ready"]
	assert.True(t, present, "ready must be serialized even when false")
	assert.Equal(t, false, ready)
}

func TestTransientOmitsRecoveryAction(t *testing.T) {
	data, err := Transient("retry me").Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	_, present := raw["recovery_action"]
	assert.False(t, present)
}

func TestSinkFuncDelegates(t *testing.T) {
	var got Event
	sink := SinkFunc(func(e Event) { got = e })
	sink.Emit(Status("hello"))
	assert.Equal(t, TypeStatus, got.Type)
	assert.Equal(t, "hello", got.Text)
}

func TestChannelNeverDropsBeyondCapacity(t *testing.T) {
	ch := NewChannel(1)
	ch.Emit(Status("first"))
	ch.Emit(Status("second"))

	got := <-ch.Events()
	assert.Equal(t, "first", got.Text, "Emit must never drop an event even past the output buffer's capacity")
	got = <-ch.Events()
	assert.Equal(t, "second", got.Text, "events must be delivered in FIFO order")
}

func TestChannelDefaultsCapacityWhenNonPositive(t *testing.T) {
	ch := NewChannel(0)
	for i := 0; i < 3; i++ {
		ch.Emit(Status("x"))
	}
	for i := 0; i < 3; i++ {
		<-ch.Events()
	}
}
