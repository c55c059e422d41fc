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

package mediacrypto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAADBuilderFieldOrder(t *testing.T) {
	out := NewAADBuilder().
		GroupRoot("gr").
		TrackLabel("tl").
		Epoch(1).
		GroupSequence(2).
		FrameIndex(3).
		Keyframe(true).
		Build()

	assert.Equal(t, AADVersion, out[0])
	assert.Equal(t, []byte("gr"), out[1:3])
	assert.Equal(t, []byte("tl"), out[3:5])
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(out[5:13]))
	assert.Equal(t, uint64(2), binary.BigEndian.Uint64(out[13:21]))
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(out[21:29]))
	assert.Equal(t, byte(1), out[29])
	assert.Len(t, out, 30)
}

func TestAADBuilderKeyframeFalse(t *testing.T) {
	out := NewAADBuilder().Keyframe(false).Build()
	assert.Equal(t, byte(0), out[len(out)-1])
}

func TestAADBuilderDiffersOnAnyField(t *testing.T) {
	base := NewAADBuilder().GroupRoot("root").TrackLabel("a").Epoch(1).GroupSequence(1).FrameIndex(1)
	baseline := base.Build()

	withDifferentEpoch := NewAADBuilder().GroupRoot("root").TrackLabel("a").Epoch(2).GroupSequence(1).FrameIndex(1).Build()
	assert.NotEqual(t, baseline, withDifferentEpoch)

	withDifferentTrack := NewAADBuilder().GroupRoot("root").TrackLabel("b").Epoch(1).GroupSequence(1).FrameIndex(1).Build()
	assert.NotEqual(t, baseline, withDifferentTrack)
}
