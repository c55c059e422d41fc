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

import "encoding/binary"

// AADVersion is the current AAD layout version; codec hints may extend the
// AAD in future versions, governed by this byte.
const AADVersion uint8 = 1

// AADBuilder deterministically concatenates the fixed-order fields bound
// into every media frame's additional authenticated data.
type AADBuilder struct {
	version     uint8
	groupRoot   string
	trackLabel  string
	epoch       uint64
	groupSeq    uint64
	frameIndex  uint64
	keyframe    bool
}

// NewAADBuilder starts a builder at the current AAD version.
func NewAADBuilder() *AADBuilder {
	return &AADBuilder{version: AADVersion}
}

// Version overrides the AAD layout version.
func (b *AADBuilder) Version(v uint8) *AADBuilder { b.version = v; return b }

// GroupRoot sets the per-epoch MoQ path prefix.
func (b *AADBuilder) GroupRoot(root string) *AADBuilder { b.groupRoot = root; return b }

// TrackLabel sets the sender's track name.
func (b *AADBuilder) TrackLabel(label string) *AADBuilder { b.trackLabel = label; return b }

// Epoch sets the MLS epoch the frame was encrypted under.
func (b *AADBuilder) Epoch(epoch uint64) *AADBuilder { b.epoch = epoch; return b }

// GroupSequence sets the MoQ group sequence number.
func (b *AADBuilder) GroupSequence(seq uint64) *AADBuilder { b.groupSeq = seq; return b }

// FrameIndex sets the frame index within its group.
func (b *AADBuilder) FrameIndex(idx uint64) *AADBuilder { b.frameIndex = idx; return b }

// Keyframe marks whether this frame is a keyframe.
func (b *AADBuilder) Keyframe(isKeyframe bool) *AADBuilder { b.keyframe = isKeyframe; return b }

// Build concatenates, in fixed order: version, group_root, track_label,
// epoch (be64), group_sequence (be64), frame_index (be64), keyframe.
func (b *AADBuilder) Build() []byte {
	out := make([]byte, 0, 1+len(b.groupRoot)+len(b.trackLabel)+8+8+8+1)
	out = append(out, b.version)
	out = append(out, []byte(b.groupRoot)...)
	out = append(out, []byte(b.trackLabel)...)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.epoch)
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], b.groupSeq)
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], b.frameIndex)
	out = append(out, buf[:]...)

	if b.keyframe {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}
