/*
 * Copyright 2025 The City of Light Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bridge

import (
	"encoding/binary"
	"math"
)

// Action is the per-tick control input. Movement deltas are normalized to
// [-1, 1]; out-of-range values are clamped by the producer, never rejected,
// so a malformed action can never stall the simulation.
//
// Record layout (little-endian, inside the segment's 64-byte action block):
// seq u64, forward f32, turn f32, vertical f32, gravity u32, flags u32.
type Action struct {
	Forward  float32 // forward/backward delta
	Turn     float32 // yaw delta
	Vertical float32 // up/down delta
	Gravity  bool    // gravity enabled for this tick
	Flags    uint32  // discrete command flags
}

// Clamp bounds the movement deltas to [-1, 1]. The second return reports
// whether anything was adjusted (NaN deltas collapse to 0).
func (a Action) Clamp() (Action, bool) {
	adjusted := false
	clampOne := func(v float32) float32 {
		switch {
		case v != v: // NaN
			adjusted = true
			return 0
		case v > 1:
			adjusted = true
			return 1
		case v < -1:
			adjusted = true
			return -1
		default:
			return v
		}
	}
	a.Forward = clampOne(a.Forward)
	a.Turn = clampOne(a.Turn)
	a.Vertical = clampOne(a.Vertical)
	return a, adjusted
}

// encodeAction writes the action record for sequence seq. The seq field lets
// the producer detect a record caught mid-overwrite: a consistent sample has
// the record seq equal to pendingActionSeq.
func encodeAction(dst []byte, seq uint64, a Action) {
	binary.LittleEndian.PutUint64(dst[0:], seq)
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(a.Forward))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(a.Turn))
	binary.LittleEndian.PutUint32(dst[16:], math.Float32bits(a.Vertical))
	var grav uint32
	if a.Gravity {
		grav = 1
	}
	binary.LittleEndian.PutUint32(dst[20:], grav)
	binary.LittleEndian.PutUint32(dst[24:], a.Flags)
}

// decodeAction reads the action record and its sequence stamp.
func decodeAction(src []byte) (uint64, Action) {
	seq := binary.LittleEndian.Uint64(src[0:])
	a := Action{
		Forward:  math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
		Turn:     math.Float32frombits(binary.LittleEndian.Uint32(src[12:])),
		Vertical: math.Float32frombits(binary.LittleEndian.Uint32(src[16:])),
		Gravity:  binary.LittleEndian.Uint32(src[20:]) != 0,
		Flags:    binary.LittleEndian.Uint32(src[24:]),
	}
	return seq, a
}
