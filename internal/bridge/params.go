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

// Parameter handshake states stored in the segment header. The consumer
// writes the blob and moves Idle -> Pending; the producer applies it and
// moves Pending -> Acked.
const (
	ParamStateIdle    = uint32(0)
	ParamStatePending = uint32(1)
	ParamStateAcked   = uint32(2)
)

// SimParams carries the simulation hyper-parameters the consumer hands to the
// producer at attach time. Encoded little-endian into the segment's 128-byte
// parameter block.
type SimParams struct {
	SpeedFactor      float32
	SpawnPedestrians bool
	SpawnVehicles    bool
	MoveSpeed        float32
	TurnSpeed        float32
	VerticalSpeed    float32
	Momentum         float32
	FixedDeltaTime   float32
	MaxSteps         uint32
	RGB              bool
	Depth            bool
	Normals          bool
	Semantic         bool
	ImageWidth       uint32
	ImageHeight      uint32
	VerticalFOV      float32
	StartX           float32
	StartY           float32
	StartZ           float32
}

// DefaultSimParams returns a workable parameter set for a 64x64 four-modality
// simulation.
func DefaultSimParams() SimParams {
	return SimParams{
		SpeedFactor:      1.0,
		SpawnPedestrians: true,
		SpawnVehicles:    true,
		MoveSpeed:        4.0,
		TurnSpeed:        90.0,
		VerticalSpeed:    2.0,
		Momentum:         0.8,
		FixedDeltaTime:   0.02,
		MaxSteps:         0,
		RGB:              true,
		Depth:            true,
		Normals:          true,
		Semantic:         true,
		ImageWidth:       64,
		ImageHeight:      64,
		VerticalFOV:      60.0,
		StartY:           1.7,
	}
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (p SimParams) encode(dst []byte) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:], math.Float32bits(p.SpeedFactor))
	le.PutUint32(dst[4:], boolWord(p.SpawnPedestrians))
	le.PutUint32(dst[8:], boolWord(p.SpawnVehicles))
	le.PutUint32(dst[12:], math.Float32bits(p.MoveSpeed))
	le.PutUint32(dst[16:], math.Float32bits(p.TurnSpeed))
	le.PutUint32(dst[20:], math.Float32bits(p.VerticalSpeed))
	le.PutUint32(dst[24:], math.Float32bits(p.Momentum))
	le.PutUint32(dst[28:], math.Float32bits(p.FixedDeltaTime))
	le.PutUint32(dst[32:], p.MaxSteps)
	le.PutUint32(dst[36:], boolWord(p.RGB))
	le.PutUint32(dst[40:], boolWord(p.Depth))
	le.PutUint32(dst[44:], boolWord(p.Normals))
	le.PutUint32(dst[48:], boolWord(p.Semantic))
	le.PutUint32(dst[52:], p.ImageWidth)
	le.PutUint32(dst[56:], p.ImageHeight)
	le.PutUint32(dst[60:], math.Float32bits(p.VerticalFOV))
	le.PutUint32(dst[64:], math.Float32bits(p.StartX))
	le.PutUint32(dst[68:], math.Float32bits(p.StartY))
	le.PutUint32(dst[72:], math.Float32bits(p.StartZ))
}

func decodeSimParams(src []byte) SimParams {
	le := binary.LittleEndian
	return SimParams{
		SpeedFactor:      math.Float32frombits(le.Uint32(src[0:])),
		SpawnPedestrians: le.Uint32(src[4:]) != 0,
		SpawnVehicles:    le.Uint32(src[8:]) != 0,
		MoveSpeed:        math.Float32frombits(le.Uint32(src[12:])),
		TurnSpeed:        math.Float32frombits(le.Uint32(src[16:])),
		VerticalSpeed:    math.Float32frombits(le.Uint32(src[20:])),
		Momentum:         math.Float32frombits(le.Uint32(src[24:])),
		FixedDeltaTime:   math.Float32frombits(le.Uint32(src[28:])),
		MaxSteps:         le.Uint32(src[32:]),
		RGB:              le.Uint32(src[36:]) != 0,
		Depth:            le.Uint32(src[40:]) != 0,
		Normals:          le.Uint32(src[44:]) != 0,
		Semantic:         le.Uint32(src[48:]) != 0,
		ImageWidth:       le.Uint32(src[52:]),
		ImageHeight:      le.Uint32(src[56:]),
		VerticalFOV:      math.Float32frombits(le.Uint32(src[60:])),
		StartX:           math.Float32frombits(le.Uint32(src[64:])),
		StartY:           math.Float32frombits(le.Uint32(src[68:])),
		StartZ:           math.Float32frombits(le.Uint32(src[72:])),
	}
}
