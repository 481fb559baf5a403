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

import "github.com/iliassarbout/CityOfLight/internal/shm"

// Canonical modality names, in publication order.
const (
	ModalityRGB      = "RGB"
	ModalityDepth    = "Depth"
	ModalityNormals  = "Normals"
	ModalitySemantic = "Semantic"
)

// Pose is the player's position and Euler rotation.
type Pose struct {
	X, Y, Z          float32
	RotX, RotY, RotZ float32
}

func (p Pose) array() [6]float32 {
	return [6]float32{p.X, p.Y, p.Z, p.RotX, p.RotY, p.RotZ}
}

func poseFromArray(a [6]float32) Pose {
	return Pose{X: a[0], Y: a[1], Z: a[2], RotX: a[3], RotY: a[4], RotZ: a[5]}
}

// World is the simulation the producer drives, one fixed timestep per tick.
//
// Determinism contract: given the same prior state, the same action and the
// same tickSeed, Advance must yield a bit-for-bit identical world and
// RenderModality bit-for-bit identical buffers. Any stochastic behavior must
// draw from tickSeed, never from the wall clock or a shared global generator.
type World interface {
	// Advance moves the world forward by exactly one fixed timestep.
	Advance(a Action, tickSeed uint64)

	// RenderModality fills dst, which is exactly one frame stride long, with
	// the named modality's current frame.
	RenderModality(name string, dst []byte) error

	// Pose returns the player pose after the last Advance.
	Pose() Pose

	// Collisions returns the collision flags raised by the last Advance.
	Collisions() [16]byte
}

// WorldController is implemented by worlds that accept out-of-band control
// calls (see ControlFunc). The producer type-asserts for it; calls against a
// world without the capability are acked and logged, never fatal.
type WorldController interface {
	Teleport(x, y, z float32)
	RotateTo(rx, ry, rz float32)
	MoveGoal(x, y, z float32)
	RebuildChunks()
	PromoteChunk(idx int)
}

// Parametrizable is implemented by worlds that accept the consumer's
// simulation parameters at attach time.
type Parametrizable interface {
	ApplyParams(p SimParams)
}

// DefaultModalities returns the canonical four-modality table: RGB (3
// channels), Depth (float packed into 4 channels), Normals (3 channels) and
// Semantic (1 label channel), all 8-bit.
func DefaultModalities(width, height uint32) []shm.Modality {
	return []shm.Modality{
		{Name: ModalityRGB, Format: shm.PixelU8, Width: width, Height: height, Channels: 3},
		{Name: ModalityDepth, Format: shm.PixelU8, Width: width, Height: height, Channels: 4},
		{Name: ModalityNormals, Format: shm.PixelU8, Width: width, Height: height, Channels: 3},
		{Name: ModalitySemantic, Format: shm.PixelU8, Width: width, Height: height, Channels: 1},
	}
}

// ModalitiesFor builds the modality table selected by a parameter set,
// preserving canonical order.
func ModalitiesFor(p SimParams) []shm.Modality {
	all := DefaultModalities(p.ImageWidth, p.ImageHeight)
	enabled := []bool{p.RGB, p.Depth, p.Normals, p.Semantic}
	var mods []shm.Modality
	for i, m := range all {
		if enabled[i] {
			mods = append(mods, m)
		}
	}
	return mods
}
