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

// ControlFunc identifies an out-of-band control call. The consumer writes the
// three float arguments, then the function id; the producer executes the call
// between ticks and zeroes the id as the completion ack.
type ControlFunc uint32

const (
	ControlNone          ControlFunc = 0
	ControlMovePlayer    ControlFunc = 1 // args: x, y, z
	ControlRebuildChunks ControlFunc = 2
	ControlForceRender   ControlFunc = 3
	ControlRotatePlayer  ControlFunc = 4 // args: rx, ry, rz
	ControlMoveGoal      ControlFunc = 5 // args: x, y, z
	ControlPromoteChunk  ControlFunc = 6 // args: chunk index as float
)

func (f ControlFunc) String() string {
	switch f {
	case ControlNone:
		return "none"
	case ControlMovePlayer:
		return "move-player"
	case ControlRebuildChunks:
		return "rebuild-chunks"
	case ControlForceRender:
		return "force-render"
	case ControlRotatePlayer:
		return "rotate-player"
	case ControlMoveGoal:
		return "move-goal"
	case ControlPromoteChunk:
		return "promote-chunk"
	default:
		return "unknown"
	}
}
