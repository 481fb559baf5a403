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

package sim

import (
	"bytes"
	"testing"

	"github.com/iliassarbout/CityOfLight/internal/bridge"
)

func testParams() bridge.SimParams {
	p := bridge.DefaultSimParams()
	p.ImageWidth, p.ImageHeight = 16, 16
	// Start on a street cell, above ground.
	p.StartX, p.StartY, p.StartZ = 4, 1.7, 4
	return p
}

func renderAll(t *testing.T, w *World, p bridge.SimParams) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	for _, m := range bridge.ModalitiesFor(p) {
		buf := make([]byte, m.Stride())
		if err := w.RenderModality(m.Name, buf); err != nil {
			t.Fatalf("RenderModality(%q) failed: %v", m.Name, err)
		}
		out[m.Name] = buf
	}
	return out
}

func TestWorldDeterministicReplay(t *testing.T) {
	params := testParams()
	actions := []bridge.Action{
		{Forward: 1},
		{Forward: 1, Turn: 0.5},
		{Forward: 0.5, Turn: -1, Vertical: 1},
		{Forward: 1, Gravity: true},
		{Turn: 1},
	}

	run := func() ([]bridge.Pose, []map[string][]byte) {
		w := NewWorld(params)
		var poses []bridge.Pose
		var frames []map[string][]byte
		for i, a := range actions {
			w.Advance(a, uint64(i)*7919+1)
			poses = append(poses, w.Pose())
			frames = append(frames, renderAll(t, w, params))
		}
		return poses, frames
	}

	p1, f1 := run()
	p2, f2 := run()
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatalf("pose diverged at tick %d: %+v vs %+v", i, p1[i], p2[i])
		}
		for name, buf := range f1[i] {
			if !bytes.Equal(buf, f2[i][name]) {
				t.Fatalf("frame %q diverged at tick %d", name, i)
			}
		}
	}
}

func TestWorldMovesForward(t *testing.T) {
	w := NewWorld(testParams())
	start := w.Pose()
	for i := 0; i < 50; i++ {
		w.Advance(bridge.Action{Forward: 1}, uint64(i))
	}
	end := w.Pose()
	if end.Z <= start.Z {
		t.Errorf("player did not move forward: z %v -> %v", start.Z, end.Z)
	}
	if w.Ticks() != 50 {
		t.Errorf("Ticks = %d, want 50", w.Ticks())
	}
}

func TestWorldTurnChangesHeading(t *testing.T) {
	w := NewWorld(testParams())
	for i := 0; i < 20; i++ {
		w.Advance(bridge.Action{Turn: 1}, uint64(i))
	}
	if w.Pose().RotY == 0 {
		t.Error("yaw unchanged after sustained turn")
	}
}

func TestGravityPullsDown(t *testing.T) {
	params := testParams()
	params.StartY = 50
	w := NewWorld(params)
	for i := 0; i < 100; i++ {
		w.Advance(bridge.Action{Gravity: true}, uint64(i))
	}
	if y := w.Pose().Y; y >= 50 {
		t.Errorf("player did not fall: y = %v", y)
	}
}

func TestGroundCollisionFlag(t *testing.T) {
	params := testParams()
	params.StartY = 0.5
	w := NewWorld(params)
	var hitGround bool
	for i := 0; i < 200; i++ {
		w.Advance(bridge.Action{Gravity: true}, uint64(i))
		if w.Collisions()[collGround] != 0 {
			hitGround = true
			break
		}
	}
	if !hitGround {
		t.Error("falling player never raised the ground collision flag")
	}
}

func TestBoundaryCollision(t *testing.T) {
	w := NewWorld(testParams())
	// Drive forward far beyond the city edge.
	for i := 0; i < 5000; i++ {
		w.Advance(bridge.Action{Forward: 1}, uint64(i))
		if w.Collisions()[collBoundary] != 0 || w.Collisions()[collBuilding] != 0 {
			return
		}
	}
	t.Error("player crossed the whole city without a boundary or building collision")
}

func TestTeleportAndRotate(t *testing.T) {
	w := NewWorld(testParams())
	w.Teleport(32, 10, 32)
	p := w.Pose()
	if p.X != 32 || p.Y != 10 || p.Z != 32 {
		t.Errorf("pose after teleport = %+v", p)
	}
	w.RotateTo(5, 180, 0)
	p = w.Pose()
	if p.RotX != 5 || p.RotY != 180 {
		t.Errorf("pose after rotate = %+v", p)
	}
}

func TestMoveGoal(t *testing.T) {
	w := NewWorld(testParams())
	w.MoveGoal(12, 0, 40)
	x, _, z := w.Goal()
	if x != 12 || z != 40 {
		t.Errorf("goal = (%v, %v), want (12, 40)", x, z)
	}
}

func TestApplyParamsRespawns(t *testing.T) {
	w := NewWorld(testParams())
	for i := 0; i < 10; i++ {
		w.Advance(bridge.Action{Forward: 1}, uint64(i))
	}

	params := testParams()
	params.StartX, params.StartZ = 60, 60
	w.ApplyParams(params)

	p := w.Pose()
	if p.X != 60 || p.Z != 60 {
		t.Errorf("pose after ApplyParams = %+v, want respawn at (60, 60)", p)
	}
}

func TestPromoteChunkBounds(t *testing.T) {
	w := NewWorld(testParams())
	// Out-of-range indices must be ignored, not panic.
	w.PromoteChunk(-1)
	w.PromoteChunk(gridSize * gridSize)
	w.PromoteChunk(5)
	if !w.chunks[0][5].promoted {
		t.Error("chunk 5 not promoted")
	}
}
