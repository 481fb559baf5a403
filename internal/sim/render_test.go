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
	"testing"

	"github.com/iliassarbout/CityOfLight/internal/bridge"
)

func TestRenderUnknownModality(t *testing.T) {
	w := NewWorld(testParams())
	if err := w.RenderModality("Thermal", make([]byte, 16)); err == nil {
		t.Fatal("unknown modality accepted")
	}
}

func TestRenderRejectsWrongStride(t *testing.T) {
	// A buffer sized for a different raster must produce an error, not a
	// write past the end.
	w := NewWorld(testParams())
	if err := w.RenderModality(bridge.ModalityRGB, make([]byte, 8*8*3)); err == nil {
		t.Fatal("undersized RGB buffer accepted")
	}
	if err := w.RenderModality(bridge.ModalityDepth, make([]byte, 16*16*3)); err == nil {
		t.Fatal("depth buffer with RGB stride accepted")
	}
}

func TestSemanticLabelsInRange(t *testing.T) {
	w := NewWorld(testParams())
	w.Advance(bridge.Action{Forward: 1}, 1)

	buf := make([]byte, 16*16)
	if err := w.RenderModality(bridge.ModalitySemantic, buf); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b > labelGoal {
			t.Fatalf("pixel %d has label %d outside the class set", i, b)
		}
	}
}

func TestDepthFrameDecodes(t *testing.T) {
	w := NewWorld(testParams())
	w.Advance(bridge.Action{}, 1)

	buf := make([]byte, 16*16*4)
	if err := w.RenderModality(bridge.ModalityDepth, buf); err != nil {
		t.Fatal(err)
	}
	depths := bridge.DecodeDepthFrame(buf, nearPlane, farPlane)
	for i, d := range depths {
		if d < nearPlane-0.01 || d > farPlane+0.01 {
			t.Fatalf("pixel %d decoded depth %v outside [%v, %v]", i, d, nearPlane, farPlane)
		}
	}

	// Looking level across the city, the bottom rows hit the ground closer
	// than the sky at the top.
	top := depths[8]
	bottom := depths[15*16+8]
	if bottom >= top {
		t.Errorf("bottom depth %v not closer than top %v", bottom, top)
	}
}

func TestNormalsEncodeUnitComponents(t *testing.T) {
	w := NewWorld(testParams())
	w.Advance(bridge.Action{}, 1)

	buf := make([]byte, 16*16*3)
	if err := w.RenderModality(bridge.ModalityNormals, buf); err != nil {
		t.Fatal(err)
	}
	// Ground pixels encode +Y as 255 in the green channel.
	bottomRow := 15 * 16 * 3
	if buf[bottomRow+1] != normalByte(1) {
		t.Errorf("ground normal Y byte = %d, want %d", buf[bottomRow+1], normalByte(1))
	}
}

func TestRenderCacheInvalidatedByMovement(t *testing.T) {
	w := NewWorld(testParams())
	w.Advance(bridge.Action{}, 1)

	a := make([]byte, 16*16*3)
	if err := w.RenderModality(bridge.ModalityRGB, a); err != nil {
		t.Fatal(err)
	}

	w.Teleport(40, 30, 40)
	w.RotateTo(45, 90, 0)
	b := make([]byte, 16*16*3)
	if err := w.RenderModality(bridge.ModalityRGB, b); err != nil {
		t.Fatal(err)
	}

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("frame unchanged after teleport; render cache not invalidated")
	}
}

func TestModalitiesShareOneFrame(t *testing.T) {
	// The depth and semantic modalities of one tick must describe the same
	// scene: a sky pixel in semantics has maximal depth.
	w := NewWorld(testParams())
	w.Advance(bridge.Action{}, 1)

	sem := make([]byte, 16*16)
	depth := make([]byte, 16*16*4)
	if err := w.RenderModality(bridge.ModalitySemantic, sem); err != nil {
		t.Fatal(err)
	}
	if err := w.RenderModality(bridge.ModalityDepth, depth); err != nil {
		t.Fatal(err)
	}
	for i, label := range sem {
		d := bridge.DecodeDepthRGBA(depth[i*4 : i*4+4])
		if label == labelSky && d < 0.99 {
			t.Fatalf("sky pixel %d has depth %v, want ~1", i, d)
		}
	}
}
