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
	"fmt"
	"math"

	"github.com/iliassarbout/CityOfLight/internal/bridge"
)

// Semantic class labels written to the Semantic modality.
const (
	labelSky      byte = 0
	labelRoad     byte = 1
	labelPark     byte = 2
	labelBuilding byte = 3
	labelGoal     byte = 4
)

const (
	nearPlane = 0.1
	farPlane  = 128.0
	rayStep   = 0.25
)

// hit is one pixel's ray intersection, shared by every modality of a frame.
type hit struct {
	depth01 float32 // normalized [0,1) depth, 1 meaning no hit
	label   byte
	nx, ny  float32 // surface normal
	nz      float32
	shade   float32 // cheap distance shading in [0,1]
}

// renderCache holds the per-frame ray intersections so the four modalities
// share one ray march. gen tracks world mutations.
type renderCache struct {
	gen    uint64
	width  uint32
	height uint32
	hits   []hit
}

// RenderModality fills dst with the named modality's current frame. dst must
// be exactly one frame stride long for the world's current geometry; a
// mismatch is an error, never an out-of-range write.
func (w *World) RenderModality(name string, dst []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var channels int
	switch name {
	case bridge.ModalityRGB, bridge.ModalityNormals:
		channels = 3
	case bridge.ModalityDepth:
		channels = 4
	case bridge.ModalitySemantic:
		channels = 1
	default:
		return fmt.Errorf("sim: no renderer for modality %q", name)
	}

	width, height := w.params.ImageWidth, w.params.ImageHeight
	if want := int(width) * int(height) * channels; len(dst) != want {
		return fmt.Errorf("sim: %q frame is %d bytes, want %d for %dx%d geometry",
			name, len(dst), want, width, height)
	}
	w.ensureHits(width, height)

	switch name {
	case bridge.ModalityRGB:
		w.renderRGB(dst)
	case bridge.ModalityDepth:
		w.renderDepth(dst)
	case bridge.ModalityNormals:
		w.renderNormals(dst)
	case bridge.ModalitySemantic:
		w.renderSemantic(dst)
	}
	return nil
}

// ensureHits re-marches the rays if the world changed since the cached frame.
func (w *World) ensureHits(width, height uint32) {
	if w.cache.gen == w.gen && w.cache.width == width && w.cache.height == height {
		return
	}
	n := int(width) * int(height)
	if cap(w.cache.hits) < n {
		w.cache.hits = make([]hit, n)
	}
	w.cache.hits = w.cache.hits[:n]
	w.cache.gen = w.gen
	w.cache.width = width
	w.cache.height = height

	yawRad := float64(w.yaw) * math.Pi / 180
	pitchRad := float64(w.pitch) * math.Pi / 180
	fovRad := float64(w.params.VerticalFOV) * math.Pi / 180
	aspect := float64(width) / float64(height)
	tanV := math.Tan(fovRad / 2)
	tanH := tanV * aspect

	sinYaw, cosYaw := math.Sin(yawRad), math.Cos(yawRad)
	sinPitch, cosPitch := math.Sin(pitchRad), math.Cos(pitchRad)

	for py := uint32(0); py < height; py++ {
		// Screen v: +1 at the top row, -1 at the bottom.
		v := 1 - 2*(float64(py)+0.5)/float64(height)
		for px := uint32(0); px < width; px++ {
			u := 2*(float64(px)+0.5)/float64(width) - 1

			// Camera-space ray, then yaw/pitch into world space. World forward
			// at yaw 0 is +Z.
			cx := u * tanH
			cy := v * tanV
			cz := 1.0

			ry := cy*cosPitch + cz*sinPitch
			rz := cz*cosPitch - cy*sinPitch
			rx := cx*cosYaw + rz*sinYaw
			rz = rz*cosYaw - cx*sinYaw

			inv := 1 / math.Sqrt(rx*rx+ry*ry+rz*rz)
			w.cache.hits[int(py)*int(width)+int(px)] = w.march(
				float32(rx*inv), float32(ry*inv), float32(rz*inv))
		}
	}
}

// march walks one ray through the city and returns the first surface hit.
func (w *World) march(dx, dy, dz float32) hit {
	x, y, z := w.px, w.py, w.pz
	for t := float32(nearPlane); t < farPlane; t += rayStep {
		sx := x + dx*t
		sy := y + dy*t
		sz := z + dz*t

		if sy <= 0 {
			return w.surfaceHit(t, sx, sz, 0, 1, 0, groundLabel(w.chunkAt(sx, sz)))
		}
		c := w.chunkAt(sx, sz)
		if c != nil && c.height > 0 && sy < c.height {
			nx, nz := wallNormal(sx, sz)
			return w.surfaceHit(t, sx, sz, nx, 0, nz, labelBuilding)
		}
		gdx, gdz := sx-w.gx, sz-w.gz
		if gdx*gdx+gdz*gdz < 1.0 && sy < 4 {
			return w.surfaceHit(t, sx, sz, -dx, -dy, -dz, labelGoal)
		}
	}
	return hit{depth01: 1, label: labelSky, ny: 1, shade: 1}
}

func (w *World) surfaceHit(t, x, z, nx, ny, nz float32, label byte) hit {
	d01 := (t - nearPlane) / (farPlane - nearPlane)
	if d01 < 0 {
		d01 = 0
	}
	// Checker shading keyed to world position keeps surfaces visually busy
	// while staying a pure function of geometry.
	shade := 0.55 + 0.45*float32((int(x)+int(z))&1)
	return hit{depth01: d01, label: label, nx: nx, ny: ny, nz: nz, shade: shade * (1 - d01*0.7)}
}

func groundLabel(c *chunk) byte {
	if c == nil {
		return labelRoad
	}
	if c.label == labelPark {
		return labelPark
	}
	return labelRoad
}

// wallNormal picks the dominant axis normal for a building face from the
// fractional position within the chunk.
func wallNormal(x, z float32) (nx, nz float32) {
	fx := x/chunkSize - float32(math.Floor(float64(x/chunkSize)))
	fz := z/chunkSize - float32(math.Floor(float64(z/chunkSize)))
	ex := fx
	if 1-fx < ex {
		ex = 1 - fx
	}
	ez := fz
	if 1-fz < ez {
		ez = 1 - fz
	}
	if ex < ez {
		if fx < 0.5 {
			return -1, 0
		}
		return 1, 0
	}
	if fz < 0.5 {
		return 0, -1
	}
	return 0, 1
}

// Per-class base colors, RGB.
var classColors = [5][3]byte{
	labelSky:      {135, 196, 250},
	labelRoad:     {70, 70, 75},
	labelPark:     {60, 140, 60},
	labelBuilding: {160, 150, 140},
	labelGoal:     {240, 40, 40},
}

func (w *World) renderRGB(dst []byte) {
	for i, h := range w.cache.hits {
		c := classColors[h.label]
		dst[i*3+0] = byte(float32(c[0]) * h.shade)
		dst[i*3+1] = byte(float32(c[1]) * h.shade)
		dst[i*3+2] = byte(float32(c[2]) * h.shade)
	}
}

func (w *World) renderDepth(dst []byte) {
	for i, h := range w.cache.hits {
		bridge.EncodeDepthRGBA(h.depth01, dst[i*4:i*4+4])
	}
}

func (w *World) renderNormals(dst []byte) {
	for i, h := range w.cache.hits {
		dst[i*3+0] = normalByte(h.nx)
		dst[i*3+1] = normalByte(h.ny)
		dst[i*3+2] = normalByte(h.nz)
	}
}

func (w *World) renderSemantic(dst []byte) {
	for i, h := range w.cache.hits {
		dst[i] = h.label
	}
}

// normalByte maps a [-1, 1] component to [0, 255] with 0 at 127.
func normalByte(v float32) byte {
	return byte((v + 1) * 127.5)
}
