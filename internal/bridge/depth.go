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

// Depth frames pack a normalized float depth into four 8-bit channels, the
// classic shader EncodeFloatRGBA scheme, so the segment can stay on a single
// fixed-size u8 raster format. DecodeDepthRGBA inverts the packing on the
// consumer side.

// EncodeDepthRGBA packs depth01 (clamped to [0, 1)) into four bytes.
func EncodeDepthRGBA(depth01 float32, dst []byte) {
	if depth01 < 0 {
		depth01 = 0
	}
	// Keep strictly below 1.0 so the fractional packing does not collapse.
	if depth01 >= 1 {
		depth01 = 0.9999999
	}
	v := float64(depth01)
	r := frac(v * 1.0)
	g := frac(v * 255.0)
	b := frac(v * 65025.0)
	a := frac(v * 16581375.0)
	r -= g / 255.0
	g -= b / 255.0
	b -= a / 255.0
	dst[0] = byte(r * 255.0)
	dst[1] = byte(g * 255.0)
	dst[2] = byte(b * 255.0)
	dst[3] = byte(a * 255.0)
}

// DecodeDepthRGBA recovers the normalized depth from four packed bytes.
func DecodeDepthRGBA(src []byte) float32 {
	r := float64(src[0]) / 255.0
	g := float64(src[1]) / 255.0
	b := float64(src[2]) / 255.0
	a := float64(src[3]) / 255.0
	return float32(r + g/255.0 + b/65025.0 + a/160581375.0)
}

// DecodeDepthFrame converts a packed depth frame into linear depth values in
// world units between near and far. The frame must be width*height*4 bytes.
func DecodeDepthFrame(frame []byte, near, far float32) []float32 {
	out := make([]float32, len(frame)/4)
	for i := range out {
		d01 := DecodeDepthRGBA(frame[i*4 : i*4+4])
		out[i] = near + d01*(far-near)
	}
	return out
}

func frac(v float64) float64 {
	return v - float64(int64(v))
}
