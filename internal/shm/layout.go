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

package shm

import (
	"fmt"
)

// Memory layout constants.
const (
	// Magic bytes for segment identification.
	SegmentMagic = "COLSHM\x00\x00"

	// Current segment format version. A consumer built against a different
	// version is rejected at attach time.
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 256 bytes).
	SegmentHeaderSize = 256

	// Simulation parameter block size.
	ParamsBlockSize = 128

	// Action record size.
	ActionBlockSize = 64

	// Per-modality descriptor size in the modality table.
	ModalityDescSize = 64

	// Per-slot header size (sequence stamp plus padding).
	SlotHeaderSize = 64

	// Log ring header size.
	LogRingHeaderSize = 64

	// Ring depth bounds. Depth 2 is plain double buffering; deeper rings
	// tolerate consumer lag at the cost of growing staleness risk.
	MinRingDepth = 2
	MaxRingDepth = 64

	// MaxModalities bounds the modality table.
	MaxModalities = 8

	// MaxModalityName is the maximum modality name length in bytes.
	MaxModalityName = 15

	// DefaultLogCapacity is the default log ring data capacity.
	DefaultLogCapacity = 64 * 1024

	// MinLogCapacity is the smallest accepted log ring data capacity.
	MinLogCapacity = 4096
)

// PixelFormat identifies the per-channel encoding of a modality.
type PixelFormat uint32

const (
	PixelUnknown PixelFormat = iota
	PixelU8                  // one byte per channel
	PixelF32                 // four bytes per channel
)

// BytesPerChannel returns the storage size of one channel sample.
func (f PixelFormat) BytesPerChannel() uint64 {
	switch f {
	case PixelU8:
		return 1
	case PixelF32:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case PixelU8:
		return "u8"
	case PixelF32:
		return "f32"
	default:
		return "unknown"
	}
}

// Modality describes one fixed-size per-tick raster buffer. All fields are
// immutable after segment creation; width, height, channels and format must
// match across every slot of the modality.
type Modality struct {
	Name     string
	Format   PixelFormat
	Width    uint32
	Height   uint32
	Channels uint32
}

// Stride returns the frame size in bytes.
func (m Modality) Stride() uint64 {
	return uint64(m.Width) * uint64(m.Height) * uint64(m.Channels) * m.Format.BytesPerChannel()
}

func (m Modality) validate() error {
	if m.Name == "" || len(m.Name) > MaxModalityName {
		return fmt.Errorf("%w: modality name %q must be 1..%d bytes", ErrConfiguration, m.Name, MaxModalityName)
	}
	if m.Format.BytesPerChannel() == 0 {
		return fmt.Errorf("%w: modality %q has unknown pixel format", ErrConfiguration, m.Name)
	}
	if m.Width == 0 || m.Height == 0 || m.Channels == 0 {
		return fmt.Errorf("%w: modality %q has zero geometry %dx%dx%d", ErrConfiguration, m.Name, m.Width, m.Height, m.Channels)
	}
	return nil
}

// segmentLayout holds the computed byte offsets of every region.
type segmentLayout struct {
	total     uint64
	paramsOff uint64
	actionOff uint64
	tableOff  uint64
	logOff    uint64
	logCap    uint64
	ringOffs  []uint64
	slotSizes []uint64
}

// calculateLayout computes the fixed segment layout for a modality set.
// Total size is header + params + action + table + log ring +
// Σ(slotSize * ringDepth) with every region 64-byte aligned.
func calculateLayout(mods []Modality, ringDepth uint32, logCap uint64) (segmentLayout, error) {
	var l segmentLayout

	if len(mods) == 0 || len(mods) > MaxModalities {
		return l, fmt.Errorf("%w: modality count %d out of range 1..%d", ErrConfiguration, len(mods), MaxModalities)
	}
	if ringDepth < MinRingDepth || ringDepth > MaxRingDepth {
		return l, fmt.Errorf("%w: ring depth %d out of range %d..%d", ErrConfiguration, ringDepth, MinRingDepth, MaxRingDepth)
	}
	if logCap == 0 {
		logCap = DefaultLogCapacity
	}
	if !IsPowerOfTwo(logCap) || logCap < MinLogCapacity {
		return l, fmt.Errorf("%w: log capacity %d must be a power of two >= %d", ErrConfiguration, logCap, MinLogCapacity)
	}
	seen := make(map[string]struct{}, len(mods))
	for _, m := range mods {
		if err := m.validate(); err != nil {
			return l, err
		}
		if _, dup := seen[m.Name]; dup {
			return l, fmt.Errorf("%w: duplicate modality %q", ErrConfiguration, m.Name)
		}
		seen[m.Name] = struct{}{}
	}

	l.paramsOff = SegmentHeaderSize
	l.actionOff = l.paramsOff + ParamsBlockSize
	l.tableOff = l.actionOff + ActionBlockSize
	l.logOff = alignTo64(l.tableOff + uint64(len(mods))*ModalityDescSize)
	l.logCap = logCap

	off := alignTo64(l.logOff + LogRingHeaderSize + logCap)
	l.ringOffs = make([]uint64, len(mods))
	l.slotSizes = make([]uint64, len(mods))
	for i, m := range mods {
		l.ringOffs[i] = off
		l.slotSizes[i] = alignTo64(SlotHeaderSize + m.Stride())
		off += l.slotSizes[i] * uint64(ringDepth)
	}
	l.total = alignTo64(off)

	return l, nil
}

// IsPowerOfTwo returns true if n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}
