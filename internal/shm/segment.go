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
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"
)

// Platform-specific functions (implemented in platform-specific files).
var (
	// unmapMemory unmaps a memory-mapped region.
	unmapMemory func([]byte) error
)

// segmentHeader is the fixed 256-byte header at offset 0 of every segment.
//
// Single-writer discipline: the producer owns publishedSeq, consumedActSeq,
// pose, collisions and the paramState 1->2 transition; the consumer owns
// pendingActSeq, the action record, the params blob, the paramState 0->1
// transition and controlFunc (which the producer clears on completion).
type segmentHeader struct {
	magic            [8]byte    // 0x00: "COLSHM\0\0"
	version          uint32     // 0x08: segment format version
	flags            uint32     // 0x0C: reserved flags
	totalSize        uint64     // 0x10: total segment size
	modalityCount    uint32     // 0x18: number of modality table entries
	ringDepth        uint32     // 0x1C: slots per modality ring
	publishedSeq     uint64     // 0x20: last fully published tick
	consumedActSeq   uint64     // 0x28: last action sequence applied
	pendingActSeq    uint64     // 0x30: last action sequence submitted
	frameFutex       uint32     // 0x38: wake word, bumped per publish
	actionFutex      uint32     // 0x3C: wake word, bumped per submit
	producerPID      uint32     // 0x40
	consumerPID      uint32     // 0x44
	producerReady    uint32     // 0x48: producer finished initialization
	consumerAttached uint32     // 0x4C: consumer currently attached
	closed           uint32     // 0x50: producer tore the segment down
	paramState       uint32     // 0x54: 0 idle, 1 pending, 2 acknowledged
	controlFunc      uint32     // 0x58: control call id, 0 when idle
	controlPad       uint32     // 0x5C
	controlArgs      [3]float32 // 0x60: control call arguments
	posePad          uint32     // 0x6C
	pose             [6]float32 // 0x70: player x,y,z,rx,ry,rz
	collisions       [16]byte   // 0x88: per-tick collision flags
	instanceID       [16]byte   // 0x98: random id assigned at create
	reserved         [88]byte   // 0xA8-0xFF
}

func init() {
	if unsafe.Sizeof(segmentHeader{}) != SegmentHeaderSize {
		panic(fmt.Sprintf("segmentHeader size is %d, expected %d", unsafe.Sizeof(segmentHeader{}), SegmentHeaderSize))
	}
}

// Segment is a mapped shared memory segment. The producer creates it and owns
// its lifetime; the consumer opens it and must detach, never destroy.
type Segment struct {
	File *os.File // backing file
	Mem  []byte   // memory-mapped region
	Path string   // backing file path

	hdr   *segmentHeader
	mods  []Modality
	rings []*SlotRing
	log   *LogRing
}

// initViews wires the typed views over the mapped bytes.
func (s *Segment) initViews(mods []Modality, ringOffs, slotSizes []uint64, ringDepth uint32, logOff, logCap uint64) {
	s.hdr = (*segmentHeader)(unsafe.Pointer(&s.Mem[0]))
	s.mods = mods
	s.rings = make([]*SlotRing, len(mods))
	for i, m := range mods {
		s.rings[i] = &SlotRing{
			mem:      s.Mem,
			base:     ringOffs[i],
			slotSize: slotSizes[i],
			stride:   m.Stride(),
			depth:    uint64(ringDepth),
		}
	}
	s.log = &LogRing{mem: s.Mem, base: logOff, capacity: logCap}
}

// Close unmaps the memory and closes the file. Safe to call from either side;
// it never removes the backing file (see RemoveSegment).
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
		s.hdr = nil
		s.rings = nil
		s.log = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Modalities returns the immutable modality table.
func (s *Segment) Modalities() []Modality { return s.mods }

// RingDepth returns the per-modality slot count.
func (s *Segment) RingDepth() uint32 { return atomic.LoadUint32(&s.hdr.ringDepth) }

// Ring returns the slot ring for modality index i.
func (s *Segment) Ring(i int) *SlotRing { return s.rings[i] }

// RingByName returns the slot ring for a named modality.
func (s *Segment) RingByName(name string) (*SlotRing, bool) {
	for i, m := range s.mods {
		if m.Name == name {
			return s.rings[i], true
		}
	}
	return nil, false
}

// LogRing returns the producer-to-consumer log ring.
func (s *Segment) LogRing() *LogRing { return s.log }

// ParamsBytes returns the simulation parameter block.
func (s *Segment) ParamsBytes() []byte {
	return s.Mem[SegmentHeaderSize : SegmentHeaderSize+ParamsBlockSize]
}

// ActionBytes returns the action record block.
func (s *Segment) ActionBytes() []byte {
	off := SegmentHeaderSize + ParamsBlockSize
	return s.Mem[off : off+ActionBlockSize]
}

// InstanceID returns the random identity assigned when the segment was created.
func (s *Segment) InstanceID() [16]byte { return s.hdr.instanceID }

// Sequence counters.

// PublishedSeq returns the last fully published tick sequence.
func (s *Segment) PublishedSeq() uint64 { return atomic.LoadUint64(&s.hdr.publishedSeq) }

// ConsumedActionSeq returns the last action sequence the producer applied.
func (s *Segment) ConsumedActionSeq() uint64 { return atomic.LoadUint64(&s.hdr.consumedActSeq) }

// SetConsumedActionSeq records the action sequence applied this tick. Producer only.
func (s *Segment) SetConsumedActionSeq(v uint64) { atomic.StoreUint64(&s.hdr.consumedActSeq, v) }

// PendingActionSeq returns the last action sequence the consumer submitted.
func (s *Segment) PendingActionSeq() uint64 { return atomic.LoadUint64(&s.hdr.pendingActSeq) }

// PublishSeq makes tick v visible to the consumer and wakes frame waiters.
// It must be the final write of a tick: every modality slot for v has to be
// stamped before this store.
func (s *Segment) PublishSeq(v uint64) {
	atomic.StoreUint64(&s.hdr.publishedSeq, v)
	atomic.AddUint32(&s.hdr.frameFutex, 1)
	futexWake(&s.hdr.frameFutex, math.MaxInt32)
}

// SubmitActionSeq makes action sequence v visible to the producer and wakes
// action waiters. The action record must be fully written before this store.
func (s *Segment) SubmitActionSeq(v uint64) {
	atomic.StoreUint64(&s.hdr.pendingActSeq, v)
	atomic.AddUint32(&s.hdr.actionFutex, 1)
	futexWake(&s.hdr.actionFutex, math.MaxInt32)
}

// Process flags.

// ProducerReady reports whether the producer finished segment initialization.
func (s *Segment) ProducerReady() bool { return atomic.LoadUint32(&s.hdr.producerReady) != 0 }

// SetProducerReady flips the producer ready flag.
func (s *Segment) SetProducerReady(ready bool) { storeFlag(&s.hdr.producerReady, ready) }

// ConsumerAttached reports whether a consumer currently holds the segment.
func (s *Segment) ConsumerAttached() bool { return atomic.LoadUint32(&s.hdr.consumerAttached) != 0 }

// SetConsumerAttached flips the consumer attached flag.
func (s *Segment) SetConsumerAttached(attached bool) { storeFlag(&s.hdr.consumerAttached, attached) }

// Closed reports whether the producer marked the segment as torn down.
func (s *Segment) Closed() bool { return atomic.LoadUint32(&s.hdr.closed) != 0 }

// SetClosed marks the segment as torn down and wakes all waiters so they can
// observe the flag.
func (s *Segment) SetClosed(closed bool) {
	storeFlag(&s.hdr.closed, closed)
	atomic.AddUint32(&s.hdr.frameFutex, 1)
	atomic.AddUint32(&s.hdr.actionFutex, 1)
	futexWake(&s.hdr.frameFutex, math.MaxInt32)
	futexWake(&s.hdr.actionFutex, math.MaxInt32)
}

// ProducerPID returns the producer process id.
func (s *Segment) ProducerPID() uint32 { return atomic.LoadUint32(&s.hdr.producerPID) }

// SetProducerPID records the producer process id.
func (s *Segment) SetProducerPID(pid uint32) { atomic.StoreUint32(&s.hdr.producerPID, pid) }

// ConsumerPID returns the consumer process id.
func (s *Segment) ConsumerPID() uint32 { return atomic.LoadUint32(&s.hdr.consumerPID) }

// SetConsumerPID records the consumer process id.
func (s *Segment) SetConsumerPID(pid uint32) { atomic.StoreUint32(&s.hdr.consumerPID, pid) }

// Parameter handshake state.

// ParamState returns the parameter handshake word (0 idle, 1 pending, 2 acked).
func (s *Segment) ParamState() uint32 { return atomic.LoadUint32(&s.hdr.paramState) }

// SetParamState stores the parameter handshake word.
func (s *Segment) SetParamState(v uint32) { atomic.StoreUint32(&s.hdr.paramState, v) }

// Control call block.

// ControlFunc returns the pending control call id, 0 when idle.
func (s *Segment) ControlFunc() uint32 { return atomic.LoadUint32(&s.hdr.controlFunc) }

// SetControlFunc stores the control call id. The consumer sets it non-zero
// after writing the arguments; the producer zeroes it as the completion ack.
func (s *Segment) SetControlFunc(v uint32) { atomic.StoreUint32(&s.hdr.controlFunc, v) }

// ControlArgs returns the three control call arguments.
func (s *Segment) ControlArgs() [3]float32 {
	var a [3]float32
	for i := range a {
		a[i] = loadFloat32(&s.hdr.controlArgs[i])
	}
	return a
}

// SetControlArgs stores the control call arguments. Must precede SetControlFunc.
func (s *Segment) SetControlArgs(a [3]float32) {
	for i := range a {
		storeFloat32(&s.hdr.controlArgs[i], a[i])
	}
}

// Telemetry.

// Pose returns the player pose (x, y, z, rx, ry, rz) as of the last publish.
func (s *Segment) Pose() [6]float32 {
	var p [6]float32
	for i := range p {
		p[i] = loadFloat32(&s.hdr.pose[i])
	}
	return p
}

// SetPose records the player pose. Producer only, before the publish store.
func (s *Segment) SetPose(p [6]float32) {
	for i := range p {
		storeFloat32(&s.hdr.pose[i], p[i])
	}
}

// Collisions returns the 16 per-tick collision flag bytes.
func (s *Segment) Collisions() [16]byte {
	var c [16]byte
	lo := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.hdr.collisions[0])))
	hi := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.hdr.collisions[8])))
	binary.LittleEndian.PutUint64(c[0:8], lo)
	binary.LittleEndian.PutUint64(c[8:16], hi)
	return c
}

// SetCollisions records the collision flags. Producer only, before the publish store.
func (s *Segment) SetCollisions(c [16]byte) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.hdr.collisions[0])), binary.LittleEndian.Uint64(c[0:8]))
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.hdr.collisions[8])), binary.LittleEndian.Uint64(c[8:16]))
}

func storeFlag(addr *uint32, v bool) {
	var val uint32
	if v {
		val = 1
	}
	atomic.StoreUint32(addr, val)
}

func loadFloat32(addr *float32) float32 {
	return math.Float32frombits(atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))))
}

func storeFloat32(addr *float32, v float32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), math.Float32bits(v))
}

// Modality table encoding. Each descriptor is 64 bytes, little-endian:
// name[16] format[4] width[4] height[4] channels[4] stride[8] ringOff[8]
// slotSize[8] reserved[8].

func encodeModalityTable(mem []byte, l segmentLayout, mods []Modality) {
	for i, m := range mods {
		d := mem[l.tableOff+uint64(i)*ModalityDescSize:]
		for j := 0; j < 16; j++ {
			d[j] = 0
		}
		copy(d[0:16], m.Name)
		binary.LittleEndian.PutUint32(d[16:], uint32(m.Format))
		binary.LittleEndian.PutUint32(d[20:], m.Width)
		binary.LittleEndian.PutUint32(d[24:], m.Height)
		binary.LittleEndian.PutUint32(d[28:], m.Channels)
		binary.LittleEndian.PutUint64(d[32:], m.Stride())
		binary.LittleEndian.PutUint64(d[40:], l.ringOffs[i])
		binary.LittleEndian.PutUint64(d[48:], l.slotSizes[i])
	}
}

func decodeModalityTable(mem []byte, tableOff uint64, count uint32) ([]Modality, []uint64, []uint64, error) {
	mods := make([]Modality, count)
	ringOffs := make([]uint64, count)
	slotSizes := make([]uint64, count)
	for i := range mods {
		d := mem[tableOff+uint64(i)*ModalityDescSize:]
		name := d[0:16]
		n := 0
		for n < len(name) && name[n] != 0 {
			n++
		}
		mods[i] = Modality{
			Name:     string(name[:n]),
			Format:   PixelFormat(binary.LittleEndian.Uint32(d[16:])),
			Width:    binary.LittleEndian.Uint32(d[20:]),
			Height:   binary.LittleEndian.Uint32(d[24:]),
			Channels: binary.LittleEndian.Uint32(d[28:]),
		}
		stride := binary.LittleEndian.Uint64(d[32:])
		if mods[i].Stride() != stride {
			return nil, nil, nil, fmt.Errorf("%w: modality %q stride %d does not match geometry", ErrSegmentVersionMismatch, mods[i].Name, stride)
		}
		ringOffs[i] = binary.LittleEndian.Uint64(d[40:])
		slotSizes[i] = binary.LittleEndian.Uint64(d[48:])
	}
	return mods, ringOffs, slotSizes, nil
}

// validateHeader checks magic, version and layout consistency of a mapped
// segment and returns the decoded modality table.
func validateHeader(mem []byte) ([]Modality, segmentLayout, error) {
	var l segmentLayout
	hdr := (*segmentHeader)(unsafe.Pointer(&mem[0]))

	if string(hdr.magic[:]) != SegmentMagic {
		return nil, l, fmt.Errorf("%w: bad magic", ErrSegmentVersionMismatch)
	}
	if v := atomic.LoadUint32(&hdr.version); v != SegmentVersion {
		return nil, l, fmt.Errorf("%w: segment version %d, expected %d", ErrSegmentVersionMismatch, v, SegmentVersion)
	}
	count := atomic.LoadUint32(&hdr.modalityCount)
	depth := atomic.LoadUint32(&hdr.ringDepth)
	if count == 0 || count > MaxModalities {
		return nil, l, fmt.Errorf("%w: modality count %d out of range", ErrSegmentVersionMismatch, count)
	}
	if depth < MinRingDepth || depth > MaxRingDepth {
		return nil, l, fmt.Errorf("%w: ring depth %d out of range", ErrSegmentVersionMismatch, depth)
	}

	// The mapping must span the size the header claims before anything past
	// the fixed header is dereferenced. A truncated file with a valid magic
	// would otherwise fault on the table or log reads below.
	if got := atomic.LoadUint64(&hdr.totalSize); got != uint64(len(mem)) {
		return nil, l, fmt.Errorf("%w: total size %d, mapped %d bytes", ErrSegmentVersionMismatch, got, len(mem))
	}

	tableOff := uint64(SegmentHeaderSize + ParamsBlockSize + ActionBlockSize)
	tableEnd := tableOff + uint64(count)*ModalityDescSize
	logOff := alignTo64(tableEnd)
	if logOff+LogRingHeaderSize > uint64(len(mem)) {
		return nil, l, fmt.Errorf("%w: segment too small for %d modalities", ErrSegmentVersionMismatch, count)
	}

	mods, ringOffs, slotSizes, err := decodeModalityTable(mem, tableOff, count)
	if err != nil {
		return nil, l, err
	}

	logCap := binary.LittleEndian.Uint64(mem[logOff:])

	expected, err := calculateLayout(mods, depth, logCap)
	if err != nil {
		return nil, l, fmt.Errorf("%w: %v", ErrSegmentVersionMismatch, err)
	}
	if got := atomic.LoadUint64(&hdr.totalSize); got != expected.total {
		return nil, l, fmt.Errorf("%w: total size %d, expected %d", ErrSegmentVersionMismatch, got, expected.total)
	}
	for i := range mods {
		if ringOffs[i] != expected.ringOffs[i] || slotSizes[i] != expected.slotSizes[i] {
			return nil, l, fmt.Errorf("%w: modality %q ring layout mismatch", ErrSegmentVersionMismatch, mods[i].Name)
		}
	}

	return mods, expected, nil
}

// segmentPath returns the backing file path for a segment name. /dev/shm is
// preferred on Linux; elsewhere the temporary directory is used.
func segmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "col_shm_"+name)
	}
	return filepath.Join(os.TempDir(), "col_shm_"+name)
}

// RemoveSegment removes a segment's backing file. Producer teardown only.
func RemoveSegment(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SegmentExists checks whether a segment's backing file exists.
func SegmentExists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}
