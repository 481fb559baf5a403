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
	"sync/atomic"
	"unsafe"
)

// SlotRing rotates a fixed number of frame slots for one modality. The slot
// for sequence S is S mod depth; slots are recycled in place for the life of
// the segment. Only the producer writes slot contents and stamps; the
// consumer validates the stamp before trusting the bytes.
//
// The stamp is a seqlock: value seq<<1 means "sequence seq fully written",
// value seq<<1|1 means "sequence seq being written". WriteSlot marks the slot
// busy before the fill and Publish marks it complete after, so a consumer
// that races a wrap-around observes a mismatched stamp, never torn pixels
// presented as valid.
type SlotRing struct {
	mem      []byte
	base     uint64 // segment offset of slot 0
	slotSize uint64 // slot header + stride, 64-aligned
	stride   uint64 // frame bytes
	depth    uint64 // number of slots
}

// Depth returns the number of slots in the ring.
func (r *SlotRing) Depth() uint64 { return r.depth }

// Stride returns the frame size in bytes.
func (r *SlotRing) Stride() uint64 { return r.stride }

func (r *SlotRing) slotOff(seq uint64) uint64 {
	return r.base + (seq%r.depth)*r.slotSize
}

func (r *SlotRing) stampAddr(seq uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[r.slotOff(seq)]))
}

// WriteSlot marks the slot for seq as in progress and returns its writable
// frame region. Producer only. The region must be filled completely before
// Publish.
func (r *SlotRing) WriteSlot(seq uint64) []byte {
	atomic.StoreUint64(r.stampAddr(seq), seq<<1|1)
	off := r.slotOff(seq) + SlotHeaderSize
	return r.mem[off : off+r.stride : off+r.stride]
}

// Publish stamps the slot for seq as fully written. Producer only; must
// follow the complete fill of the region returned by WriteSlot(seq).
func (r *SlotRing) Publish(seq uint64) {
	atomic.StoreUint64(r.stampAddr(seq), seq<<1)
}

// ReadSlot returns a read-only view of the frame for seq. If the slot's
// stamp has moved past seq (the producer wrapped around before the consumer
// read) or the slot is mid-write, it returns ErrStaleFrame: the consumer must
// never be handed partially overwritten data as valid.
//
// The view aliases shared memory and is only trustworthy until the producer
// reuses the slot, which happens no earlier than sequence seq+depth.
func (r *SlotRing) ReadSlot(seq uint64) ([]byte, error) {
	if got := atomic.LoadUint64(r.stampAddr(seq)); got != seq<<1 {
		return nil, fmt.Errorf("%w: want seq %d, slot stamp is %d (busy=%t)", ErrStaleFrame, seq, got>>1, got&1 == 1)
	}
	off := r.slotOff(seq) + SlotHeaderSize
	return r.mem[off : off+r.stride : off+r.stride], nil
}

// StampSeq reports the sequence currently stamped on the slot that seq maps
// to, and whether that slot is mid-write.
func (r *SlotRing) StampSeq(seq uint64) (uint64, bool) {
	got := atomic.LoadUint64(r.stampAddr(seq))
	return got >> 1, got&1 == 1
}
