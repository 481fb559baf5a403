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
	"sync/atomic"
	"unsafe"
)

// LogRing carries simulator log lines from the producer to the consumer as a
// single-producer single-consumer byte ring with monotonic indices. Writes
// never block the simulation loop: a line that does not fit is dropped whole
// and counted.
//
// Header layout at base (64 bytes): capacity u64, widx u64, ridx u64,
// dropped u64, reserved to 64. Data area of `capacity` bytes (power of two)
// follows.
type LogRing struct {
	mem      []byte
	base     uint64
	capacity uint64
}

const logRecHeader = 4 // u32 length prefix per record

func (l *LogRing) widxAddr() *uint64 {
	return (*uint64)(unsafe.Pointer(&l.mem[l.base+8]))
}

func (l *LogRing) ridxAddr() *uint64 {
	return (*uint64)(unsafe.Pointer(&l.mem[l.base+16]))
}

func (l *LogRing) droppedAddr() *uint64 {
	return (*uint64)(unsafe.Pointer(&l.mem[l.base+24]))
}

// Capacity returns the data area capacity in bytes.
func (l *LogRing) Capacity() uint64 { return l.capacity }

// Dropped returns the number of lines dropped for lack of space.
func (l *LogRing) Dropped() uint64 { return atomic.LoadUint64(l.droppedAddr()) }

// copyIn writes p at monotonic index idx, splitting at the wrap point.
func (l *LogRing) copyIn(idx uint64, p []byte) {
	pos := idx & (l.capacity - 1)
	first := l.capacity - pos
	if uint64(len(p)) <= first {
		copy(l.mem[l.base+LogRingHeaderSize+pos:], p)
		return
	}
	copy(l.mem[l.base+LogRingHeaderSize+pos:], p[:first])
	copy(l.mem[l.base+LogRingHeaderSize:], p[first:])
}

// copyOut reads n bytes at monotonic index idx, splitting at the wrap point.
func (l *LogRing) copyOut(idx uint64, n uint64) []byte {
	out := make([]byte, n)
	pos := idx & (l.capacity - 1)
	first := l.capacity - pos
	if n <= first {
		copy(out, l.mem[l.base+LogRingHeaderSize+pos:])
		return out
	}
	copy(out[:first], l.mem[l.base+LogRingHeaderSize+pos:])
	copy(out[first:], l.mem[l.base+LogRingHeaderSize:])
	return out
}

// Append writes one log line. Producer only. Returns false if the line was
// dropped because the ring lacked space.
func (l *LogRing) Append(line []byte) bool {
	rec := uint64(logRecHeader + len(line))
	if rec > l.capacity {
		atomic.AddUint64(l.droppedAddr(), 1)
		return false
	}

	w := atomic.LoadUint64(l.widxAddr())
	r := atomic.LoadUint64(l.ridxAddr())
	if l.capacity-(w-r) < rec {
		atomic.AddUint64(l.droppedAddr(), 1)
		return false
	}

	var hdr [logRecHeader]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(line)))
	l.copyIn(w, hdr[:])
	l.copyIn(w+logRecHeader, line)

	// Publish after the record bytes are in place.
	atomic.StoreUint64(l.widxAddr(), w+rec)
	return true
}

// Drain reads every complete record currently in the ring. Consumer only.
func (l *LogRing) Drain() []string {
	var lines []string
	r := atomic.LoadUint64(l.ridxAddr())
	w := atomic.LoadUint64(l.widxAddr())
	for r < w {
		hdr := l.copyOut(r, logRecHeader)
		n := uint64(binary.LittleEndian.Uint32(hdr))
		lines = append(lines, string(l.copyOut(r+logRecHeader, n)))
		r += logRecHeader + n
	}
	atomic.StoreUint64(l.ridxAddr(), r)
	return lines
}
