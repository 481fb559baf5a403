//go:build unix

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
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/google/uuid"
)

func init() {
	unmapMemory = munmapImpl
}

// CreateSegment creates and maps a new shared memory segment for the producer.
// The header is fully written, producerReady last, so a consumer that
// observes the ready flag sees a complete layout.
func CreateSegment(name string, mods []Modality, ringDepth uint32, logCap uint64) (*Segment, error) {
	l, err := calculateLayout(mods, ringDepth, logCap)
	if err != nil {
		return nil, err
	}

	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(l.total)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(l.total))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	seg := &Segment{File: file, Mem: mem, Path: path}
	seg.initViews(mods, l.ringOffs, l.slotSizes, ringDepth, l.logOff, l.logCap)

	copy(seg.hdr.magic[:], SegmentMagic)
	atomic.StoreUint32(&seg.hdr.version, SegmentVersion)
	atomic.StoreUint64(&seg.hdr.totalSize, l.total)
	atomic.StoreUint32(&seg.hdr.modalityCount, uint32(len(mods)))
	atomic.StoreUint32(&seg.hdr.ringDepth, ringDepth)
	seg.hdr.instanceID = [16]byte(uuid.New())

	binary.LittleEndian.PutUint64(mem[l.logOff:], l.logCap)
	encodeModalityTable(mem, l, mods)

	seg.SetProducerPID(uint32(os.Getpid()))
	seg.SetProducerReady(true)

	return seg, nil
}

// OpenSegment maps an existing segment for the consumer. It fails with
// ErrSegmentNotFound if the backing file does not exist and with
// ErrSegmentVersionMismatch if the header's version or layout is not what
// this build expects.
func OpenSegment(name string) (*Segment, error) {
	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, path)
		}
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: segment file too small: %d bytes", ErrSegmentVersionMismatch, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	mods, l, err := validateHeader(mem)
	if err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, err
	}

	hdr := (*segmentHeader)(unsafe.Pointer(&mem[0]))
	seg := &Segment{File: file, Mem: mem, Path: path}
	seg.initViews(mods, l.ringOffs, l.slotSizes, atomic.LoadUint32(&hdr.ringDepth), l.logOff, l.logCap)

	return seg, nil
}

// mmapFile memory maps a file.
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := syscall.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region.
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
