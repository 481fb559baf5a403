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

import "errors"

var (
	// ErrSegmentNotFound indicates the segment file does not exist yet.
	ErrSegmentNotFound = errors.New("shm: segment not found")

	// ErrSegmentVersionMismatch indicates the segment header does not match
	// what this process expects (magic, version, or modality layout).
	ErrSegmentVersionMismatch = errors.New("shm: segment version mismatch")

	// ErrConfiguration indicates an invalid segment configuration. It is
	// only returned at create/open time, never during steady-state stepping.
	ErrConfiguration = errors.New("shm: invalid configuration")

	// ErrStaleFrame indicates a slot was recycled before it could be read.
	// The data for the requested sequence is gone; the caller must catch up
	// or configure a deeper ring.
	ErrStaleFrame = errors.New("shm: stale frame")

	// ErrSegmentClosed indicates the producer has torn the segment down.
	ErrSegmentClosed = errors.New("shm: segment closed")

	// ErrWaitTimeout indicates a bounded wait on a sequence counter expired
	// before the counter advanced.
	ErrWaitTimeout = errors.New("shm: wait timeout")
)

// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")
