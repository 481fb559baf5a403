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
	"context"
	"sync/atomic"
	"time"
)

// waitSlice bounds a single futex sleep so cancellation and deadlines are
// observed promptly even when no wake arrives.
const waitSlice = 10 * time.Millisecond

// WaitPublishedAbove blocks until publishedSeq exceeds last and returns the
// observed value. A zero timeout waits until ctx is done. On expiry it
// returns ErrWaitTimeout; on teardown, ErrSegmentClosed.
func (s *Segment) WaitPublishedAbove(ctx context.Context, last uint64, timeout time.Duration) (uint64, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if s.Closed() {
			return 0, ErrSegmentClosed
		}
		if v := s.PublishedSeq(); v > last {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		slice := waitSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrWaitTimeout
			}
			if remaining < slice {
				slice = remaining
			}
		}

		// Snapshot the wake word, re-check the condition, then sleep. The
		// producer bumps the word after every publish, so a publish between
		// the snapshot and the futex entry aborts the wait immediately.
		word := atomic.LoadUint32(&s.hdr.frameFutex)
		if s.PublishedSeq() > last || s.Closed() {
			continue
		}
		if err := futexWaitTimeout(&s.hdr.frameFutex, word, slice.Nanoseconds()); err != nil && err != ErrFutexTimeout {
			return 0, err
		}
	}
}

// WaitPendingActionAbove blocks until pendingActionSeq exceeds last and
// returns the observed value. Used by the producer in lockstep mode. A zero
// timeout waits until ctx is done; on expiry it returns ErrWaitTimeout, on
// teardown ErrSegmentClosed.
func (s *Segment) WaitPendingActionAbove(ctx context.Context, last uint64, timeout time.Duration) (uint64, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if s.Closed() {
			return 0, ErrSegmentClosed
		}
		if v := s.PendingActionSeq(); v > last {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		slice := waitSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrWaitTimeout
			}
			if remaining < slice {
				slice = remaining
			}
		}

		word := atomic.LoadUint32(&s.hdr.actionFutex)
		if s.PendingActionSeq() > last || s.Closed() {
			continue
		}
		if err := futexWaitTimeout(&s.hdr.actionFutex, word, slice.Nanoseconds()); err != nil && err != ErrFutexTimeout {
			return 0, err
		}
	}
}

// WaitProducerReady blocks until the producer flips its ready flag. Used at
// attach time; only ctx bounds the wait.
func (s *Segment) WaitProducerReady(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.ProducerReady() {
			return nil
		}
		if s.Closed() {
			return ErrSegmentClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitConsumerDetached blocks until no consumer is attached or the timeout
// elapses. Used by producer teardown to honor the grace window.
func (s *Segment) WaitConsumerDetached(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(1 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !s.ConsumerAttached() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !s.ConsumerAttached()
		case <-ticker.C:
		}
	}
}
