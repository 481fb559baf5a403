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
	"errors"
	"testing"
	"time"
)

func TestWaitPublishedAboveWake(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := seg.WaitPublishedAbove(context.Background(), 0, 5*time.Second)
		if err != nil {
			t.Errorf("WaitPublishedAbove = %v", err)
			return
		}
		if v != 1 {
			t.Errorf("observed seq %d, want 1", v)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	seg.PublishSeq(1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke after publish")
	}
}

func TestWaitPublishedAboveTimeout(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)
	start := time.Now()
	_, err := seg.WaitPublishedAbove(context.Background(), 0, 30*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("WaitPublishedAbove = %v, want ErrWaitTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout wait ran far past its deadline")
	}
}

func TestWaitPublishedAboveImmediate(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)
	seg.PublishSeq(5)
	v, err := seg.WaitPublishedAbove(context.Background(), 3, time.Second)
	if err != nil || v != 5 {
		t.Fatalf("WaitPublishedAbove = (%d, %v), want (5, nil)", v, err)
	}
}

func TestWaitObservesClose(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)

	errs := make(chan error, 1)
	go func() {
		_, err := seg.WaitPublishedAbove(context.Background(), 0, 5*time.Second)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	seg.SetClosed(true)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrSegmentClosed) {
			t.Fatalf("wait after close = %v, want ErrSegmentClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never observed teardown")
	}
}

func TestWaitPendingActionAboveWake(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := seg.WaitPendingActionAbove(context.Background(), 0, 5*time.Second)
		if err != nil || v != 1 {
			t.Errorf("WaitPendingActionAbove = (%d, %v), want (1, nil)", v, err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	seg.SubmitActionSeq(1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke after action submit")
	}
}

func TestWaitCancellation(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := seg.WaitPublishedAbove(ctx, 0, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitPublishedAbove = %v, want context.Canceled", err)
	}
}

func TestWaitProducerReady(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)
	seg.SetProducerReady(false)

	go func() {
		time.Sleep(5 * time.Millisecond)
		seg.SetProducerReady(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := seg.WaitProducerReady(ctx); err != nil {
		t.Fatalf("WaitProducerReady = %v", err)
	}
}

func TestWaitConsumerDetached(t *testing.T) {
	seg, _ := newTestSegment(t, testModalities(), 2)

	seg.SetConsumerAttached(true)
	if seg.WaitConsumerDetached(context.Background(), 20*time.Millisecond) {
		t.Fatal("reported detached while consumer attached")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		seg.SetConsumerAttached(false)
	}()
	if !seg.WaitConsumerDetached(context.Background(), 5*time.Second) {
		t.Fatal("never observed detach")
	}
}
