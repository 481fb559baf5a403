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
	"strings"
	"testing"
)

func newTestLogRing(t *testing.T) *LogRing {
	t.Helper()
	seg, _ := newTestSegment(t, testModalities(), 2)
	return seg.LogRing()
}

func TestLogRingAppendDrain(t *testing.T) {
	ring := newTestLogRing(t)

	lines := []string{"chunk build complete", "player spawned", "tick 1"}
	for _, l := range lines {
		if !ring.Append([]byte(l)) {
			t.Fatalf("Append(%q) dropped", l)
		}
	}

	got := ring.Drain()
	if len(got) != len(lines) {
		t.Fatalf("Drain returned %d lines, want %d", len(got), len(lines))
	}
	for i, l := range lines {
		if got[i] != l {
			t.Errorf("line %d = %q, want %q", i, got[i], l)
		}
	}

	// A second drain is empty.
	if again := ring.Drain(); len(again) != 0 {
		t.Errorf("second Drain returned %d lines, want 0", len(again))
	}
}

func TestLogRingDropsWhenFull(t *testing.T) {
	ring := newTestLogRing(t)

	line := strings.Repeat("x", 1024)
	var appended int
	for i := 0; i < 10000; i++ {
		if !ring.Append([]byte(line)) {
			break
		}
		appended++
	}
	if appended == 0 {
		t.Fatal("nothing appended before the ring filled")
	}
	if ring.Dropped() == 0 {
		t.Fatal("ring never reported a drop")
	}

	// Draining frees space again.
	if got := ring.Drain(); len(got) != appended {
		t.Fatalf("Drain returned %d lines, want %d", len(got), appended)
	}
	if !ring.Append([]byte("after drain")) {
		t.Error("Append failed after drain freed space")
	}
}

func TestLogRingWrapAround(t *testing.T) {
	ring := newTestLogRing(t)

	// Cycle enough data through the ring to force index wrap several times.
	total := int(ring.Capacity()) * 3 / 1024
	for i := 0; i < total; i++ {
		line := fmt.Sprintf("%04d %s", i, strings.Repeat("y", 1000))
		if !ring.Append([]byte(line)) {
			t.Fatalf("Append %d dropped with an empty reader side", i)
		}
		got := ring.Drain()
		if len(got) != 1 || got[0] != line {
			t.Fatalf("iteration %d: Drain = %q", i, got)
		}
	}
}

func TestLogRingOversizedLineDropped(t *testing.T) {
	ring := newTestLogRing(t)
	huge := make([]byte, ring.Capacity()+1)
	if ring.Append(huge) {
		t.Fatal("oversized line accepted")
	}
	if ring.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", ring.Dropped())
	}
}
