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

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/iliassarbout/CityOfLight/internal/shm"
)

// testWorld is a minimal deterministic world: every Advance bumps a counter
// and every rendered frame is filled with a byte derived from that counter
// and the last action, so frame content proves which tick and action
// produced it.
type testWorld struct {
	mu       sync.Mutex
	advances uint64
	last     Action
	lastSeed uint64

	params    []SimParams
	teleports [][3]float32
	rebuilds  int
}

func (w *testWorld) Advance(a Action, tickSeed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advances++
	w.last = a
	w.lastSeed = tickSeed
}

func (w *testWorld) RenderModality(name string, dst []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fill := byte(w.advances)*16 + byte(len(name)) + byte(w.last.Forward*4)
	for i := range dst {
		dst[i] = fill
	}
	return nil
}

func (w *testWorld) Pose() Pose {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Pose{X: float32(w.advances), Y: 1.7}
}

func (w *testWorld) Collisions() [16]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var c [16]byte
	if w.advances%2 == 0 {
		c[0] = 1
	}
	return c
}

func (w *testWorld) ApplyParams(p SimParams) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.params = append(w.params, p)
}

func (w *testWorld) Teleport(x, y, z float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teleports = append(w.teleports, [3]float32{x, y, z})
}

func (w *testWorld) RotateTo(rx, ry, rz float32) {}
func (w *testWorld) MoveGoal(x, y, z float32)    {}
func (w *testWorld) PromoteChunk(idx int)        {}

func (w *testWorld) RebuildChunks() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rebuilds++
}

func (w *testWorld) expectFill(t *testing.T, fs *FrameSet, name string) {
	t.Helper()
	w.mu.Lock()
	fill := byte(w.advances)*16 + byte(len(name)) + byte(w.last.Forward*4)
	w.mu.Unlock()

	view, err := fs.View(name)
	if err != nil {
		t.Fatalf("View(%q) failed: %v", name, err)
	}
	for i, b := range view {
		if b != fill {
			t.Fatalf("view %q byte %d = %#x, want %#x", name, i, b, fill)
		}
	}
}

var segCounter int

func testSegName(t *testing.T) string {
	t.Helper()
	segCounter++
	return fmt.Sprintf("bt_%d_%d", os.Getpid(), segCounter)
}

// newTestProducer creates a producer without starting its serve loop.
func newTestProducer(t *testing.T, mode Mode, ringDepth uint32) (*Producer, *testWorld, string) {
	t.Helper()
	world := &testWorld{}
	name := testSegName(t)
	p, err := NewProducer(Config{
		SegmentName:  name,
		Modalities:   DefaultModalities(8, 8),
		RingDepth:    ringDepth,
		Mode:         mode,
		TickInterval: time.Millisecond,
	}, world)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		_ = shm.RemoveSegment(name)
	})
	return p, world, name
}

// serveProducer runs the producer loop for the test's duration.
func serveProducer(t *testing.T, p *Producer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Serve(ctx); err != nil {
			t.Errorf("Serve failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not exit after cancel")
		}
	})
}

func attachTestConsumer(t *testing.T, name string) *Consumer {
	t.Helper()
	c, err := Attach(name, DefaultModalities(8, 8), AttachOptions{
		StepTimeout:   5 * time.Second,
		AttachTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Detach() })
	return c
}

func TestLockstepStep(t *testing.T) {
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	ctx := context.Background()
	a := Action{Forward: 1, Turn: 0.5, Gravity: true}
	fs, err := c.Step(ctx, a)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if fs.Seq != 1 {
		t.Errorf("first step produced seq %d, want 1", fs.Seq)
	}
	rgb, err := fs.View(ModalityRGB)
	if err != nil {
		t.Fatal(err)
	}
	if len(rgb) != 8*8*3 {
		t.Errorf("RGB view is %d bytes, want %d", len(rgb), 8*8*3)
	}
	for _, m := range []string{ModalityRGB, ModalityDepth, ModalityNormals, ModalitySemantic} {
		world.expectFill(t, fs, m)
	}
	if fs.Pose.X != 1 {
		t.Errorf("pose X = %v, want 1 (one advance)", fs.Pose.X)
	}
	if got := world.last; got != a {
		t.Errorf("world saw action %+v, want %+v", got, a)
	}

	// Exactly one tick per step.
	for i := 0; i < 5; i++ {
		fs, err = c.Step(ctx, Action{Forward: -0.5})
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	if fs.Seq != 6 {
		t.Errorf("after 6 steps seq = %d, want 6", fs.Seq)
	}
	if world.advances != 6 {
		t.Errorf("world advanced %d times, want 6", world.advances)
	}
}

func TestStepClampsOutOfRangeAction(t *testing.T) {
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	nan := float32(0)
	nan = nan / nan

	if _, err := c.Step(context.Background(), Action{Forward: 7, Turn: -9, Vertical: nan}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	got := world.last
	if got.Forward != 1 || got.Turn != -1 || got.Vertical != 0 {
		t.Errorf("clamped action = %+v, want Forward=1 Turn=-1 Vertical=0", got)
	}
}

func TestLatestActionWins(t *testing.T) {
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	c := attachTestConsumer(t, name)

	// Two submissions land before the producer samples; the second must win
	// and the first must never reach the world.
	encodeAction(c.seg.ActionBytes(), 1, Action{Forward: 0.25})
	c.seg.SubmitActionSeq(1)
	encodeAction(c.seg.ActionBytes(), 2, Action{Forward: 0.75})
	c.seg.SubmitActionSeq(2)

	seq, a := p.sampleAction()
	if seq != 2 {
		t.Fatalf("sampled action seq %d, want 2", seq)
	}
	if a.Forward != 0.75 {
		t.Fatalf("sampled Forward = %v, want 0.75", a.Forward)
	}
	if err := p.step(a, seq); err != nil {
		t.Fatal(err)
	}

	if world.last.Forward != 0.75 {
		t.Errorf("world saw Forward %v, want 0.75", world.last.Forward)
	}
	if world.advances != 1 {
		t.Errorf("world advanced %d times, want 1 (coalesced)", world.advances)
	}
	if got := c.seg.ConsumedActionSeq(); got != 2 {
		t.Errorf("consumed action seq = %d, want 2", got)
	}
}

func TestScenarioRGB64AtDepth3(t *testing.T) {
	// 64x64x3 RGB at ring depth 3: the first step returns sequence 1 with a
	// 12288-byte view, and of three actions submitted back to back only the
	// last is applied for sequence 2, matching a fresh replay of that action
	// alone.
	world := &testWorld{}
	name := testSegName(t)
	p, err := NewProducer(Config{
		SegmentName: name,
		Modalities:  DefaultModalities(64, 64),
		RingDepth:   3,
	}, world)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		_ = shm.RemoveSegment(name)
	})

	c, err := Attach(name, DefaultModalities(64, 64), AttachOptions{RingDepth: 3})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Detach() })

	// A0, driven by hand so submissions can be interleaved precisely.
	a0 := Action{Forward: 1}
	encodeAction(c.seg.ActionBytes(), 1, a0)
	c.seg.SubmitActionSeq(1)
	seq, a := p.sampleAction()
	if err := p.step(a, seq); err != nil {
		t.Fatal(err)
	}

	fs, err := c.frameSetAt(1)
	if err != nil {
		t.Fatalf("frameSetAt(1) failed: %v", err)
	}
	if fs.Seq != 1 {
		t.Errorf("Step(A0) produced seq %d, want 1", fs.Seq)
	}
	rgb, err := fs.View(ModalityRGB)
	if err != nil {
		t.Fatal(err)
	}
	if len(rgb) != 12288 {
		t.Errorf("RGB view is %d bytes, want 12288", len(rgb))
	}

	// A1, A2, A3 land before the producer samples again.
	a3 := Action{Forward: 0.75, Turn: -0.5}
	for i, act := range []Action{{Forward: 0.1}, {Forward: 0.2}, a3} {
		encodeAction(c.seg.ActionBytes(), uint64(2+i), act)
		c.seg.SubmitActionSeq(uint64(2 + i))
	}
	seq, a = p.sampleAction()
	if err := p.step(a, seq); err != nil {
		t.Fatal(err)
	}
	if world.advances != 2 {
		t.Fatalf("world advanced %d times, want 2 (A1/A2 coalesced away)", world.advances)
	}

	// Fresh replay of A0 then A3 alone must match tick for tick.
	replay := &testWorld{}
	replay.Advance(a0, tickSeed(1))
	replay.Advance(a3, tickSeed(2))
	if world.last != replay.last || world.lastSeed != replay.lastSeed || world.advances != replay.advances {
		t.Errorf("state after coalesced step = (%+v, %d), replay of A3 alone = (%+v, %d)",
			world.last, world.lastSeed, replay.last, replay.lastSeed)
	}
}

func TestAttachRingDepthMismatch(t *testing.T) {
	_, _, name := newTestProducer(t, ModeLockstep, 4)
	if _, err := Attach(name, DefaultModalities(8, 8), AttachOptions{RingDepth: 8, AttachTimeout: time.Second}); !errors.Is(err, shm.ErrSegmentVersionMismatch) {
		t.Fatalf("Attach wrong ring depth = %v, want ErrSegmentVersionMismatch", err)
	}
}

func TestTickSeedDeterministicAndDistinct(t *testing.T) {
	if tickSeed(1) != tickSeed(1) {
		t.Fatal("tickSeed is not a pure function")
	}
	seen := map[uint64]bool{}
	for seq := uint64(1); seq <= 1000; seq++ {
		s := tickSeed(seq)
		if seen[s] {
			t.Fatalf("tickSeed collision at seq %d", seq)
		}
		seen[s] = true
	}
}

func TestDeterministicReplay(t *testing.T) {
	// Two independent producer/world pairs fed the same action sequence must
	// publish identical frames, poses and consumed counters.
	run := func() []*FrameSet {
		p, _, name := newTestProducer(t, ModeLockstep, 8)
		serveProducer(t, p)
		c := attachTestConsumer(t, name)

		var out []*FrameSet
		for i := 0; i < 6; i++ {
			fs, err := c.Step(context.Background(), Action{Forward: float32(i) / 6, Turn: -0.25})
			if err != nil {
				t.Fatalf("replay step %d: %v", i, err)
			}
			// Copy the views out: they alias shared memory that dies with the
			// producer.
			copied := &FrameSet{Seq: fs.Seq, Views: map[string][]byte{}, Pose: fs.Pose, Collisions: fs.Collisions}
			for k, v := range fs.Views {
				copied.Views[k] = append([]byte(nil), v...)
			}
			out = append(out, copied)
		}
		return out
	}

	first := run()
	second := run()
	for i := range first {
		if first[i].Seq != second[i].Seq || first[i].Pose != second[i].Pose || first[i].Collisions != second[i].Collisions {
			t.Fatalf("replay diverged at step %d", i)
		}
		for k, v := range first[i].Views {
			w := second[i].Views[k]
			if string(v) != string(w) {
				t.Fatalf("replay diverged at step %d modality %q", i, k)
			}
		}
	}
}

func TestStaleFrameAfterWrap(t *testing.T) {
	p, _, name := newTestProducer(t, ModeLockstep, 2)
	c := attachTestConsumer(t, name)

	// Drive three ticks by hand; at depth 2, seq 1's slots are recycled.
	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.step(Action{Forward: 1}, seq); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.frameSetAt(1); !errors.Is(err, shm.ErrStaleFrame) {
		t.Errorf("frameSetAt(1) = %v, want ErrStaleFrame", err)
	}
	if fs, err := c.frameSetAt(3); err != nil || fs.Seq != 3 {
		t.Errorf("frameSetAt(3) = (%v, %v), want live frame", fs, err)
	}
}

func TestLatestRetriesPastOverwrite(t *testing.T) {
	p, _, name := newTestProducer(t, ModeFreeRun, 2)
	c := attachTestConsumer(t, name)

	if err := p.step(Action{}, 0); err != nil {
		t.Fatal(err)
	}
	fs, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if fs.Seq != 1 {
		t.Errorf("Latest seq = %d, want 1", fs.Seq)
	}
}

func TestLatestTimesOutWithoutPublish(t *testing.T) {
	_, _, name := newTestProducer(t, ModeFreeRun, 2)
	c, err := Attach(name, DefaultModalities(8, 8), AttachOptions{StepTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer c.Detach()
	if _, err := c.Latest(context.Background()); !errors.Is(err, ErrProducerStalled) {
		t.Fatalf("Latest without a producer tick = %v, want ErrProducerStalled", err)
	}
}

func TestFreeRunAdvancesWithoutActions(t *testing.T) {
	p, _, name := newTestProducer(t, ModeFreeRun, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if c.seg.PublishedSeq() >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("free-run producer never reached seq 3")
		}
		time.Sleep(time.Millisecond)
	}
	fs, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if fs.Seq < 3 {
		t.Errorf("Latest seq = %d, want >= 3", fs.Seq)
	}
}

func TestStepTimeoutProducerStalled(t *testing.T) {
	// Producer exists but never serves: Step must fail with
	// ErrProducerStalled and leave the attachment usable.
	_, _, name := newTestProducer(t, ModeLockstep, 4)
	c, err := Attach(name, DefaultModalities(8, 8), AttachOptions{
		StepTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer c.Detach()

	if _, err := c.Step(context.Background(), Action{Forward: 1}); !errors.Is(err, ErrProducerStalled) {
		t.Fatalf("Step = %v, want ErrProducerStalled", err)
	}
	if c.seg == nil {
		t.Fatal("consumer detached itself after a stall")
	}
}

func TestAttachModalityMismatch(t *testing.T) {
	_, _, name := newTestProducer(t, ModeLockstep, 4)

	// Missing a modality the segment carries.
	mods := DefaultModalities(8, 8)[:3]
	if _, err := Attach(name, mods, AttachOptions{AttachTimeout: time.Second}); !errors.Is(err, shm.ErrSegmentVersionMismatch) {
		t.Errorf("Attach missing Semantic = %v, want ErrSegmentVersionMismatch", err)
	}

	// Wrong geometry.
	mods = DefaultModalities(16, 16)
	if _, err := Attach(name, mods, AttachOptions{AttachTimeout: time.Second}); !errors.Is(err, shm.ErrSegmentVersionMismatch) {
		t.Errorf("Attach wrong geometry = %v, want ErrSegmentVersionMismatch", err)
	}
}

func TestAttachRefusesSecondConsumer(t *testing.T) {
	_, _, name := newTestProducer(t, ModeLockstep, 4)
	attachTestConsumer(t, name)

	if _, err := Attach(name, DefaultModalities(8, 8), AttachOptions{AttachTimeout: time.Second}); !errors.Is(err, ErrConsumerAttached) {
		t.Fatalf("second Attach = %v, want ErrConsumerAttached", err)
	}
}

func TestAttachMissingSegmentTimesOut(t *testing.T) {
	_, err := Attach(testSegName(t), DefaultModalities(8, 8), AttachOptions{AttachTimeout: 50 * time.Millisecond})
	if !errors.Is(err, shm.ErrSegmentNotFound) {
		t.Fatalf("Attach = %v, want ErrSegmentNotFound", err)
	}
}

func TestParametrize(t *testing.T) {
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	params := DefaultSimParams()
	params.MoveSpeed = 12.5
	params.SpawnVehicles = false
	params.ImageWidth, params.ImageHeight = 8, 8

	if err := c.Parametrize(context.Background(), params); err != nil {
		t.Fatalf("Parametrize failed: %v", err)
	}

	world.mu.Lock()
	defer world.mu.Unlock()
	if len(world.params) != 1 {
		t.Fatalf("world received %d parameter sets, want 1", len(world.params))
	}
	if got := world.params[0]; got != params {
		t.Errorf("applied params = %+v, want %+v", got, params)
	}
	if c.seg.ParamState() != ParamStateIdle {
		t.Errorf("param state = %d after ack, want idle", c.seg.ParamState())
	}
}

func TestParametrizeGeometryOverridden(t *testing.T) {
	// The segment's modality table is fixed at create time. A parameter set
	// asking for a different raster or modality mix must be forced back to
	// the table before it reaches the world, and the producer must keep
	// serving frames afterwards.
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	params := DefaultSimParams() // 64x64 against an 8x8 segment
	params.Semantic = false
	params.MoveSpeed = 3.25

	if err := c.Parametrize(context.Background(), params); err != nil {
		t.Fatalf("Parametrize failed: %v", err)
	}
	if _, err := c.Step(context.Background(), Action{Forward: 1}); err != nil {
		t.Fatalf("Step after mismatched params failed: %v", err)
	}

	world.mu.Lock()
	defer world.mu.Unlock()
	if len(world.params) != 1 {
		t.Fatalf("world received %d parameter sets, want 1", len(world.params))
	}
	got := world.params[0]
	if got.ImageWidth != 8 || got.ImageHeight != 8 {
		t.Errorf("applied geometry = %dx%d, want 8x8", got.ImageWidth, got.ImageHeight)
	}
	if !got.Semantic {
		t.Error("Semantic disabled despite the segment carrying a semantic ring")
	}
	if got.MoveSpeed != 3.25 {
		t.Errorf("MoveSpeed = %v, want 3.25 (non-layout fields pass through)", got.MoveSpeed)
	}
}

func TestControlCalls(t *testing.T) {
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	ctx := context.Background()
	if err := c.MovePlayerTo(ctx, 10, 2, -3); err != nil {
		t.Fatalf("MovePlayerTo failed: %v", err)
	}
	if err := c.RebuildChunks(ctx); err != nil {
		t.Fatalf("RebuildChunks failed: %v", err)
	}

	world.mu.Lock()
	defer world.mu.Unlock()
	if len(world.teleports) != 1 || world.teleports[0] != [3]float32{10, 2, -3} {
		t.Errorf("teleports = %v, want one to (10, 2, -3)", world.teleports)
	}
	if world.rebuilds != 1 {
		t.Errorf("rebuilds = %d, want 1", world.rebuilds)
	}
	if got := c.seg.ControlFunc(); got != 0 {
		t.Errorf("control func = %d after ack, want 0", got)
	}
}

func TestForceRenderDoesNotAdvance(t *testing.T) {
	p, world, name := newTestProducer(t, ModeLockstep, 4)
	serveProducer(t, p)
	c := attachTestConsumer(t, name)

	ctx := context.Background()
	if _, err := c.Step(ctx, Action{Forward: 1}); err != nil {
		t.Fatal(err)
	}
	before := c.seg.PublishedSeq()

	if err := c.ForceRender(ctx); err != nil {
		t.Fatalf("ForceRender failed: %v", err)
	}
	if got := c.seg.PublishedSeq(); got != before {
		t.Errorf("published seq moved from %d to %d on force render", before, got)
	}
	if world.advances != 1 {
		t.Errorf("world advanced %d times, want 1", world.advances)
	}
}

func TestShutdownRefusedWhileAttached(t *testing.T) {
	world := &testWorld{}
	name := testSegName(t)
	p, err := NewProducer(Config{
		SegmentName:   name,
		Modalities:    DefaultModalities(8, 8),
		RingDepth:     2,
		ShutdownGrace: 30 * time.Millisecond,
	}, world)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	defer shm.RemoveSegment(name)

	c := attachTestConsumer(t, name)

	ctx := context.Background()
	if err := p.Shutdown(ctx); !errors.Is(err, ErrConsumerAttached) {
		t.Fatalf("Shutdown while attached = %v, want ErrConsumerAttached", err)
	}

	if err := c.Detach(); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown after detach failed: %v", err)
	}
	if shm.SegmentExists(name) {
		t.Error("segment file survived shutdown")
	}
}

func TestStepAfterDetach(t *testing.T) {
	_, _, name := newTestProducer(t, ModeLockstep, 4)
	c := attachTestConsumer(t, name)
	if err := c.Detach(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Step(context.Background(), Action{}); !errors.Is(err, ErrDetached) {
		t.Fatalf("Step after detach = %v, want ErrDetached", err)
	}
	// Second detach is a no-op.
	if err := c.Detach(); err != nil {
		t.Fatal(err)
	}
}

func TestLogDrain(t *testing.T) {
	p, _, name := newTestProducer(t, ModeLockstep, 4)
	c := attachTestConsumer(t, name)

	p.Logf("tick %d ready", 42)
	p.Logf("goal reached")

	lines := c.DrainLogs()
	if len(lines) != 2 || lines[0] != "tick 42 ready" || lines[1] != "goal reached" {
		t.Fatalf("DrainLogs = %q", lines)
	}
}
