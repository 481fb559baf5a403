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
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliassarbout/CityOfLight/internal/shm"
)

// Mode selects how the producer obtains actions.
type Mode int

const (
	// ModeLockstep blocks each tick until the consumer submits an action:
	// one Step, one tick, frame-exact.
	ModeLockstep Mode = iota

	// ModeFreeRun advances on a timer, reusing the last sampled action when
	// no new one has arrived. The consumer reads via Latest and may drop
	// frames on overrun.
	ModeFreeRun
)

func (m Mode) String() string {
	switch m {
	case ModeLockstep:
		return "lockstep"
	case ModeFreeRun:
		return "free-run"
	default:
		return "unknown"
	}
}

// Config configures a Producer.
type Config struct {
	// SegmentName names the shared memory segment.
	SegmentName string

	// Modalities is the immutable modality table. See DefaultModalities.
	Modalities []shm.Modality

	// RingDepth is the slot count per modality ring. Minimum 2.
	RingDepth uint32

	// LogCapacity sizes the log ring data area; 0 selects the default.
	LogCapacity uint64

	// Mode selects lockstep or free-run stepping.
	Mode Mode

	// TickInterval is the free-run tick period. Ignored in lockstep mode.
	TickInterval time.Duration

	// ShutdownGrace is how long Shutdown waits for the consumer to detach.
	ShutdownGrace time.Duration

	// Logger receives producer diagnostics; nil means no logging.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.SegmentName == "" {
		return fmt.Errorf("%w: empty segment name", shm.ErrConfiguration)
	}
	if c.Mode != ModeLockstep && c.Mode != ModeFreeRun {
		return fmt.Errorf("%w: unknown mode %d", shm.ErrConfiguration, c.Mode)
	}
	if c.Mode == ModeFreeRun && c.TickInterval <= 0 {
		c.TickInterval = time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// idleWait bounds the lockstep action wait so parameter and control
// handshakes are serviced while no step is in flight.
const idleWait = 5 * time.Millisecond

// actionSampleRetries bounds the re-read loop for an action record caught
// mid-overwrite.
const actionSampleRetries = 1000

// Producer owns the shared segment and drives the simulation tick:
// Idle -> ApplyingAction -> Simulating -> Rendering -> Publishing -> Idle.
// One sampled action maps to exactly one published sequence.
type Producer struct {
	cfg   Config
	log   *zap.Logger
	seg   *shm.Segment
	world World

	seq        uint64 // last published tick
	lastAction Action // reused in free-run when no new action arrived
	actionSeq  uint64 // last consumed action sequence
}

// NewProducer creates the shared segment and wraps it with a step
// coordinator for the given world.
func NewProducer(cfg Config, world World) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seg, err := shm.CreateSegment(cfg.SegmentName, cfg.Modalities, cfg.RingDepth, cfg.LogCapacity)
	if err != nil {
		return nil, err
	}
	p := &Producer{cfg: cfg, log: cfg.Logger, seg: seg, world: world}
	p.log.Info("segment created",
		zap.String("name", cfg.SegmentName),
		zap.String("path", seg.Path),
		zap.String("instance", p.InstanceID().String()),
		zap.Int("modalities", len(cfg.Modalities)),
		zap.Uint32("ring_depth", cfg.RingDepth),
		zap.Stringer("mode", cfg.Mode))
	return p, nil
}

// InstanceID returns the segment's identity assigned at creation.
func (p *Producer) InstanceID() uuid.UUID {
	return uuid.UUID(p.seg.InstanceID())
}

// Seq returns the last published tick sequence.
func (p *Producer) Seq() uint64 { return p.seq }

// Logf appends a line to the cross-process log ring.
func (p *Producer) Logf(format string, args ...any) {
	p.seg.LogRing().Append(fmt.Appendf(nil, format, args...))
}

// Serve runs the step loop until ctx is done or the segment is torn down.
func (p *Producer) Serve(ctx context.Context) error {
	var ticker *time.Ticker
	if p.cfg.Mode == ModeFreeRun {
		ticker = time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
	}

	for {
		if p.seg.Closed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		p.serviceParams()
		p.serviceControl()

		switch p.cfg.Mode {
		case ModeLockstep:
			_, err := p.seg.WaitPendingActionAbove(ctx, p.actionSeq, idleWait)
			if errors.Is(err, shm.ErrWaitTimeout) {
				continue // service handshakes again
			}
			if err != nil {
				// Teardown or cancellation, both terminal for the loop.
				return nil
			}
			seqA, a := p.sampleAction()
			if err := p.step(a, seqA); err != nil {
				return err
			}

		case ModeFreeRun:
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			seqA, a := p.lastActionOrPending()
			if err := p.step(a, seqA); err != nil {
				return err
			}
		}
	}
}

// step performs one full tick for the given action.
func (p *Producer) step(a Action, actionSeq uint64) error {
	// ApplyingAction: sanitize, never reject.
	clamped, adjusted := a.Clamp()
	if adjusted {
		p.log.Warn("action out of range, clamped",
			zap.Uint64("action_seq", actionSeq),
			zap.Float32("forward", clamped.Forward),
			zap.Float32("turn", clamped.Turn),
			zap.Float32("vertical", clamped.Vertical))
	}

	seq := p.seq + 1

	// Simulating: one fixed timestep, stochastic behavior seeded by the tick.
	p.world.Advance(clamped, tickSeed(seq))

	// Rendering: every modality into the slot for seq.
	for i, m := range p.seg.Modalities() {
		ring := p.seg.Ring(i)
		dst := ring.WriteSlot(seq)
		if err := p.world.RenderModality(m.Name, dst); err != nil {
			return fmt.Errorf("render %q for seq %d: %w", m.Name, seq, err)
		}
		ring.Publish(seq)
	}

	// Publishing: telemetry and counters, publishedSeq strictly last.
	p.seg.SetPose(p.world.Pose().array())
	p.seg.SetCollisions(p.world.Collisions())
	p.seg.SetConsumedActionSeq(actionSeq)
	p.seg.PublishSeq(seq)

	p.seq = seq
	p.lastAction = clamped
	p.actionSeq = actionSeq
	return nil
}

// sampleAction reads a consistent snapshot of the action record. The record
// carries its own sequence stamp; a sample is consistent when that stamp
// matches pendingActionSeq. Two back-to-back submissions coalesce here: the
// latest one wins, earlier ones are never applied.
func (p *Producer) sampleAction() (uint64, Action) {
	for i := 0; i < actionSampleRetries; i++ {
		pending := p.seg.PendingActionSeq()
		recSeq, a := decodeAction(p.seg.ActionBytes())
		if recSeq == pending && pending == p.seg.PendingActionSeq() {
			return pending, a
		}
		runtime.Gosched()
	}
	// Record never settled (consumer died mid-write?). Reuse the last good
	// action so the tick still happens.
	p.log.Warn("action record unstable, reusing last action",
		zap.Uint64("pending_seq", p.seg.PendingActionSeq()))
	return p.seg.PendingActionSeq(), p.lastAction
}

// lastActionOrPending returns a freshly submitted action if one arrived,
// otherwise the last applied action (free-run reuse).
func (p *Producer) lastActionOrPending() (uint64, Action) {
	if p.seg.PendingActionSeq() > p.actionSeq {
		return p.sampleAction()
	}
	return p.actionSeq, p.lastAction
}

// serviceParams applies a pending parameter blob and acks it. Malformed
// input is sanitized, never rejected: the handshake always reaches the ack.
func (p *Producer) serviceParams() {
	if p.seg.ParamState() != ParamStatePending {
		return
	}
	params, adjusted := p.fitParamsToSegment(decodeSimParams(p.seg.ParamsBytes()))
	if adjusted {
		p.log.Warn("parameters conflict with segment layout, overridden",
			zap.Uint32("image_width", params.ImageWidth),
			zap.Uint32("image_height", params.ImageHeight))
	}
	if pz, ok := p.world.(Parametrizable); ok {
		pz.ApplyParams(params)
		p.log.Info("simulation parameters applied",
			zap.Float32("speed_factor", params.SpeedFactor),
			zap.Uint32("image_width", params.ImageWidth),
			zap.Uint32("image_height", params.ImageHeight))
	} else {
		p.log.Warn("world does not accept parameters, acking anyway")
	}
	p.seg.SetParamState(ParamStateAcked)
}

// fitParamsToSegment forces the geometry and modality-enable fields of a
// consumer-sent parameter set to the segment's modality table. The table is
// immutable after create; a parameter blob asking for different rasters must
// not be allowed to skew the world's frame geometry away from the slot
// strides it renders into.
func (p *Producer) fitParamsToSegment(params SimParams) (SimParams, bool) {
	mods := p.seg.Modalities()
	adjusted := false

	if w, h := mods[0].Width, mods[0].Height; params.ImageWidth != w || params.ImageHeight != h {
		params.ImageWidth, params.ImageHeight = w, h
		adjusted = true
	}

	present := make(map[string]bool, len(mods))
	for _, m := range mods {
		present[m.Name] = true
	}
	fit := func(enabled *bool, name string) {
		if *enabled != present[name] {
			*enabled = present[name]
			adjusted = true
		}
	}
	fit(&params.RGB, ModalityRGB)
	fit(&params.Depth, ModalityDepth)
	fit(&params.Normals, ModalityNormals)
	fit(&params.Semantic, ModalitySemantic)

	return params, adjusted
}

// serviceControl executes one pending control call and acks it by zeroing
// the function id.
func (p *Producer) serviceControl() {
	fn := ControlFunc(p.seg.ControlFunc())
	if fn == ControlNone {
		return
	}
	args := p.seg.ControlArgs()

	wc, controllable := p.world.(WorldController)
	switch {
	case fn == ControlForceRender:
		p.forceRender()
	case !controllable:
		p.log.Warn("world does not accept control calls", zap.Stringer("func", fn))
	case fn == ControlMovePlayer:
		wc.Teleport(args[0], args[1], args[2])
	case fn == ControlRotatePlayer:
		wc.RotateTo(args[0], args[1], args[2])
	case fn == ControlMoveGoal:
		wc.MoveGoal(args[0], args[1], args[2])
	case fn == ControlRebuildChunks:
		wc.RebuildChunks()
	case fn == ControlPromoteChunk:
		wc.PromoteChunk(int(args[0]))
	default:
		p.log.Warn("unknown control call", zap.Uint32("func", uint32(fn)))
	}

	p.seg.SetPose(p.world.Pose().array())
	p.seg.SetControlFunc(0)
}

// forceRender re-renders every modality for the current sequence without
// advancing the world. publishedSeq is untouched.
func (p *Producer) forceRender() {
	for i, m := range p.seg.Modalities() {
		ring := p.seg.Ring(i)
		dst := ring.WriteSlot(p.seq)
		if err := p.world.RenderModality(m.Name, dst); err != nil {
			p.log.Warn("force render failed", zap.String("modality", m.Name), zap.Error(err))
		}
		ring.Publish(p.seq)
	}
}

// Shutdown tears the segment down. It fails with ErrConsumerAttached if a
// consumer is still attached after the grace window; the producer owns the
// segment lifetime, but never yanks it from under a live reader. Call only
// after Serve has returned.
func (p *Producer) Shutdown(ctx context.Context) error {
	if p.seg == nil {
		return nil
	}
	if p.seg.ConsumerAttached() && !p.seg.WaitConsumerDetached(ctx, p.cfg.ShutdownGrace) {
		return fmt.Errorf("%w: pid %d", ErrConsumerAttached, p.seg.ConsumerPID())
	}

	p.seg.SetClosed(true)
	err := p.seg.Close()
	p.seg = nil
	if rmErr := shm.RemoveSegment(p.cfg.SegmentName); err == nil {
		err = rmErr
	}
	p.log.Info("segment torn down", zap.String("name", p.cfg.SegmentName))
	return err
}

// tickSeed derives the deterministic per-tick random seed from the tick
// index (splitmix64 finalizer).
func tickSeed(seq uint64) uint64 {
	z := seq + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
