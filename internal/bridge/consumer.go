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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliassarbout/CityOfLight/internal/shm"
)

// AttachOptions tunes consumer attach and step behavior.
type AttachOptions struct {
	// StepTimeout bounds a single Step round trip. Expiry yields
	// ErrProducerStalled with the segment left intact.
	StepTimeout time.Duration

	// AttachTimeout bounds how long Attach retries a missing or
	// not-yet-ready segment before giving up.
	AttachTimeout time.Duration

	// HandshakeTimeout bounds Parametrize and Call acknowledgement waits.
	HandshakeTimeout time.Duration

	// RingDepth, when non-zero, requires the segment's ring depth to match.
	RingDepth uint32

	// Logger receives consumer diagnostics; nil means no logging.
	Logger *zap.Logger
}

func (o *AttachOptions) applyDefaults() {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 5 * time.Second
	}
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// attachPoll is the retry period while waiting for the segment file to appear.
const attachPoll = 10 * time.Millisecond

// Consumer is the reading side of the bridge. At most one consumer may be
// attached to a segment at a time; a Consumer is not safe for concurrent use.
type Consumer struct {
	name string
	opts AttachOptions
	log  *zap.Logger
	seg  *shm.Segment

	lastSeq    uint64 // last frame sequence observed
	nextAction uint64 // next action sequence to submit
}

// Attach opens the named segment, validates it against the expected modality
// table and registers this process as the consumer. The expected table must
// match the segment's exactly, entry for entry; a segment carrying a modality
// the caller did not ask for is a mismatch too.
func Attach(name string, expected []shm.Modality, opts AttachOptions) (*Consumer, error) {
	opts.applyDefaults()
	log := opts.Logger
	deadline := time.Now().Add(opts.AttachTimeout)

	var seg *shm.Segment
	for {
		var err error
		seg, err = shm.OpenSegment(name)
		if err == nil {
			break
		}
		if !errors.Is(err, shm.ErrSegmentNotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %q after %s", shm.ErrSegmentNotFound, name, opts.AttachTimeout)
		}
		time.Sleep(attachPoll)
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := seg.WaitProducerReady(ctx); err != nil {
		seg.Close()
		return nil, fmt.Errorf("producer not ready: %w", err)
	}

	if err := matchModalities(expected, seg.Modalities()); err != nil {
		seg.Close()
		return nil, err
	}
	if opts.RingDepth != 0 && seg.RingDepth() != opts.RingDepth {
		got := seg.RingDepth()
		seg.Close()
		return nil, fmt.Errorf("%w: segment ring depth %d, expected %d",
			shm.ErrSegmentVersionMismatch, got, opts.RingDepth)
	}

	if seg.ConsumerAttached() {
		pid := seg.ConsumerPID()
		seg.Close()
		return nil, fmt.Errorf("%w: pid %d", ErrConsumerAttached, pid)
	}

	seg.SetConsumerPID(uint32(os.Getpid()))
	seg.SetConsumerAttached(true)

	c := &Consumer{
		name:       name,
		opts:       opts,
		log:        log,
		seg:        seg,
		lastSeq:    seg.PublishedSeq(),
		nextAction: seg.PendingActionSeq(),
	}
	log.Info("attached to segment",
		zap.String("name", name),
		zap.String("instance", c.InstanceID().String()),
		zap.Uint64("published_seq", c.lastSeq),
		zap.Int("modalities", len(seg.Modalities())))
	return c, nil
}

// matchModalities requires an exact table match, including order. An omitted
// or extra modality would silently skew every consumer-side stride
// calculation, so it is an attach-time error.
func matchModalities(expected, got []shm.Modality) error {
	if len(expected) != len(got) {
		return fmt.Errorf("%w: segment has %d modalities, expected %d",
			shm.ErrSegmentVersionMismatch, len(got), len(expected))
	}
	for i := range expected {
		if expected[i] != got[i] {
			return fmt.Errorf("%w: modality %d is %+v, expected %+v",
				shm.ErrSegmentVersionMismatch, i, got[i], expected[i])
		}
	}
	return nil
}

// InstanceID returns the segment's identity assigned at creation. A change
// across reconnects means the producer restarted.
func (c *Consumer) InstanceID() uuid.UUID {
	return uuid.UUID(c.seg.InstanceID())
}

// Seq returns the last frame sequence this consumer observed.
func (c *Consumer) Seq() uint64 { return c.lastSeq }

// Step submits one action and blocks until the producer publishes the tick
// that consumed it, returning that tick's frames. One Step, one simulation
// tick, frame-exact. On deadline expiry it returns ErrProducerStalled; the
// attachment stays valid and the caller may retry.
func (c *Consumer) Step(ctx context.Context, a Action) (*FrameSet, error) {
	if c.seg == nil {
		return nil, ErrDetached
	}

	actionSeq := c.nextAction + 1
	encodeAction(c.seg.ActionBytes(), actionSeq, a)
	c.seg.SubmitActionSeq(actionSeq)
	c.nextAction = actionSeq

	deadline := time.Now().Add(c.opts.StepTimeout)
	last := c.lastSeq
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no tick for action %d within %s",
				ErrProducerStalled, actionSeq, c.opts.StepTimeout)
		}
		seq, err := c.seg.WaitPublishedAbove(ctx, last, remaining)
		if errors.Is(err, shm.ErrWaitTimeout) {
			return nil, fmt.Errorf("%w: no tick for action %d within %s",
				ErrProducerStalled, actionSeq, c.opts.StepTimeout)
		}
		if err != nil {
			return nil, err
		}
		// A publish can predate our submission (free-run, or a racing force
		// render); only the tick that consumed our action completes the step.
		if c.seg.ConsumedActionSeq() >= actionSeq {
			return c.frameSetAt(seq)
		}
		last = seq
	}
}

// Latest blocks until the producer publishes a tick newer than the last one
// this consumer returned, then assembles its frames. Intended for free-run
// mode, where the producer advances on its own clock. If the producer laps
// the ring while the frame set is being assembled, Latest retries on the
// fresher publication; a slot that stays unreadable at a stable sequence
// yields ErrStaleFrame.
func (c *Consumer) Latest(ctx context.Context) (*FrameSet, error) {
	if c.seg == nil {
		return nil, ErrDetached
	}
	deadline := time.Now().Add(c.opts.StepTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no tick past seq %d within %s",
				ErrProducerStalled, c.lastSeq, c.opts.StepTimeout)
		}
		seq, err := c.seg.WaitPublishedAbove(ctx, c.lastSeq, remaining)
		if errors.Is(err, shm.ErrWaitTimeout) {
			return nil, fmt.Errorf("%w: no tick past seq %d within %s",
				ErrProducerStalled, c.lastSeq, c.opts.StepTimeout)
		}
		if err != nil {
			return nil, err
		}
		fs, err := c.frameSetAt(seq)
		if err == nil {
			return fs, nil
		}
		if !errors.Is(err, shm.ErrStaleFrame) {
			return nil, err
		}
		if c.seg.PublishedSeq() == seq {
			// Not a ring overrun; the slot is genuinely unreadable.
			return nil, err
		}
	}
}

// frameSetAt assembles zero-copy views of every modality for sequence seq.
func (c *Consumer) frameSetAt(seq uint64) (*FrameSet, error) {
	mods := c.seg.Modalities()
	views := make(map[string][]byte, len(mods))
	for i, m := range mods {
		v, err := c.seg.Ring(i).ReadSlot(seq)
		if err != nil {
			return nil, fmt.Errorf("modality %q seq %d: %w", m.Name, seq, err)
		}
		views[m.Name] = v
	}
	fs := &FrameSet{
		Seq:        seq,
		Views:      views,
		Pose:       poseFromArray(c.seg.Pose()),
		Collisions: c.seg.Collisions(),
	}
	c.lastSeq = seq
	return fs, nil
}

// Parametrize hands a parameter set to the producer and waits for the ack.
func (c *Consumer) Parametrize(ctx context.Context, p SimParams) error {
	if c.seg == nil {
		return ErrDetached
	}
	p.encode(c.seg.ParamsBytes())
	c.seg.SetParamState(ParamStatePending)

	if err := c.awaitHandshake(ctx, func() bool {
		return c.seg.ParamState() == ParamStateAcked
	}); err != nil {
		return fmt.Errorf("parametrize: %w", err)
	}
	c.seg.SetParamState(ParamStateIdle)
	c.log.Info("parameters acknowledged",
		zap.Uint32("image_width", p.ImageWidth),
		zap.Uint32("image_height", p.ImageHeight))
	return nil
}

// Call issues an out-of-band control call and waits for the producer to ack
// it by zeroing the function id. At most one call may be in flight.
func (c *Consumer) Call(ctx context.Context, fn ControlFunc, args [3]float32) error {
	if c.seg == nil {
		return ErrDetached
	}
	if fn == ControlNone {
		return fmt.Errorf("%w: control call with zero function id", shm.ErrConfiguration)
	}
	c.seg.SetControlArgs(args)
	c.seg.SetControlFunc(uint32(fn))

	if err := c.awaitHandshake(ctx, func() bool {
		return c.seg.ControlFunc() == 0
	}); err != nil {
		return fmt.Errorf("control %s: %w", fn, err)
	}
	return nil
}

// awaitHandshake polls done until it holds, the handshake deadline expires or
// the segment goes away.
func (c *Consumer) awaitHandshake(ctx context.Context, done func() bool) error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if done() {
			return nil
		}
		if c.seg.Closed() {
			return shm.ErrSegmentClosed
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no acknowledgement within %s", ErrProducerStalled, c.opts.HandshakeTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MovePlayerTo teleports the player to absolute world coordinates.
func (c *Consumer) MovePlayerTo(ctx context.Context, x, y, z float32) error {
	return c.Call(ctx, ControlMovePlayer, [3]float32{x, y, z})
}

// RotatePlayerTo sets the player's absolute Euler rotation.
func (c *Consumer) RotatePlayerTo(ctx context.Context, rx, ry, rz float32) error {
	return c.Call(ctx, ControlRotatePlayer, [3]float32{rx, ry, rz})
}

// MoveGoalTo relocates the goal marker.
func (c *Consumer) MoveGoalTo(ctx context.Context, x, y, z float32) error {
	return c.Call(ctx, ControlMoveGoal, [3]float32{x, y, z})
}

// ForceRender re-renders the current frame without advancing the simulation.
func (c *Consumer) ForceRender(ctx context.Context) error {
	return c.Call(ctx, ControlForceRender, [3]float32{})
}

// RebuildChunks asks the world to rebuild its chunk set around the player.
func (c *Consumer) RebuildChunks(ctx context.Context) error {
	return c.Call(ctx, ControlRebuildChunks, [3]float32{})
}

// PromoteChunk promotes the indexed chunk to full detail.
func (c *Consumer) PromoteChunk(ctx context.Context, idx int) error {
	return c.Call(ctx, ControlPromoteChunk, [3]float32{float32(idx), 0, 0})
}

// Pose returns the player pose as of the last publish.
func (c *Consumer) Pose() Pose {
	return poseFromArray(c.seg.Pose())
}

// Collisions returns the collision flags as of the last publish.
func (c *Consumer) Collisions() [16]byte {
	return c.seg.Collisions()
}

// DrainLogs pulls any simulator log lines accumulated in the segment's log
// ring since the previous drain.
func (c *Consumer) DrainLogs() []string {
	if c.seg == nil {
		return nil
	}
	return c.seg.LogRing().Drain()
}

// Detach releases the segment. The backing file stays; only the producer may
// remove it. Safe to call twice.
func (c *Consumer) Detach() error {
	if c.seg == nil {
		return nil
	}
	c.seg.SetConsumerAttached(false)
	c.seg.SetConsumerPID(0)
	err := c.seg.Close()
	c.seg = nil
	c.log.Info("detached from segment", zap.String("name", c.name))
	return err
}
