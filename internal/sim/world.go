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

// Package sim is a deterministic procedural city: a chunked building grid,
// scripted pedestrians and vehicles, a goal marker and a player with momentum
// kinematics. Every tick is a pure function of (prior state, action, tick
// seed), so a replayed action sequence reproduces the run bit for bit.
package sim

import (
	"math"
	"sync"

	"github.com/iliassarbout/CityOfLight/internal/bridge"
)

const (
	// gridSize is the city extent in chunks per side.
	gridSize = 16

	// chunkSize is the world-unit extent of one chunk.
	chunkSize = 8.0

	// agentCount is the number of pedestrians and of vehicles each.
	agentCount = 24

	// playerRadius pads building collision tests.
	playerRadius = 0.35
)

// Collision flag byte indices within the 16-byte collision block.
const (
	collBuilding = 0
	collGround   = 1
	collCeiling  = 2
	collAgent    = 3
	collBoundary = 4
)

// chunk is one cell of the city grid.
type chunk struct {
	height   float32 // building height, 0 for open ground
	label    byte    // semantic class
	promoted bool    // full-detail flag, toggled via control calls
}

// agent is a pedestrian or vehicle walking a deterministic path.
type agent struct {
	x, z     float32
	dx, dz   float32
	speed    float32
	vehicle  bool
	disabled bool
}

// World is a procedural city simulation. Safe for the single-producer tick
// loop plus concurrent control calls.
type World struct {
	mu sync.Mutex

	params bridge.SimParams

	// Player state.
	px, py, pz    float32
	yaw, pitch    float32
	vx, vy, vz    float32 // velocity carried across ticks by momentum
	gx, gy, gz    float32 // goal marker
	collisions    [16]byte
	ticksAdvanced uint64

	chunks [gridSize][gridSize]chunk
	agents []agent

	// gen counts world mutations; the renderer caches ray hits per gen so
	// the four modalities of one tick share a single ray march.
	gen   uint64
	cache renderCache
}

// NewWorld builds the city from the parameter set's spawn seed state.
func NewWorld(params bridge.SimParams) *World {
	w := &World{params: params}
	w.reset()
	return w
}

// reset rebuilds chunks and agents and respawns the player. Callers hold mu
// or have exclusive access.
func (w *World) reset() {
	w.px, w.py, w.pz = w.params.StartX, w.params.StartY, w.params.StartZ
	w.yaw, w.pitch = 0, 0
	w.vx, w.vy, w.vz = 0, 0, 0
	w.gx, w.gy, w.gz = chunkSize*gridSize/2, 0, chunkSize*gridSize/2
	w.collisions = [16]byte{}
	w.buildChunks()
	w.spawnAgents()
	w.gen++
}

// buildChunks lays the city grid out from a fixed seed so every instance of
// the same parameter set sees the same skyline.
func (w *World) buildChunks() {
	rng := newRand(0xC17F0F11)
	for i := 0; i < gridSize; i++ {
		for j := 0; j < gridSize; j++ {
			r := rng.next()
			c := &w.chunks[i][j]
			switch {
			case i%4 == 0 || j%4 == 0:
				// Street.
				c.height = 0
				c.label = labelRoad
			case r%5 == 0:
				// Park.
				c.height = 0
				c.label = labelPark
			default:
				c.height = 4 + float32(r%48)
				c.label = labelBuilding
			}
			c.promoted = false
		}
	}
}

// spawnAgents places pedestrians and vehicles on the street lattice.
func (w *World) spawnAgents() {
	w.agents = w.agents[:0]
	rng := newRand(0xA93E57)
	spawn := func(n int, vehicle bool, speed float32) {
		for k := 0; k < n; k++ {
			r := rng.next()
			lane := float32(4*(r%4)) * chunkSize
			along := float32(rng.next()%uint64(gridSize*int(chunkSize))) // deterministic offset
			a := agent{speed: speed, vehicle: vehicle}
			if r%2 == 0 {
				a.x, a.z = lane, along
				a.dx, a.dz = 0, 1
			} else {
				a.x, a.z = along, lane
				a.dx, a.dz = 1, 0
			}
			if r%3 == 0 {
				a.dx, a.dz = -a.dx, -a.dz
			}
			a.disabled = (vehicle && !w.params.SpawnVehicles) || (!vehicle && !w.params.SpawnPedestrians)
			w.agents = append(w.agents, a)
		}
	}
	spawn(agentCount, false, 1.2)
	spawn(agentCount, true, 9.0)
}

// Advance moves the world one fixed timestep. Stochastic agent behavior
// draws only from tickSeed.
func (w *World) Advance(a bridge.Action, tickSeed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dt := w.params.FixedDeltaTime * w.params.SpeedFactor
	w.collisions = [16]byte{}
	w.ticksAdvanced++
	w.gen++

	// Turn, then derive the forward direction from the new yaw.
	w.yaw += a.Turn * w.params.TurnSpeed * dt
	w.yaw = wrapDegrees(w.yaw)
	rad := float64(w.yaw) * math.Pi / 180

	targetVX := a.Forward * w.params.MoveSpeed * float32(math.Sin(rad))
	targetVZ := a.Forward * w.params.MoveSpeed * float32(math.Cos(rad))
	targetVY := a.Vertical * w.params.VerticalSpeed
	if a.Gravity {
		targetVY -= 9.81 * dt
	}

	// Momentum blends the prior velocity toward the action's target.
	m := w.params.Momentum
	w.vx = m*w.vx + (1-m)*targetVX
	w.vy = m*w.vy + (1-m)*targetVY
	w.vz = m*w.vz + (1-m)*targetVZ

	w.moveWithCollisions(dt)
	w.advanceAgents(dt, tickSeed)
}

// moveWithCollisions integrates the player velocity, axis by axis, so a wall
// hit on one axis does not cancel sliding along the other.
func (w *World) moveWithCollisions(dt float32) {
	nx := w.px + w.vx*dt
	if w.blocked(nx, w.py, w.pz) {
		w.collisions[collBuilding] = 1
		w.vx = 0
	} else {
		w.px = nx
	}

	nz := w.pz + w.vz*dt
	if w.blocked(w.px, w.py, nz) {
		w.collisions[collBuilding] = 1
		w.vz = 0
	} else {
		w.pz = nz
	}

	ny := w.py + w.vy*dt
	switch {
	case ny < 0.2:
		w.py = 0.2
		w.vy = 0
		w.collisions[collGround] = 1
	case ny > 120:
		w.py = 120
		w.vy = 0
		w.collisions[collCeiling] = 1
	default:
		w.py = ny
	}

	limit := float32(gridSize) * chunkSize
	if w.px < 0 || w.px > limit || w.pz < 0 || w.pz > limit {
		w.px = clampf(w.px, 0, limit)
		w.pz = clampf(w.pz, 0, limit)
		w.collisions[collBoundary] = 1
	}
}

// blocked reports whether (x, y, z) padded by the player radius intersects a
// building volume.
func (w *World) blocked(x, y, z float32) bool {
	for _, dx := range [3]float32{-playerRadius, 0, playerRadius} {
		for _, dz := range [3]float32{-playerRadius, 0, playerRadius} {
			c := w.chunkAt(x+dx, z+dz)
			if c != nil && c.height > 0 && y < c.height {
				return true
			}
		}
	}
	return false
}

func (w *World) chunkAt(x, z float32) *chunk {
	i := int(x / chunkSize)
	j := int(z / chunkSize)
	if i < 0 || i >= gridSize || j < 0 || j >= gridSize {
		return nil
	}
	return &w.chunks[i][j]
}

// advanceAgents walks every agent along its lane, bouncing at the city edge.
// tickSeed drives the occasional direction flip so runs stay lively without
// wall-clock randomness.
func (w *World) advanceAgents(dt float32, tickSeed uint64) {
	rng := newRand(tickSeed)
	limit := float32(gridSize) * chunkSize
	for i := range w.agents {
		ag := &w.agents[i]
		if ag.disabled {
			continue
		}
		if rng.next()%997 == 0 {
			ag.dx, ag.dz = -ag.dx, -ag.dz
		}
		ag.x += ag.dx * ag.speed * dt
		ag.z += ag.dz * ag.speed * dt
		if ag.x < 0 || ag.x > limit {
			ag.dx = -ag.dx
			ag.x = clampf(ag.x, 0, limit)
		}
		if ag.z < 0 || ag.z > limit {
			ag.dz = -ag.dz
			ag.z = clampf(ag.z, 0, limit)
		}

		ddx, ddz := ag.x-w.px, ag.z-w.pz
		if ddx*ddx+ddz*ddz < 1.0 && w.py < 3 {
			w.collisions[collAgent] = 1
		}
	}
}

// Pose returns the player pose after the last Advance.
func (w *World) Pose() bridge.Pose {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bridge.Pose{X: w.px, Y: w.py, Z: w.pz, RotX: w.pitch, RotY: w.yaw, RotZ: 0}
}

// Collisions returns the collision flags raised by the last Advance.
func (w *World) Collisions() [16]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.collisions
}

// Ticks returns how many times Advance has run.
func (w *World) Ticks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticksAdvanced
}

// ApplyParams replaces the simulation parameters and respawns the world.
func (w *World) ApplyParams(p bridge.SimParams) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.params = p
	w.reset()
}

// Teleport moves the player to absolute coordinates, killing momentum.
func (w *World) Teleport(x, y, z float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.px, w.py, w.pz = x, y, z
	w.vx, w.vy, w.vz = 0, 0, 0
	w.gen++
}

// RotateTo sets the player's absolute rotation.
func (w *World) RotateTo(rx, ry, rz float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pitch = rx
	w.yaw = wrapDegrees(ry)
	_ = rz // roll is not simulated
	w.gen++
}

// MoveGoal relocates the goal marker.
func (w *World) MoveGoal(x, y, z float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gx, w.gy, w.gz = x, y, z
	w.gen++
}

// RebuildChunks regenerates the city grid around the current layout seed and
// demotes every chunk.
func (w *World) RebuildChunks() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buildChunks()
	w.gen++
}

// PromoteChunk flags the indexed chunk (row-major) as full detail.
func (w *World) PromoteChunk(idx int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < 0 || idx >= gridSize*gridSize {
		return
	}
	w.chunks[idx/gridSize][idx%gridSize].promoted = true
	w.gen++
}

// Goal returns the goal marker position.
func (w *World) Goal() (x, y, z float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gx, w.gy, w.gz
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func wrapDegrees(d float32) float32 {
	for d >= 360 {
		d -= 360
	}
	for d < 0 {
		d += 360
	}
	return d
}

// rand64 is a splitmix64 sequence generator. Deterministic, allocation-free
// and never shared, so each use site seeds its own.
type rand64 struct{ state uint64 }

func newRand(seed uint64) *rand64 { return &rand64{state: seed} }

func (r *rand64) next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
