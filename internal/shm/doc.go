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

// Package shm provides the shared memory segment that connects the simulator
// process to its consumer process.
//
// A segment is a memory-mapped file holding a versioned header, a simulation
// parameter block, an action record, a modality table, a log ring and one
// slot ring per sensor modality. The producer renders frames directly into
// ring slots; the consumer maps the same file and reads the slots without
// copying. Cross-process signaling uses a small set of monotonically
// increasing counters with single-writer discipline plus futex-backed waits,
// never a lock shared across the process boundary.
package shm
