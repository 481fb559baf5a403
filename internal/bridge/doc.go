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

// Package bridge implements the deterministic step protocol between the
// simulator producer and its single consumer over a shared memory segment.
//
// The producer side (Producer) drives the simulation tick: apply the pending
// action, advance the world by exactly one fixed timestep, render every
// registered modality into the next ring slot, then publish the new sequence
// number as the final write of the tick. The consumer side (Consumer) submits
// one action per step and maps published slots into zero-copy frame views.
// One submitted action maps to exactly one published sequence, never zero and
// never more than one.
package bridge
