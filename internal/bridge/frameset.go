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

import "fmt"

// FrameSet is one published tick: a zero-copy view per modality plus the
// telemetry sampled with it.
//
// Aliasing contract: the views point directly into the shared segment and
// stay trustworthy only until the next Step or Latest call on the same
// consumer, because the producer may recycle the underlying ring slots on a
// future tick. Callers must finish using or copy the data before stepping
// again, or configure a ring depth large enough for their own latency.
type FrameSet struct {
	Seq        uint64
	Views      map[string][]byte
	Pose       Pose
	Collisions [16]byte
}

// View returns the frame bytes for a named modality.
func (f *FrameSet) View(name string) ([]byte, error) {
	v, ok := f.Views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModality, name)
	}
	return v, nil
}
