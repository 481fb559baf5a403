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

import "errors"

var (
	// ErrProducerStalled indicates the producer did not publish a tick within
	// the step deadline. The segment stays valid; the caller may retry.
	ErrProducerStalled = errors.New("bridge: producer stalled")

	// ErrConsumerAttached indicates a consumer still holds the segment, so
	// the requested operation (teardown or a second attach) is refused.
	ErrConsumerAttached = errors.New("bridge: consumer attached")

	// ErrDetached indicates the consumer handle was already detached.
	ErrDetached = errors.New("bridge: consumer detached")

	// ErrUnknownModality indicates a modality name absent from the segment.
	ErrUnknownModality = errors.New("bridge: unknown modality")
)
