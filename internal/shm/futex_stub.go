//go:build !linux || !(amd64 || arm64)

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
	"runtime"
	"sync/atomic"
	"time"
)

// Polling fallback for platforms without futex support. Waits degrade to a
// short sleep; callers already loop re-checking their logical condition.

const stubPollInterval = 200 * time.Microsecond

func futexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	runtime.Gosched()
	time.Sleep(stubPollInterval)
	return nil
}

func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	d := stubPollInterval
	if timeoutNs > 0 && time.Duration(timeoutNs) < d {
		d = time.Duration(timeoutNs)
	}
	time.Sleep(d)
	return nil
}

func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
