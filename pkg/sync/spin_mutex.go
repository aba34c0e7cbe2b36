// Copyright 2025 The osmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"runtime"
	"sync/atomic"
)

// SpinMutex is a non-blocking exclusive lock built on a single word.
//
// It exists for critical sections that are short and touch only a few
// cache lines, such as mutating one page table node. Lock acquisition
// has acquire semantics and Unlock has release semantics, so writes
// made under the lock are visible to the next holder.
//
// The zero value is unlocked. A SpinMutex must not be copied after
// first use.
type SpinMutex struct {
	v atomic.Uint32
}

// spinsBeforeYield bounds busy-waiting before ceding the processor.
const spinsBeforeYield = 100

// Lock acquires m, spinning until it is available.
func (m *SpinMutex) Lock() {
	spins := 0
	for !m.v.CompareAndSwap(0, 1) {
		spins++
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock acquires m if it is free and returns whether it did.
func (m *SpinMutex) TryLock() bool {
	return m.v.CompareAndSwap(0, 1)
}

// Unlock releases m.
//
// Preconditions: m is locked by the caller.
func (m *SpinMutex) Unlock() {
	if m.v.Swap(0) != 1 {
		panic("SpinMutex: unlock of unlocked mutex")
	}
}

// IsLocked returns whether m is currently held. The answer is
// inherently racy and only useful for assertions.
func (m *SpinMutex) IsLocked() bool {
	return m.v.Load() != 0
}
