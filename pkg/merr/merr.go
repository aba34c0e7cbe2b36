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

// Package merr declares the sentinel errors shared by the memory core.
//
// Callers match them with errors.Is; packages wrap them with fmt.Errorf
// and %w to attach detail. Invariant violations that indicate caller
// bugs are not represented here: those panic.
package merr

import "errors"

var (
	// ErrInvalidArgument indicates a misaligned address, an empty or
	// overflowing byte range, or an out-of-bounds offset. Detected
	// eagerly; operations never silently truncate.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoMemory indicates that the physical frame pool cannot satisfy
	// an allocation.
	ErrNoMemory = errors.New("out of physical memory")

	// ErrNoVirtualSpace indicates that no fitting virtual address range
	// exists.
	ErrNoVirtualSpace = errors.New("no fitting virtual address range")

	// ErrIO indicates that a backing-store read or write completed with
	// failure.
	ErrIO = errors.New("I/O error")

	// ErrWouldBlock indicates that an operation cannot complete without
	// performing I/O and the caller asked not to block. It is a
	// control-flow signal, not a failure.
	ErrWouldBlock = errors.New("operation requires I/O")
)
