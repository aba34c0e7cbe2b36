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

// Package paging defines the basic address types and paging constants
// shared by the physical frame pool, the page table and the virtual
// memory objects.
package paging

// Paging geometry. The numbers describe a conventional 4-level, 4 KiB
// radix tree; nothing outside this package depends on them being any
// particular hardware's.
const (
	// PageShift is the log2 of PageSize.
	PageShift = 12

	// PageSize is the size of a base page in bytes.
	PageSize = 1 << PageShift

	// EntryBits is the log2 of the number of entries in one page table
	// node.
	EntryBits = 9

	// EntriesPerNode is the number of entries in one page table node.
	EntriesPerNode = 1 << EntryBits

	// NumLevels is the number of page table levels. Level 1 maps base
	// pages; level NumLevels is the root.
	NumLevels = 4

	// HugePageShift is the log2 of HugePageSize.
	HugePageShift = PageShift + EntryBits

	// HugePageSize is the size of a level-2 ("huge") page in bytes.
	HugePageSize = 1 << HugePageShift

	// VaddrBits is the number of virtual address bits translated by a
	// full walk.
	VaddrBits = PageShift + NumLevels*EntryBits

	// SpaceSize is the size of the virtual address space in bytes.
	SpaceSize = uint64(1) << VaddrBits
)

// Level is a paging level. Valid levels are 1 through NumLevels.
type Level uint8

// PageSizeAt returns the number of bytes mapped by one entry at the
// given level.
func PageSizeAt(level Level) uint64 {
	return uint64(PageSize) << (EntryBits * (level - 1))
}

// CanHugeMap returns true if the given level supports terminal (huge)
// mappings in this geometry. Only levels 1 and 2 do.
func CanHugeMap(level Level) bool {
	return level <= 2
}
