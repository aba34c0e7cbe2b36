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

package paging

// Paddr is a physical address: a byte offset into the physical frame
// pool.
type Paddr uint64

// Vaddr is a virtual address in some address space.
type Vaddr uint64

// RoundDown returns the address rounded down to the nearest page
// boundary.
func (p Paddr) RoundDown() Paddr {
	return p &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is false iff rounding up wrapped around.
func (p Paddr) RoundUp() (addr Paddr, ok bool) {
	addr = (p + PageSize - 1).RoundDown()
	return addr, addr >= p
}

// PageAligned returns true if p is a multiple of PageSize.
func (p Paddr) PageAligned() bool {
	return p&(PageSize-1) == 0
}

// PageIndex returns the index of the frame containing p.
func (p Paddr) PageIndex() uint64 {
	return uint64(p) >> PageShift
}

// AddLength returns p+length and whether the computation overflowed.
func (p Paddr) AddLength(length uint64) (end Paddr, ok bool) {
	end = p + Paddr(length)
	return end, end >= p
}

// RoundDown returns the address rounded down to the nearest page
// boundary.
func (v Vaddr) RoundDown() Vaddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is false iff rounding up wrapped around.
func (v Vaddr) RoundUp() (addr Vaddr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	return addr, addr >= v
}

// PageAligned returns true if v is a multiple of PageSize.
func (v Vaddr) PageAligned() bool {
	return v&(PageSize-1) == 0
}

// HugeRoundDown returns the address rounded down to the nearest huge
// page boundary.
func (v Vaddr) HugeRoundDown() Vaddr {
	return v &^ (HugePageSize - 1)
}

// AlignDown returns the address rounded down to a multiple of align,
// which must be a power of two.
func (v Vaddr) AlignDown(align uint64) Vaddr {
	return v &^ Vaddr(align-1)
}

// AlignUp returns the address rounded up to a multiple of align, which
// must be a power of two. ok is false iff the computation wrapped.
func (v Vaddr) AlignUp(align uint64) (Vaddr, bool) {
	addr := (v + Vaddr(align) - 1).AlignDown(align)
	return addr, addr >= v
}

// AddLength returns v+length and whether the computation overflowed.
func (v Vaddr) AddLength(length uint64) (end Vaddr, ok bool) {
	end = v + Vaddr(length)
	return end, end >= v
}
