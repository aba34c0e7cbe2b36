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

import "fmt"

// VaddrRange is a range of virtual addresses, [Start, End).
type VaddrRange struct {
	Start Vaddr
	End   Vaddr
}

// Length returns the length of the range.
func (r VaddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// IsEmpty returns true if the range contains no addresses.
func (r VaddrRange) IsEmpty() bool {
	return r.Start >= r.End
}

// WellFormed returns true if r.Start <= r.End.
func (r VaddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// PageAligned returns true if both endpoints are page-aligned.
func (r VaddrRange) PageAligned() bool {
	return r.Start.PageAligned() && r.End.PageAligned()
}

// Contains returns true if v is in r.
func (r VaddrRange) Contains(v Vaddr) bool {
	return r.Start <= v && v < r.End
}

// IsSupersetOf returns true if r contains every address in other.
func (r VaddrRange) IsSupersetOf(other VaddrRange) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// Overlaps returns true if r and other share any address.
func (r VaddrRange) Overlaps(other VaddrRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Intersect returns the intersection of r and other, which may be
// empty.
func (r VaddrRange) Intersect(other VaddrRange) VaddrRange {
	if r.Start < other.Start {
		r.Start = other.Start
	}
	if r.End > other.End {
		r.End = other.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// String implements fmt.Stringer.
func (r VaddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// PaddrRange is a range of physical addresses, [Start, End).
type PaddrRange struct {
	Start Paddr
	End   Paddr
}

// Length returns the length of the range.
func (r PaddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// IsEmpty returns true if the range contains no addresses.
func (r PaddrRange) IsEmpty() bool {
	return r.Start >= r.End
}

// PageAligned returns true if both endpoints are page-aligned.
func (r PaddrRange) PageAligned() bool {
	return r.Start.PageAligned() && r.End.PageAligned()
}

// String implements fmt.Stringer.
func (r PaddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
