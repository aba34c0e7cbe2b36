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

// Package valloc allocates virtual address ranges out of an address
// space. The space is statically partitioned per CPU so the common
// case takes only the local partition's lock, with a cached
// known-free hint making it O(1); exhausted partitions fall back to
// searching other partitions and finally the whole space.
package valloc

import (
	"fmt"

	"github.com/google/btree"

	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/ptable"
	"osmem.dev/osmem/pkg/sync"
)

// Options configures an Allocator.
type Options struct {
	// Space is the overall allocatable range. It must be page-aligned
	// and initially unmapped and unreserved.
	Space paging.VaddrRange

	// NumCPUs is the number of per-CPU partitions to carve out of
	// Space.
	NumCPUs int
}

// partition is one CPU's slice of the space.
type partition struct {
	r paging.VaddrRange

	// mu guards hint and serializes allocation inside r. When several
	// partitions must be held at once they are acquired in index
	// order, and always before any page-table lock.
	mu sync.Mutex

	// hint is a sub-range known to hold no mappings and no
	// reservations, so allocation from it needs no search. It only
	// shrinks; searches establish a fresh one.
	hint paging.VaddrRange
}

// Allocator hands out disjoint virtual address ranges.
//
// The allocator's reservations are authoritative for non-overlap:
// a range stays unavailable from Allocate until Free, whether or not
// anything was mapped in it. The page table is consulted during
// searches so mappings installed without a reservation are stepped
// around rather than handed out.
type Allocator struct {
	space paging.VaddrRange
	parts []*partition

	// mu guards reserved.
	mu       sync.Mutex
	reserved *btree.BTreeG[paging.VaddrRange]
}

// New builds an Allocator over opts.Space. Partitions are sized to
// align on the most favorable paging-level boundary that still gives
// every CPU one partition; any tail left over is reachable only
// through the whole-space fallback.
func New(opts Options) (*Allocator, error) {
	s := opts.Space
	if !s.WellFormed() || s.IsEmpty() || !s.PageAligned() || uint64(s.End) > paging.SpaceSize {
		return nil, fmt.Errorf("bad allocator space %v: %w", s, merr.ErrInvalidArgument)
	}
	if opts.NumCPUs <= 0 {
		return nil, fmt.Errorf("bad CPU count %d: %w", opts.NumCPUs, merr.ErrInvalidArgument)
	}
	per := s.Length() / uint64(opts.NumCPUs)
	if per < paging.PageSize {
		return nil, fmt.Errorf("space %v too small for %d partitions: %w", s, opts.NumCPUs, merr.ErrInvalidArgument)
	}
	// Prefer partition strides that are whole subtrees, so partitions
	// share no page table nodes near the leaves.
	stride := uint64(paging.PageSize)
	for l := paging.Level(2); l <= paging.NumLevels-1; l++ {
		if sz := paging.PageSizeAt(l); sz <= per {
			stride = sz
		}
	}
	stride = per - per%stride
	a := &Allocator{
		space: s,
		reserved: btree.NewG(16, func(x, y paging.VaddrRange) bool {
			return x.Start < y.Start
		}),
	}
	for i := 0; i < opts.NumCPUs; i++ {
		r := paging.VaddrRange{
			Start: s.Start + paging.Vaddr(uint64(i)*stride),
			End:   s.Start + paging.Vaddr(uint64(i+1)*stride),
		}
		a.parts = append(a.parts, &partition{r: r, hint: r})
	}
	return a, nil
}

// PartitionOf returns the partition range assigned to cpu.
func (a *Allocator) PartitionOf(cpu int) paging.VaddrRange {
	return a.parts[cpu].r
}

// Allocate finds and reserves a free range of size bytes aligned to
// align (0 means page alignment), preferring cpu's partition and the
// highest fitting addresses. The reservation lasts until Free.
//
// Search order: cpu's known-free hint, then every other CPU's hint,
// then a page-table search of cpu's partition, then of every other
// partition, then of the whole space.
func (a *Allocator) Allocate(pt *ptable.PageTable, cpu int, size, align uint64) (paging.VaddrRange, error) {
	if err := checkSizeAlign(size, align); err != nil {
		return paging.VaddrRange{}, err
	}
	if cpu < 0 || cpu >= len(a.parts) {
		return paging.VaddrRange{}, fmt.Errorf("bad cpu %d: %w", cpu, merr.ErrInvalidArgument)
	}
	if align == 0 {
		align = paging.PageSize
	}

	order := make([]int, 0, len(a.parts))
	order = append(order, cpu)
	for i := range a.parts {
		if i != cpu {
			order = append(order, i)
		}
	}

	// Hints first: O(1), no page table involved.
	for _, i := range order {
		p := a.parts[i]
		p.mu.Lock()
		r, ok := a.allocFromHintLocked(p, size, align)
		p.mu.Unlock()
		if ok {
			return r, nil
		}
	}

	// Per-partition page table searches.
	for _, i := range order {
		p := a.parts[i]
		p.mu.Lock()
		alloc, gap, err := a.searchLocked(pt, p.r, size, align)
		if err == nil {
			a.reserve(alloc)
			a.rehintLocked(p, gap, alloc)
			p.mu.Unlock()
			return alloc, nil
		}
		p.mu.Unlock()
	}

	// Whole-space fallback. The search may cross partition boundaries,
	// so every partition lock is taken, in index order, before the
	// page table is walked.
	for _, p := range a.parts {
		p.mu.Lock()
	}
	defer func() {
		for i := len(a.parts) - 1; i >= 0; i-- {
			a.parts[i].mu.Unlock()
		}
	}()
	alloc, gap, err := a.searchLocked(pt, a.space, size, align)
	if err != nil {
		return paging.VaddrRange{}, fmt.Errorf("no free range of %#x bytes: %w", size, merr.ErrNoVirtualSpace)
	}
	a.reserve(alloc)
	for _, p := range a.parts {
		if p.r.IsSupersetOf(gap) {
			a.rehintLocked(p, gap, alloc)
		} else {
			p.excludeFromHint(alloc)
		}
	}
	return alloc, nil
}

// AllocateAt reserves the caller-chosen range r, which must be free of
// mappings and reservations. All partitions r touches are locked, in
// index order, before the page table is consulted.
func (a *Allocator) AllocateAt(pt *ptable.PageTable, r paging.VaddrRange) error {
	if !r.WellFormed() || r.IsEmpty() || !r.PageAligned() || !a.space.IsSupersetOf(r) {
		return fmt.Errorf("bad fixed range %v: %w", r, merr.ErrInvalidArgument)
	}
	locked := a.lockTouched(r)
	defer a.unlockTouched(locked)

	if a.overlapsReserved(r) {
		return fmt.Errorf("range %v overlaps a live reservation: %w", r, merr.ErrInvalidArgument)
	}
	if gap, err := pt.FindFreeGap(r, r.Length()); err != nil || gap != r {
		return fmt.Errorf("range %v is partly mapped: %w", r, merr.ErrInvalidArgument)
	}
	a.reserve(r)
	for _, p := range locked {
		p.excludeFromHint(r)
	}
	return nil
}

// Free releases a reservation made by Allocate or AllocateAt. The
// caller must have unmapped the range; freeing a range that was never
// reserved panics.
func (a *Allocator) Free(r paging.VaddrRange) {
	locked := a.lockTouched(r)
	defer a.unlockTouched(locked)

	a.mu.Lock()
	got, ok := a.reserved.Delete(paging.VaddrRange{Start: r.Start})
	a.mu.Unlock()
	if !ok || got != r {
		panic(fmt.Sprintf("valloc: free of unreserved range %v", r))
	}
}

func checkSizeAlign(size, align uint64) error {
	if size == 0 || size%paging.PageSize != 0 {
		return fmt.Errorf("bad allocation size %#x: %w", size, merr.ErrInvalidArgument)
	}
	if align != 0 && (align%paging.PageSize != 0 || align&(align-1) != 0) {
		return fmt.Errorf("bad allocation alignment %#x: %w", align, merr.ErrInvalidArgument)
	}
	return nil
}

// allocFromHintLocked bump-allocates from the top of p's hint.
// p.mu must be held.
func (a *Allocator) allocFromHintLocked(p *partition, size, align uint64) (paging.VaddrRange, bool) {
	if p.hint.Length() < size {
		return paging.VaddrRange{}, false
	}
	start := (p.hint.End - paging.Vaddr(size)).AlignDown(align)
	if start < p.hint.Start {
		return paging.VaddrRange{}, false
	}
	r := paging.VaddrRange{Start: start, End: start + paging.Vaddr(size)}
	p.hint.End = start
	a.reserve(r)
	return r, true
}

// rehintLocked points p's hint at the larger of the two pieces the
// allocation split its containing free gap into, so the next
// allocation hits the hint path. p.mu must be held.
func (a *Allocator) rehintLocked(p *partition, gap, alloc paging.VaddrRange) {
	below := paging.VaddrRange{Start: gap.Start, End: alloc.Start}.Intersect(p.r)
	above := paging.VaddrRange{Start: alloc.End, End: gap.End}.Intersect(p.r)
	best := below
	if above.Length() > below.Length() {
		best = above
	}
	p.excludeFromHint(alloc)
	if best.Length() > p.hint.Length() {
		p.hint = best
	}
}

// excludeFromHint shrinks the hint so it no longer intersects r,
// keeping the larger remaining piece. p.mu must be held.
func (p *partition) excludeFromHint(r paging.VaddrRange) {
	if !p.hint.Overlaps(r) {
		return
	}
	below := paging.VaddrRange{Start: p.hint.Start, End: r.Start}.Intersect(p.hint)
	above := paging.VaddrRange{Start: r.End, End: p.hint.End}.Intersect(p.hint)
	if above.Length() > below.Length() {
		p.hint = above
	} else {
		p.hint = below
	}
}

// searchLocked finds the highest free range of size bytes within
// limit: free of reservations by construction, and free of mappings by
// walking the page table over each reservation-free sub-gap. It
// returns the chosen range and the maximal free gap containing it.
// Every partition overlapping limit must be locked by the caller.
func (a *Allocator) searchLocked(pt *ptable.PageTable, limit paging.VaddrRange, size, align uint64) (paging.VaddrRange, paging.VaddrRange, error) {
	// Padding the wanted gap keeps the top-aligned placement inside
	// it.
	need := size
	if align > paging.PageSize {
		need += align - paging.PageSize
	}
	subEnd := limit.End
	try := func(subStart paging.Vaddr) (paging.VaddrRange, paging.VaddrRange, bool) {
		sub := paging.VaddrRange{Start: subStart, End: subEnd}
		if !sub.WellFormed() || sub.Length() < need {
			return paging.VaddrRange{}, paging.VaddrRange{}, false
		}
		gap, err := pt.FindFreeGap(sub, need)
		if err != nil {
			return paging.VaddrRange{}, paging.VaddrRange{}, false
		}
		start := (gap.End - paging.Vaddr(size)).AlignDown(align)
		return paging.VaddrRange{Start: start, End: start + paging.Vaddr(size)}, gap, true
	}
	for _, res := range a.reservedWithin(limit) {
		if alloc, gap, ok := try(res.End); ok {
			return alloc, gap, nil
		}
		subEnd = res.Start
		if subEnd < limit.Start {
			subEnd = limit.Start
		}
	}
	if alloc, gap, ok := try(limit.Start); ok {
		return alloc, gap, nil
	}
	return paging.VaddrRange{}, paging.VaddrRange{}, fmt.Errorf("no free range of %#x bytes in %v: %w", size, limit, merr.ErrNoVirtualSpace)
}

// reservedWithin returns the reservations overlapping limit, highest
// first.
func (a *Allocator) reservedWithin(limit paging.VaddrRange) []paging.VaddrRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []paging.VaddrRange
	a.reserved.DescendLessOrEqual(paging.VaddrRange{Start: limit.End}, func(r paging.VaddrRange) bool {
		if r.Overlaps(limit) {
			out = append(out, r)
		}
		return r.Start > limit.Start
	})
	return out
}

func (a *Allocator) overlapsReserved(r paging.VaddrRange) bool {
	return len(a.reservedWithin(r)) != 0
}

func (a *Allocator) reserve(r paging.VaddrRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, found := a.reserved.ReplaceOrInsert(r); found {
		panic(fmt.Sprintf("valloc: double reservation at %v", r))
	}
}

// lockTouched locks every partition overlapping r, in index order.
func (a *Allocator) lockTouched(r paging.VaddrRange) []*partition {
	var locked []*partition
	for _, p := range a.parts {
		if p.r.Overlaps(r) {
			p.mu.Lock()
			locked = append(locked, p)
		}
	}
	if len(locked) == 0 {
		// r lies in the unpartitioned tail; serialize on everything.
		for _, p := range a.parts {
			p.mu.Lock()
			locked = append(locked, p)
		}
	}
	return locked
}

func (a *Allocator) unlockTouched(locked []*partition) {
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].mu.Unlock()
	}
}
