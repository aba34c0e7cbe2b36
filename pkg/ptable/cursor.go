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

package ptable

import (
	"fmt"

	"osmem.dev/osmem/pkg/frame"
	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/sync"
)

// PageTable is one address space's translation tree. Concurrent
// cursors may walk it over disjoint ranges; creating a cursor whose
// range overlaps a live cursor's fails.
type PageTable struct {
	pool *frame.Pool
	root *Node

	// mu guards claims.
	mu     sync.Mutex
	claims []paging.VaddrRange
}

// NewPageTable allocates an empty page table backed by pool.
func NewPageTable(pool *frame.Pool) (*PageTable, error) {
	root, err := newNode(pool, paging.NumLevels)
	if err != nil {
		return nil, err
	}
	return &PageTable{pool: pool, root: root}, nil
}

// Release drops the table's reference on the root, recursively freeing
// every node and dropping every tracked mapping. No cursor may be live.
func (pt *PageTable) Release() {
	pt.mu.Lock()
	n := len(pt.claims)
	pt.mu.Unlock()
	if n != 0 {
		panic("ptable: page table released with live cursors")
	}
	pt.root.DecRef()
}

// RootPaddr returns the physical address of the root node.
func (pt *PageTable) RootPaddr() paging.Paddr {
	return pt.root.Paddr()
}

// Pool returns the frame pool backing the table's nodes.
func (pt *PageTable) Pool() *frame.Pool {
	return pt.pool
}

func (pt *PageTable) claim(r paging.VaddrRange) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, c := range pt.claims {
		if c.Overlaps(r) {
			return fmt.Errorf("cursor range %v overlaps live cursor %v: %w", r, c, merr.ErrInvalidArgument)
		}
	}
	pt.claims = append(pt.claims, r)
	return nil
}

func (pt *PageTable) unclaim(r paging.VaddrRange) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i, c := range pt.claims {
		if c == r {
			pt.claims[i] = pt.claims[len(pt.claims)-1]
			pt.claims = pt.claims[:len(pt.claims)-1]
			return
		}
	}
	panic(fmt.Sprintf("ptable: unclaim of unregistered range %v", r))
}

// pteIndex returns the entry index of va in a node at the given level.
func pteIndex(va paging.Vaddr, level paging.Level) int {
	return int((uint64(va) >> (paging.PageShift + paging.EntryBits*(uint64(level)-1))) & (paging.EntriesPerNode - 1))
}

// coverage is the number of bytes one whole node spans at the given
// level.
func coverage(level paging.Level) uint64 {
	return paging.PageSizeAt(level) << paging.EntryBits
}

// Cursor walks and mutates the tree over a claimed virtual range. It
// holds the lock of every node on its current path, from the barrier
// node (the highest node whose coverage contains the whole range) down
// to its current level, so entries under the cursor cannot change
// underneath it.
//
// A cursor is not safe for concurrent use, and the owning goroutine
// must not touch the same PageTable through any other entry point
// while the cursor is open.
type Cursor struct {
	pt *PageTable
	r  paging.VaddrRange

	va      paging.Vaddr
	level   paging.Level
	barrier paging.Level

	// guards[l-1] is the locked node at level l, present for levels in
	// [level, barrier]. bases[l-1] is the virtual address of the start
	// of that node's coverage.
	guards [paging.NumLevels]*LockedNode
	bases  [paging.NumLevels]paging.Vaddr
}

// Item describes what occupies a span of virtual addresses: nothing
// (ChildNone), a tracked frame, or an untracked physical range.
// ChildTable never appears in an Item.
type Item struct {
	Range paging.VaddrRange
	Child Child
}

// NewCursor claims r and returns a cursor positioned at r.Start. The
// claim is released by Close. Creation fails if r is empty, misaligned,
// outside the address space, or overlaps a live cursor's range.
func (pt *PageTable) NewCursor(r paging.VaddrRange) (*Cursor, error) {
	if !r.WellFormed() || r.IsEmpty() || !r.PageAligned() || uint64(r.End) > paging.SpaceSize {
		return nil, fmt.Errorf("bad cursor range %v: %w", r, merr.ErrInvalidArgument)
	}
	if err := pt.claim(r); err != nil {
		return nil, err
	}
	c := &Cursor{
		pt:      pt,
		r:       r,
		va:      r.Start,
		level:   paging.NumLevels,
		barrier: paging.NumLevels,
	}
	c.guards[paging.NumLevels-1] = pt.root.Clone().Lock()
	// Descend while the whole range fits inside one child, creating
	// missing nodes on the way, so the long-held barrier lock covers as
	// little of the tree as possible. The descent stops above the
	// coarsest level at which a terminal mapping could still fit the
	// range, so such mappings stay reachable from the barrier node.
	floor := paging.Level(1)
	for l := paging.Level(2); paging.CanHugeMap(l); l++ {
		if r.Length() >= paging.PageSizeAt(l) {
			floor = l
		}
	}
descent:
	for c.level > floor {
		idx := pteIndex(r.Start, c.level)
		if idx != pteIndex(r.End-1, c.level) {
			break
		}
		child := c.cur().Child(idx)
		switch child.Kind {
		case ChildTable:
			c.pushInto(child.Table)
		case ChildNone:
			n, err := newNode(pt.pool, c.level-1)
			if err != nil {
				child.Release()
				g := c.guards[c.level-1]
				g.Unlock()
				g.Node().DecRef()
				pt.unclaim(r)
				return nil, err
			}
			c.cur().ReplaceChild(idx, TableChild(n.Clone()))
			c.pushInto(n)
		default:
			// A terminal blocks further descent.
			child.Release()
			break descent
		}
		// Drop the old barrier lock; the new one covers the range.
		old := c.guards[c.level] // one level above
		c.guards[c.level] = nil
		old.Unlock()
		old.Node().DecRef()
		c.barrier = c.level
	}
	return c, nil
}

// Close releases every held lock and the cursor's range claim.
func (c *Cursor) Close() {
	for c.level < c.barrier {
		c.pop()
	}
	g := c.guards[c.level-1]
	c.guards[c.level-1] = nil
	g.Unlock()
	g.Node().DecRef()
	c.pt.unclaim(c.r)
	c.pt = nil
}

// Vaddr returns the cursor's current position.
func (c *Cursor) Vaddr() paging.Vaddr {
	return c.va
}

// Level returns the level of the node the cursor currently points
// into.
func (c *Cursor) Level() paging.Level {
	return c.level
}

// cur returns the locked node at the cursor's current level.
func (c *Cursor) cur() *LockedNode {
	return c.guards[c.level-1]
}

// pushInto locks an owned child handle and makes it the current node.
func (c *Cursor) pushInto(n *Node) {
	ln := n.Lock()
	c.level--
	c.guards[c.level-1] = ln
	c.bases[c.level-1] = paging.Vaddr(uint64(c.va) &^ (coverage(c.level) - 1))
}

// pop unlocks and releases the current node, moving one level up.
func (c *Cursor) pop() {
	if c.level >= c.barrier {
		panic("ptable: cursor popped past its barrier")
	}
	ln := c.guards[c.level-1]
	c.guards[c.level-1] = nil
	ln.Unlock()
	ln.Node().DecRef()
	c.level++
}

// normalize pops until the current node's coverage contains va.
func (c *Cursor) normalize() {
	for c.level < c.barrier {
		base := c.bases[c.level-1]
		if c.va >= base && uint64(c.va)-uint64(base) < coverage(c.level) {
			return
		}
		c.pop()
	}
}

// Jump repositions the cursor to va, which must be page-aligned and
// within the claimed range.
func (c *Cursor) Jump(va paging.Vaddr) error {
	if !va.PageAligned() || !c.r.Contains(va) {
		return fmt.Errorf("jump to %#x outside cursor range %v: %w", uint64(va), c.r, merr.ErrInvalidArgument)
	}
	c.va = va
	c.normalize()
	return nil
}

// PushLevelIfExists descends into the child node at the current
// position, locking it, and reports whether it did. It returns false
// when the entry is absent or terminal.
func (c *Cursor) PushLevelIfExists() bool {
	if c.level == 1 {
		return false
	}
	c.normalize()
	child := c.cur().Child(pteIndex(c.va, c.level))
	if child.Kind != ChildTable {
		child.Release()
		return false
	}
	c.pushInto(child.Table)
	return true
}

// descendTo moves the cursor to the target level at the current
// position, creating intermediate nodes as needed. It panics if the
// path is blocked by a terminal mapping.
func (c *Cursor) descendTo(target paging.Level) error {
	c.normalize()
	for c.level < target {
		c.pop()
	}
	for c.level > target {
		idx := pteIndex(c.va, c.level)
		child := c.cur().Child(idx)
		switch child.Kind {
		case ChildTable:
			c.pushInto(child.Table)
		case ChildNone:
			n, err := newNode(c.pt.pool, c.level-1)
			if err != nil {
				return err
			}
			c.cur().ReplaceChild(idx, TableChild(n.Clone()))
			c.pushInto(n)
		default:
			panic(fmt.Sprintf("ptable: level-%d terminal blocks descent at %#x", c.level, uint64(c.va)))
		}
	}
	return nil
}

// levelForSize returns the terminal mapping level for a frame of the
// given size.
func levelForSize(size uint64) (paging.Level, error) {
	for l := paging.Level(1); paging.CanHugeMap(l); l++ {
		if size == paging.PageSizeAt(l) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unmappable frame size %#x: %w", size, merr.ErrInvalidArgument)
}

// Map installs f at the cursor's position with the given attributes
// and advances past it. Ownership of f's reference transfers into the
// page table. Mapping over an already-mapped address panics.
func (c *Cursor) Map(f *frame.Frame, props Properties) error {
	level, err := levelForSize(f.Size())
	if err != nil {
		return err
	}
	size := f.Size()
	if uint64(c.va)&(size-1) != 0 {
		return fmt.Errorf("map of %#x-byte frame at unaligned %#x: %w", size, uint64(c.va), merr.ErrInvalidArgument)
	}
	end, ok := c.va.AddLength(size)
	if !ok || end > c.r.End {
		return fmt.Errorf("map at %#x exceeds cursor range %v: %w", uint64(c.va), c.r, merr.ErrInvalidArgument)
	}
	if err := c.descendTo(level); err != nil {
		return err
	}
	old := c.cur().ReplaceChild(pteIndex(c.va, c.level), FrameChild(f, props))
	if old.Kind != ChildNone {
		panic(fmt.Sprintf("ptable: mapping over present entry at %#x", uint64(c.va)))
	}
	c.va = end
	c.normalize()
	return nil
}

// MapUntracked maps [pa, pa+length) at the cursor's position with the
// given attributes, using huge entries where alignment allows, and
// advances past the mapped span. Mapping over present entries panics.
func (c *Cursor) MapUntracked(pa paging.Paddr, length uint64, props Properties) error {
	if length == 0 || length%paging.PageSize != 0 || !pa.PageAligned() {
		return fmt.Errorf("bad untracked mapping %#x+%#x: %w", uint64(pa), length, merr.ErrInvalidArgument)
	}
	end, ok := c.va.AddLength(length)
	if !ok || end > c.r.End {
		return fmt.Errorf("untracked mapping at %#x exceeds cursor range %v: %w", uint64(c.va), c.r, merr.ErrInvalidArgument)
	}
	for length > 0 {
		level := paging.Level(1)
		for l := paging.Level(2); paging.CanHugeMap(l); l++ {
			sz := paging.PageSizeAt(l)
			if uint64(c.va)&(sz-1) == 0 && uint64(pa)&(sz-1) == 0 && length >= sz {
				level = l
			}
		}
		if err := c.descendTo(level); err != nil {
			return err
		}
		old := c.cur().ReplaceChild(pteIndex(c.va, c.level), UntrackedChild(pa, props))
		if old.Kind != ChildNone {
			panic(fmt.Sprintf("ptable: mapping over present entry at %#x", uint64(c.va)))
		}
		sz := paging.PageSizeAt(level)
		c.va += paging.Vaddr(sz)
		pa += paging.Paddr(sz)
		length -= sz
		c.normalize()
	}
	return nil
}

// UnmapNext scans forward from the cursor's position for up to length
// bytes, removes the first mapping it finds, and returns it as an
// owned Item; the cursor advances past the returned span. If the span
// holds no mapping, the returned Item has Kind ChildNone and covers
// the whole scanned span.
//
// A mapping only partially covered by the scanned span is split if
// untracked; a partially covered tracked mapping panics.
func (c *Cursor) UnmapNext(length uint64) (Item, error) {
	end, err := c.checkSpan(length)
	if err != nil {
		return Item{}, err
	}
	start := c.va
	for c.va < end {
		c.normalize()
		idx := pteIndex(c.va, c.level)
		e := c.cur().pte(idx)
		esz := paging.PageSizeAt(c.level)
		eva := paging.Vaddr(uint64(c.va) &^ (esz - 1))
		switch {
		case !e.Valid():
			c.va = c.advancePast(eva, esz, end)
		case e.IsTable():
			child := c.cur().Child(idx)
			c.pushInto(child.Table)
		case eva >= c.va && eva+paging.Vaddr(esz) <= end:
			old := c.cur().ReplaceChild(idx, NoChild())
			item := Item{Range: paging.VaddrRange{Start: eva, End: eva + paging.Vaddr(esz)}, Child: old}
			c.va = eva + paging.Vaddr(esz)
			c.prune()
			return item, nil
		case e.IsTracked():
			panic(fmt.Sprintf("ptable: partial unmap of tracked mapping at %#x", uint64(eva)))
		default:
			if err := c.cur().SplitUntrackedHuge(idx); err != nil {
				return Item{}, err
			}
		}
	}
	c.va = end
	c.normalize()
	return Item{Range: paging.VaddrRange{Start: start, End: end}, Child: NoChild()}, nil
}

// ProtectNext scans forward from the cursor's position for up to
// length bytes, applies op to the attributes of the first mapping it
// finds, and returns its range; the cursor advances past it. The
// physical target of the mapping is unchanged. ok is false when the
// span holds no mapping.
//
// An untracked huge mapping only partially covered by the span is
// split first so op applies to exactly the covered part.
func (c *Cursor) ProtectNext(length uint64, op func(*Properties)) (r paging.VaddrRange, ok bool, err error) {
	end, err := c.checkSpan(length)
	if err != nil {
		return paging.VaddrRange{}, false, err
	}
	for c.va < end {
		c.normalize()
		idx := pteIndex(c.va, c.level)
		e := c.cur().pte(idx)
		esz := paging.PageSizeAt(c.level)
		eva := paging.Vaddr(uint64(c.va) &^ (esz - 1))
		switch {
		case !e.Valid():
			c.va = c.advancePast(eva, esz, end)
		case e.IsTable():
			child := c.cur().Child(idx)
			c.pushInto(child.Table)
		case eva >= c.va && eva+paging.Vaddr(esz) <= end:
			props := e.Props()
			op(&props)
			c.cur().setPTE(idx, e.withProps(props))
			c.va = eva + paging.Vaddr(esz)
			c.normalize()
			return paging.VaddrRange{Start: eva, End: eva + paging.Vaddr(esz)}, true, nil
		case e.IsTracked():
			panic(fmt.Sprintf("ptable: partial protect of tracked mapping at %#x", uint64(eva)))
		default:
			if err := c.cur().SplitUntrackedHuge(idx); err != nil {
				return paging.VaddrRange{}, false, err
			}
		}
	}
	c.va = end
	c.normalize()
	return paging.VaddrRange{}, false, nil
}

// Query returns what is mapped at the cursor's current position,
// without advancing. A tracked result carries a cloned frame handle
// that the caller owns.
func (c *Cursor) Query() Item {
	c.normalize()
	for {
		idx := pteIndex(c.va, c.level)
		e := c.cur().pte(idx)
		esz := paging.PageSizeAt(c.level)
		eva := paging.Vaddr(uint64(c.va) &^ (esz - 1))
		switch {
		case !e.Valid():
			return Item{Range: paging.VaddrRange{Start: eva, End: eva + paging.Vaddr(esz)}, Child: NoChild()}
		case e.IsTable():
			child := c.cur().Child(idx)
			c.pushInto(child.Table)
		default:
			return Item{Range: paging.VaddrRange{Start: eva, End: eva + paging.Vaddr(esz)}, Child: c.cur().Child(idx)}
		}
	}
}

// checkSpan validates a forward scan of length bytes from the current
// position and returns the exclusive end.
func (c *Cursor) checkSpan(length uint64) (paging.Vaddr, error) {
	if length == 0 || length%paging.PageSize != 0 {
		return 0, fmt.Errorf("bad scan length %#x: %w", length, merr.ErrInvalidArgument)
	}
	end, ok := c.va.AddLength(length)
	if !ok || end > c.r.End {
		return 0, fmt.Errorf("scan of %#x bytes at %#x exceeds cursor range %v: %w", length, uint64(c.va), c.r, merr.ErrInvalidArgument)
	}
	return end, nil
}

// advancePast moves past the entry spanning [eva, eva+esz), clamped to
// end.
func (c *Cursor) advancePast(eva paging.Vaddr, esz uint64, end paging.Vaddr) paging.Vaddr {
	next := eva + paging.Vaddr(esz)
	if next > end || next < eva {
		return end
	}
	return next
}

// prune pops empty nodes off the path, detaching each from its parent,
// so that unmapping does not leave chains of childless nodes behind.
func (c *Cursor) prune() {
	for c.level < c.barrier && c.cur().NrChildren() == 0 {
		base := c.bases[c.level-1]
		c.pop()
		c.cur().ReplaceChild(pteIndex(base, c.level), NoChild()).Release()
	}
	c.normalize()
}
