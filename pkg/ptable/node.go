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

// Package ptable implements the multi-level page table: individually
// lockable, reference-counted nodes of entries, and cursors that walk
// and mutate them.
//
// A node is not freed while a parent entry points into it or while any
// handle to it lives; dropping a node's last reference recursively
// drops every present child exactly once. Entries are read and written
// only while the node's lock is held.
package ptable

import (
	"fmt"
	"sync/atomic"

	"osmem.dev/osmem/pkg/frame"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/sync"
)

// nodeMeta is the metadata attached to a node's backing frame: the
// paging level, the spin lock guarding the entries, and the count of
// present entries.
type nodeMeta struct {
	pool  *frame.Pool
	level paging.Level

	lock sync.SpinMutex

	// nrChildren is the number of present entries. Guarded by lock.
	nrChildren uint16

	words *[paging.EntriesPerNode]uint64
}

// Release drops every present child exactly once. It runs when the
// node's backing frame loses its last reference, at which point no
// entry can be concurrently read or written.
func (m *nodeMeta) Release() {
	if m.nrChildren == 0 {
		return
	}
	for i := range m.words {
		e := PTE(m.words[i])
		if !e.Valid() {
			continue
		}
		switch {
		case e.IsTable():
			// Adopt the entry's reference and drop it, recursing
			// through the child's own Release.
			m.pool.FrameFromRaw(e.Address(), 1).DecRef()
		case e.IsTracked():
			m.pool.FrameFromRaw(e.Address(), m.level).DecRef()
		}
	}
}

// Node is a raw handle to a page table node: it holds a reference but
// no lock. Entries may only be accessed through a locked handle.
type Node struct {
	f    *frame.Frame
	meta *nodeMeta
}

// newNode allocates a zero-filled node at the given level, returning a
// handle with the sole reference.
func newNode(pool *frame.Pool, level paging.Level) (*Node, error) {
	f, err := pool.AllocFrame(frame.TypePageTable)
	if err != nil {
		return nil, err
	}
	meta := &nodeMeta{
		pool:  pool,
		level: level,
		words: wordsView(f.Bytes()),
	}
	f.SetMeta(meta)
	return &Node{f: f, meta: meta}, nil
}

// nodeFromRaw adopts the reference held by a table entry and returns a
// handle for it.
func nodeFromRaw(pool *frame.Pool, addr paging.Paddr) *Node {
	f := pool.FrameFromRaw(addr, 1)
	return &Node{f: f, meta: f.Meta().(*nodeMeta)}
}

// Paddr returns the physical address of the node's backing page.
func (n *Node) Paddr() paging.Paddr {
	return n.f.Paddr()
}

// Level returns the node's paging level.
func (n *Node) Level() paging.Level {
	return n.meta.level
}

// Clone increments the node's reference count and returns a new raw
// handle.
func (n *Node) Clone() *Node {
	return &Node{f: n.f.Clone(), meta: n.meta}
}

// DecRef drops one reference. On the last drop the node releases all
// present children and its backing frame returns to the Free state.
func (n *Node) DecRef() {
	n.f.DecRef()
}

// Lock converts the raw handle into a locked handle, spinning on the
// node's lock bit.
func (n *Node) Lock() *LockedNode {
	n.meta.lock.Lock()
	return &LockedNode{n: n}
}

// LockedNode is an exclusive handle to a node. Holding one is the
// precondition for reading or writing entries.
type LockedNode struct {
	n *Node
}

// Unlock releases the node's lock. The LockedNode must not be used
// afterwards.
func (ln *LockedNode) Unlock() {
	ln.n.meta.lock.Unlock()
}

// Node returns the underlying raw handle.
func (ln *LockedNode) Node() *Node {
	return ln.n
}

// Level returns the node's paging level.
func (ln *LockedNode) Level() paging.Level {
	return ln.n.meta.level
}

// NrChildren returns the number of present entries.
func (ln *LockedNode) NrChildren() uint16 {
	return ln.n.meta.nrChildren
}

// pte reads the entry at idx. Present entries were published with a
// release store, so the load pairs with it.
func (ln *LockedNode) pte(idx int) PTE {
	return PTE(atomic.LoadUint64(&ln.n.meta.words[idx]))
}

// setPTE publishes the entry at idx. The store has release ordering so
// that whatever the entry points to is initialized before it becomes
// reachable from another CPU.
func (ln *LockedNode) setPTE(idx int, e PTE) {
	atomic.StoreUint64(&ln.n.meta.words[idx], uint64(e))
}

// ChildKind discriminates the states of an entry.
type ChildKind uint8

const (
	// ChildNone is an absent entry.
	ChildNone ChildKind = iota

	// ChildTable is an entry pointing to a child node.
	ChildTable

	// ChildFrame is a terminal entry mapping a tracked frame.
	ChildFrame

	// ChildUntracked is a terminal entry mapping a raw physical range
	// that no frame metadata tracks.
	ChildUntracked
)

// Child is a typed view of one entry. Table and Frame children carry
// owned handles: constructing a Child consumes a reference, and the
// holder must either install it in an entry, keep it, or drop it.
type Child struct {
	Kind  ChildKind
	Table *Node
	Frame *frame.Frame
	Addr  paging.Paddr
	Props Properties
}

// NoChild returns an absent Child.
func NoChild() Child {
	return Child{Kind: ChildNone}
}

// TableChild wraps an owned node handle.
func TableChild(n *Node) Child {
	return Child{Kind: ChildTable, Table: n}
}

// FrameChild wraps an owned frame handle with mapping attributes.
func FrameChild(f *frame.Frame, props Properties) Child {
	return Child{Kind: ChildFrame, Frame: f, Props: props}
}

// UntrackedChild describes a raw physical page with mapping
// attributes.
func UntrackedChild(addr paging.Paddr, props Properties) Child {
	return Child{Kind: ChildUntracked, Addr: addr, Props: props}
}

// Release drops whatever handles the Child owns.
func (c Child) Release() {
	switch c.Kind {
	case ChildTable:
		c.Table.DecRef()
	case ChildFrame:
		c.Frame.DecRef()
	}
}

// Child returns a typed view of the entry at idx without mutating it.
// Table and Frame results hold a new reference, which the caller owns.
func (ln *LockedNode) Child(idx int) Child {
	e := ln.pte(idx)
	switch {
	case !e.Valid():
		return NoChild()
	case e.IsTable():
		raw := nodeFromRaw(ln.n.meta.pool, e.Address())
		n := raw.Clone()
		// The adopted reference belongs to the entry; give it back.
		raw.f.IntoRaw()
		return TableChild(n)
	case e.IsTracked():
		f := ln.n.meta.pool.FrameFromRaw(e.Address(), ln.Level())
		c := f.Clone()
		f.IntoRaw()
		return FrameChild(c, e.Props())
	default:
		return UntrackedChild(e.Address(), e.Props())
	}
}

// ReplaceChild atomically swaps the entry at idx with nc, adjusting the
// child count, and returns the dislodged child as an owned value. The
// caller decides whether to drop it, reinstall it elsewhere, or recurse
// into it.
//
// Ownership of nc's handles transfers into the entry.
func (ln *LockedNode) ReplaceChild(idx int, nc Child) Child {
	old := ln.takeEntry(idx)
	ln.installEntry(idx, nc)
	return old
}

// takeEntry removes the entry at idx, returning its owned child.
func (ln *LockedNode) takeEntry(idx int) Child {
	e := ln.pte(idx)
	if !e.Valid() {
		return NoChild()
	}
	ln.setPTE(idx, 0)
	ln.n.meta.nrChildren--
	pool := ln.n.meta.pool
	switch {
	case e.IsTable():
		return TableChild(nodeFromRaw(pool, e.Address()))
	case e.IsTracked():
		return FrameChild(pool.FrameFromRaw(e.Address(), ln.Level()), e.Props())
	default:
		return UntrackedChild(e.Address(), e.Props())
	}
}

// installEntry writes nc at idx, consuming nc's handles.
func (ln *LockedNode) installEntry(idx int, nc Child) {
	switch nc.Kind {
	case ChildNone:
		return
	case ChildTable:
		if nc.Table.Level() != ln.Level()-1 {
			panic(fmt.Sprintf("ptable: level-%d node installed in level-%d parent", nc.Table.Level(), ln.Level()))
		}
		ln.setPTE(idx, makeTable(nc.Table.f.IntoRaw()))
	case ChildFrame:
		if !paging.CanHugeMap(ln.Level()) {
			panic(fmt.Sprintf("ptable: terminal mapping at level %d", ln.Level()))
		}
		ln.setPTE(idx, makeTerminal(nc.Frame.IntoRaw(), nc.Props, true))
	case ChildUntracked:
		ln.setPTE(idx, makeTerminal(nc.Addr, nc.Props, false))
	}
	ln.n.meta.nrChildren++
}

// SplitUntrackedHuge replaces the untracked huge mapping at idx with a
// fresh child node mapping the same physical range at the next finer
// level, so that a protection change can apply to part of the range.
//
// It panics if the entry is not an untracked terminal mapping or the
// node is already at the base level: splitting anything else is a
// caller bug.
func (ln *LockedNode) SplitUntrackedHuge(idx int) error {
	e := ln.pte(idx)
	if !e.IsTerminal() || e.IsTracked() || ln.Level() <= 1 {
		panic(fmt.Sprintf("ptable: splitting entry %#x at level %d", uint64(e), ln.Level()))
	}
	child, err := newNode(ln.n.meta.pool, ln.Level()-1)
	if err != nil {
		return err
	}
	// The child is private until published below, so its entries can be
	// filled without taking its lock.
	sub := paging.PageSizeAt(child.Level())
	for i := 0; i < paging.EntriesPerNode; i++ {
		child.meta.words[i] = uint64(makeTerminal(e.Address()+paging.Paddr(uint64(i)*sub), e.Props(), false))
	}
	child.meta.nrChildren = paging.EntriesPerNode
	ln.setPTE(idx, makeTable(child.f.IntoRaw()))
	return nil
}
