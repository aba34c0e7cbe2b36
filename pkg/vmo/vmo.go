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

// Package vmo implements virtual memory objects: resizable, sparsely
// populated, demand-paged collections of pages exposed as byte
// addressable regions. Pages are populated on demand with zero frames
// or through a Pager, and copy-on-write and windowed slice children
// share a parent's pages until written.
package vmo

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"osmem.dev/osmem/pkg/frame"
	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/refs"
	"osmem.dev/osmem/pkg/sync"
)

// Flags configure a Vmo at creation.
type Flags uint8

const (
	// FlagResizable allows Resize.
	FlagResizable Flags = 1 << iota

	// FlagContiguous backs the whole object with one physically
	// contiguous run, committed up front. Incompatible with
	// FlagResizable and with a Pager.
	FlagContiguous

	// FlagDMA marks a contiguous object as device-visible. Requires
	// FlagContiguous.
	FlagDMA
)

// CommitFlags modify a single page commit.
type CommitFlags uint8

const (
	// CommitWillOverwrite promises that the caller overwrites the whole
	// page, so its previous content need not be fetched.
	CommitWillOverwrite CommitFlags = 1 << iota
)

// Pager is the backing-store interface a Vmo consults to populate or
// evict pages. Implementations may block on I/O; the Vmo never calls a
// Pager while holding its own lock.
type Pager interface {
	// CommitPage returns a frame holding the current content of the
	// page at index idx. The caller owns the returned reference.
	CommitPage(idx uint64) (*frame.Frame, error)

	// CommitOverwrite is CommitPage for a page about to be fully
	// overwritten: the implementation need not fetch old content.
	CommitOverwrite(idx uint64) (*frame.Frame, error)

	// TryCommitPage is CommitPage without blocking: if producing the
	// page would require I/O it returns a *NeedsIOError instead.
	TryCommitPage(idx uint64) (*frame.Frame, error)

	// DecommitPage tells the pager the Vmo no longer holds the page at
	// idx.
	DecommitPage(idx uint64)

	// UpdatePage tells the pager the page at idx was written in place.
	UpdatePage(idx uint64)
}

// NeedsIOError reports that a non-blocking commit needs I/O resolved
// out of line: the caller should trigger the I/O for Index and retry.
// It is control flow, not failure; it unwraps to merr.ErrWouldBlock.
type NeedsIOError struct {
	Index uint64
}

// Error implements error.
func (e *NeedsIOError) Error() string {
	return fmt.Sprintf("page %d needs I/O", e.Index)
}

// Unwrap implements errors.Unwrap.
func (e *NeedsIOError) Unwrap() error {
	return merr.ErrWouldBlock
}

// AsNeedsIO extracts the pending page index from a non-blocking commit
// error.
func AsNeedsIO(err error) (uint64, bool) {
	var nio *NeedsIOError
	if errors.As(err, &nio) {
		return nio.Index, true
	}
	return 0, false
}

// pageEntry is one committed page in the sparse index.
type pageEntry struct {
	idx uint64
	f   *frame.Frame
}

// Options configures a new Vmo.
type Options struct {
	// Pool supplies physical frames.
	Pool *frame.Pool

	// Size is the initial size in bytes. Must be page-aligned.
	Size uint64

	// Flags configure the object.
	Flags Flags

	// Pager, if non-nil, backs uncommitted pages. Without one,
	// uncommitted pages are zero.
	Pager Pager
}

// Vmo is a virtual memory object.
//
// A Vmo is reference counted; children hold only weak back-references
// to their parent, so a dropped parent tears down independently and
// children then treat inherited pages as zero.
type Vmo struct {
	refs.AtomicRefCount

	pool  *frame.Pool
	flags Flags
	pager Pager

	// mu guards size, pages and inherited. It is never held across a
	// Pager call or I/O.
	mu    sync.RWMutex
	size  uint64
	pages *btree.BTreeG[pageEntry]
	seg   *frame.Segment

	// Child state, fixed at creation. inherited is the number of
	// leading page indices backed by the parent; it is clamped by
	// shrinking and never grows back.
	parent    *refs.WeakRef
	parentOff uint64
	inherited uint64
	cow       bool
}

// New creates a Vmo. The returned handle holds the sole reference.
func New(opts Options) (*Vmo, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("vmo needs a frame pool: %w", merr.ErrInvalidArgument)
	}
	if opts.Size%paging.PageSize != 0 {
		return nil, fmt.Errorf("unaligned vmo size %#x: %w", opts.Size, merr.ErrInvalidArgument)
	}
	if opts.Flags&FlagDMA != 0 && opts.Flags&FlagContiguous == 0 {
		return nil, fmt.Errorf("DMA vmo must be contiguous: %w", merr.ErrInvalidArgument)
	}
	v := &Vmo{
		pool:  opts.Pool,
		flags: opts.Flags,
		pager: opts.Pager,
		size:  opts.Size,
	}
	if opts.Flags&FlagContiguous != 0 {
		if opts.Flags&FlagResizable != 0 || opts.Pager != nil {
			return nil, fmt.Errorf("contiguous vmo cannot be resizable or paged: %w", merr.ErrInvalidArgument)
		}
		seg, err := opts.Pool.AllocContiguous(opts.Size/paging.PageSize, frame.TypeAnonymous)
		if err != nil {
			return nil, err
		}
		v.seg = seg
		return v, nil
	}
	v.pages = btree.NewG(16, func(a, b pageEntry) bool { return a.idx < b.idx })
	return v, nil
}

// DecRef drops a reference; the last drop releases all committed
// pages.
func (v *Vmo) DecRef() {
	v.DecRefWithDestructor(v.destroy)
}

func (v *Vmo) destroy() {
	if v.parent != nil {
		v.parent.Drop()
	}
	if v.seg != nil {
		v.seg.DecRef()
	}
	if v.pages != nil {
		v.pages.Ascend(func(e pageEntry) bool {
			e.f.DecRef()
			return true
		})
		v.pages.Clear(false)
	}
}

// Size returns the current size in bytes. Always page-aligned.
func (v *Vmo) Size() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.size
}

// Flags returns the creation flags.
func (v *Vmo) Flags() Flags {
	return v.flags
}

// Segment returns the contiguous backing of a FlagContiguous Vmo as a
// new owned handle, or nil for a sparse one.
func (v *Vmo) Segment() *frame.Segment {
	if v.seg == nil {
		return nil
	}
	return v.seg.Clone()
}

// CommittedPages returns the number of locally committed pages.
func (v *Vmo) CommittedPages() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.seg != nil {
		return int(v.size / paging.PageSize)
	}
	return v.pages.Len()
}

func (v *Vmo) pageCountLocked() uint64 {
	return v.size / paging.PageSize
}

func (v *Vmo) isSlice() bool {
	return v.parent != nil && !v.cow
}

// upgradeParent resolves the weak parent link, returning an owned
// handle or nil if the parent is already torn down.
func (v *Vmo) upgradeParent() *Vmo {
	if v.parent == nil {
		return nil
	}
	rc := v.parent.Get()
	if rc == nil {
		return nil
	}
	return rc.(*Vmo)
}

// committed returns an owned handle to the locally committed page at
// idx, or nil.
func (v *Vmo) committed(idx uint64) *frame.Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if idx >= v.pageCountLocked() {
		return nil
	}
	if v.seg != nil {
		f, err := v.seg.FrameAt(idx * paging.PageSize)
		if err != nil {
			return nil
		}
		return f
	}
	if e, ok := v.pages.Get(pageEntry{idx: idx}); ok {
		return e.f.Clone()
	}
	return nil
}

// Commit ensures the page at idx is committed and returns an owned
// handle to it. Committing an already committed index returns the
// existing frame without consulting the Pager.
func (v *Vmo) Commit(idx uint64, flags CommitFlags) (*frame.Frame, error) {
	return v.commit(idx, flags, false)
}

// TryCommit is Commit for the page covering byte offset off, except
// that it never blocks on I/O: if populating the page needs I/O it
// returns a *NeedsIOError naming the index to resolve.
func (v *Vmo) TryCommit(off uint64) (*frame.Frame, error) {
	return v.commit(off/paging.PageSize, 0, true)
}

func (v *Vmo) commit(idx uint64, flags CommitFlags, nonblocking bool) (*frame.Frame, error) {
	v.mu.RLock()
	if idx >= v.pageCountLocked() {
		v.mu.RUnlock()
		return nil, fmt.Errorf("commit of page %d beyond size %#x: %w", idx, v.size, merr.ErrInvalidArgument)
	}
	v.mu.RUnlock()
	if f := v.committed(idx); f != nil {
		return f, nil
	}
	if v.isSlice() {
		// Slice pages live in the parent; nothing is inserted locally.
		parent := v.upgradeParent()
		if parent == nil {
			return nil, fmt.Errorf("slice parent is gone: %w", merr.ErrInvalidArgument)
		}
		defer parent.DecRef()
		if nonblocking {
			return parent.TryCommit((idx + v.parentOff) * paging.PageSize)
		}
		return parent.Commit(idx+v.parentOff, flags)
	}

	// Populate without holding mu: the Pager and the parent may block.
	f, err := v.populate(idx, flags, nonblocking)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	// Re-validate under lock: a racing resize may have shrunk the
	// object, and a racing commit may have won.
	if idx >= v.pageCountLocked() {
		v.mu.Unlock()
		f.DecRef()
		return nil, fmt.Errorf("page %d decommitted by concurrent resize: %w", idx, merr.ErrInvalidArgument)
	}
	if e, ok := v.pages.Get(pageEntry{idx: idx}); ok {
		v.mu.Unlock()
		f.DecRef()
		return e.f.Clone(), nil
	}
	v.pages.ReplaceOrInsert(pageEntry{idx: idx, f: f})
	ret := f.Clone()
	v.mu.Unlock()
	return ret, nil
}

// populate produces content for an uncommitted page. The returned
// reference belongs to the caller.
func (v *Vmo) populate(idx uint64, flags CommitFlags, nonblocking bool) (*frame.Frame, error) {
	v.mu.RLock()
	cowInherited := v.cow && idx < v.inherited
	v.mu.RUnlock()
	switch {
	case cowInherited:
		// Copy-on-write resolution: commit a private copy, filled from
		// the parent unless the caller overwrites it anyway. A torn
		// down parent reads as zero.
		f, err := v.pool.AllocFrame(frame.TypeAnonymous)
		if err != nil {
			return nil, err
		}
		if flags&CommitWillOverwrite == 0 {
			if parent := v.upgradeParent(); parent != nil {
				err := parent.Read((idx+v.parentOff)*paging.PageSize, f.Bytes())
				parent.DecRef()
				if err != nil {
					f.DecRef()
					return nil, err
				}
			}
		}
		return f, nil
	case v.pager != nil:
		if nonblocking {
			return v.pager.TryCommitPage(idx)
		}
		if flags&CommitWillOverwrite != 0 {
			return v.pager.CommitOverwrite(idx)
		}
		return v.pager.CommitPage(idx)
	default:
		return v.pool.AllocFrame(frame.TypeAnonymous)
	}
}

// checkRange validates a byte range against the current size.
func (v *Vmo) checkRange(off, length uint64) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	end := off + length
	if length == 0 || end < off || end > v.size {
		return fmt.Errorf("byte range %#x+%#x outside vmo of size %#x: %w", off, length, v.size, merr.ErrInvalidArgument)
	}
	return nil
}

// Read copies len(dst) bytes starting at off into dst, committing
// pages as needed. Reads of inherited, never written pages of a
// copy-on-write child are served from the parent's current content
// without committing a private copy.
func (v *Vmo) Read(off uint64, dst []byte) error {
	if err := v.checkRange(off, uint64(len(dst))); err != nil {
		return err
	}
	for len(dst) > 0 {
		idx := off / paging.PageSize
		po := off % paging.PageSize
		n := paging.PageSize - po
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}
		if err := v.readPage(idx, po, dst[:n]); err != nil {
			return err
		}
		off += n
		dst = dst[n:]
	}
	return nil
}

func (v *Vmo) readPage(idx, po uint64, dst []byte) error {
	if f := v.committed(idx); f != nil {
		defer f.DecRef()
		return f.Read(po, dst)
	}
	v.mu.RLock()
	passThrough := v.cow && idx < v.inherited
	v.mu.RUnlock()
	if passThrough {
		parent := v.upgradeParent()
		if parent == nil {
			clear(dst)
			return nil
		}
		defer parent.DecRef()
		return parent.Read((idx+v.parentOff)*paging.PageSize+po, dst)
	}
	f, err := v.commit(idx, 0, false)
	if err != nil {
		return err
	}
	defer f.DecRef()
	return f.Read(po, dst)
}

// Write copies src into the object starting at off, committing pages
// as needed. Writes covering a whole page are committed with
// CommitWillOverwrite so the Pager need not fetch old content first.
func (v *Vmo) Write(off uint64, src []byte) error {
	if err := v.checkRange(off, uint64(len(src))); err != nil {
		return err
	}
	for len(src) > 0 {
		idx := off / paging.PageSize
		po := off % paging.PageSize
		n := paging.PageSize - po
		if n > uint64(len(src)) {
			n = uint64(len(src))
		}
		var flags CommitFlags
		if po == 0 && n == paging.PageSize {
			flags = CommitWillOverwrite
		}
		f, err := v.commit(idx, flags, false)
		if err != nil {
			return err
		}
		err = f.Write(po, src[:n])
		f.DecRef()
		if err != nil {
			return err
		}
		v.notifyUpdate(idx)
		off += n
		src = src[n:]
	}
	return nil
}

// notifyUpdate tells the backing store about an in-place write to
// idx. For a slice child the parent's pager is the one that cares.
func (v *Vmo) notifyUpdate(idx uint64) {
	if v.pager != nil {
		v.pager.UpdatePage(idx)
		return
	}
	if v.isSlice() {
		if parent := v.upgradeParent(); parent != nil {
			parent.notifyUpdate(idx + v.parentOff)
			parent.DecRef()
		}
	}
}

// Resize grows or shrinks the object. Only legal with FlagResizable.
// Shrinking decommits every page in the discarded tail, notifying the
// Pager once per page; growing is pure bookkeeping, and regrown space
// reads as zero, not as the discarded content.
func (v *Vmo) Resize(newSize uint64) error {
	if v.flags&FlagResizable == 0 {
		return fmt.Errorf("vmo is not resizable: %w", merr.ErrInvalidArgument)
	}
	if newSize%paging.PageSize != 0 {
		return fmt.Errorf("unaligned vmo size %#x: %w", newSize, merr.ErrInvalidArgument)
	}
	newCount := newSize / paging.PageSize
	v.mu.Lock()
	v.size = newSize
	var removed []pageEntry
	if v.inherited > newCount {
		v.inherited = newCount
	}
	v.pages.AscendGreaterOrEqual(pageEntry{idx: newCount}, func(e pageEntry) bool {
		removed = append(removed, e)
		return true
	})
	for _, e := range removed {
		v.pages.Delete(e)
	}
	v.mu.Unlock()
	v.release(removed)
	return nil
}

// Decommit drops the committed pages covering [off, off+length),
// notifying the Pager once per removed page. Pages are removed from
// the index before the Pager hears about them, so a racing commit
// cannot re-insert a page the Pager has already discarded.
func (v *Vmo) Decommit(off, length uint64) error {
	if off%paging.PageSize != 0 || length%paging.PageSize != 0 {
		return fmt.Errorf("unaligned decommit %#x+%#x: %w", off, length, merr.ErrInvalidArgument)
	}
	if err := v.checkRange(off, length); err != nil {
		return err
	}
	if v.seg != nil {
		return fmt.Errorf("contiguous vmo cannot decommit: %w", merr.ErrInvalidArgument)
	}
	if v.isSlice() {
		parent := v.upgradeParent()
		if parent == nil {
			return nil
		}
		defer parent.DecRef()
		return parent.Decommit(v.parentOff*paging.PageSize+off, length)
	}
	first := off / paging.PageSize
	limit := (off + length) / paging.PageSize
	v.mu.Lock()
	var removed []pageEntry
	v.pages.AscendGreaterOrEqual(pageEntry{idx: first}, func(e pageEntry) bool {
		if e.idx >= limit {
			return false
		}
		removed = append(removed, e)
		return true
	})
	for _, e := range removed {
		v.pages.Delete(e)
	}
	v.mu.Unlock()
	v.release(removed)
	return nil
}

// release drops index references and notifies the pager, in that
// order.
func (v *Vmo) release(removed []pageEntry) {
	for _, e := range removed {
		e.f.DecRef()
		if v.pager != nil {
			v.pager.DecommitPage(e.idx)
		}
	}
}

// Clear zeroes the byte range [off, off+length). Committed pages are
// zeroed in place; uncommitted pages of a plain object already read
// as zero and are skipped, while inherited pages of a copy-on-write
// child are shadowed with private zero pages so the parent's content
// stops showing through.
func (v *Vmo) Clear(off, length uint64) error {
	if err := v.checkRange(off, length); err != nil {
		return err
	}
	if v.seg != nil {
		clear(v.seg.Bytes()[off : off+length])
		return nil
	}
	for length > 0 {
		idx := off / paging.PageSize
		po := off % paging.PageSize
		n := paging.PageSize - po
		if n > length {
			n = length
		}
		if err := v.clearPage(idx, po, n); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

func (v *Vmo) clearPage(idx, po, n uint64) error {
	whole := po == 0 && n == paging.PageSize
	f := v.committed(idx)
	if f == nil {
		v.mu.RLock()
		shadow := v.cow && idx < v.inherited
		v.mu.RUnlock()
		if !shadow && !v.isSlice() && v.pager == nil {
			// Uncommitted anonymous pages already read as zero.
			return nil
		}
		var flags CommitFlags
		if whole {
			flags = CommitWillOverwrite
		}
		var err error
		if f, err = v.commit(idx, flags, false); err != nil {
			return err
		}
	}
	defer f.DecRef()
	if whole {
		f.Zero()
	} else {
		clear(f.Bytes()[po : po+n])
	}
	v.notifyUpdate(idx)
	return nil
}

// NewCowChild creates a copy-on-write child of size bytes. The child
// inherits the parent's pages for the indices both cover at creation
// time; a write to an inherited index resolves lazily into a private
// copy, and reads of untouched indices follow the parent's current
// content. The child keeps only a weak link to the parent.
func (v *Vmo) NewCowChild(size uint64) (*Vmo, error) {
	if size%paging.PageSize != 0 {
		return nil, fmt.Errorf("unaligned child size %#x: %w", size, merr.ErrInvalidArgument)
	}
	if v.seg != nil {
		return nil, fmt.Errorf("contiguous vmo cannot have children: %w", merr.ErrInvalidArgument)
	}
	inherited := v.Size() / paging.PageSize
	if c := size / paging.PageSize; c < inherited {
		inherited = c
	}
	child := &Vmo{
		pool:      v.pool,
		flags:     FlagResizable,
		size:      size,
		pages:     btree.NewG(16, func(a, b pageEntry) bool { return a.idx < b.idx }),
		parent:    refs.NewWeakRef(v, nil),
		inherited: inherited,
		cow:       true,
	}
	return child, nil
}

// NewSlice creates a windowed child exposing [off, off+size) of the
// parent. Slice pages live in the parent: reads, writes and commits
// pass through, so writes through the slice are visible in the parent
// and vice versa. A slice is not resizable.
func (v *Vmo) NewSlice(off, size uint64) (*Vmo, error) {
	if off%paging.PageSize != 0 || size%paging.PageSize != 0 {
		return nil, fmt.Errorf("unaligned slice %#x+%#x: %w", off, size, merr.ErrInvalidArgument)
	}
	if err := v.checkRange(off, size); err != nil {
		return nil, err
	}
	if v.seg != nil {
		return nil, fmt.Errorf("contiguous vmo cannot have children: %w", merr.ErrInvalidArgument)
	}
	child := &Vmo{
		pool:      v.pool,
		size:      size,
		pages:     btree.NewG(16, func(a, b pageEntry) bool { return a.idx < b.idx }),
		parent:    refs.NewWeakRef(v, nil),
		parentOff: off / paging.PageSize,
		inherited: size / paging.PageSize,
	}
	return child, nil
}
