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

// Package frame manages physical memory pages.
//
// A frame is a naturally aligned physical page, base-sized or huge,
// owned by a Pool. Frames are accessed through reference-counted
// handles: a Frame covers one page at its paging level, a Segment
// covers a contiguous run of base pages sharing one reference count.
// When the last handle to a frame is dropped the frame returns to the
// Free state and its pages become claimable again.
package frame

import (
	"fmt"

	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
)

// Type describes what a claimed frame is used for.
type Type uint8

const (
	// TypeFree marks a frame that is not claimed. A frame's reference
	// count is zero if and only if it is Free.
	TypeFree Type = iota

	// TypeAnonymous marks a frame holding anonymous (zero-fill) memory.
	TypeAnonymous

	// TypePageTable marks a frame backing a page table node.
	TypePageTable

	// TypeCache marks a frame owned by a page cache.
	TypeCache
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeFree:
		return "Free"
	case TypeAnonymous:
		return "Anonymous"
	case TypePageTable:
		return "PageTable"
	case TypeCache:
		return "Cache"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Frame is a reference-counted handle to one physical page, base-sized
// or huge.
//
// Two handles to the same physical address compare equal with Equal.
// The zero Frame is invalid.
type Frame struct {
	pool  *Pool
	addr  paging.Paddr
	level paging.Level

	// head and span identify the run whose head slot keeps the
	// reference count. For an independently claimed frame the run is
	// the frame itself; for a frame viewed out of a Segment it is the
	// whole underlying run.
	head paging.Paddr
	span uint64
}

// ClaimFree claims the Free page of the given level at addr from p,
// returning a handle holding the sole reference. A huge frame claims
// the whole run of base pages it covers, under one reference count.
//
// It fails with merr.ErrInvalidArgument if level is not a terminal
// mapping level or addr is misaligned or out of range, and panics if
// any covered page is currently claimed: claiming an in-use page is a
// caller bug, not a runtime condition.
func (p *Pool) ClaimFree(addr paging.Paddr, level paging.Level, typ Type) (*Frame, error) {
	if level < 1 || !paging.CanHugeMap(level) {
		return nil, fmt.Errorf("claim at non-terminal level %d: %w", level, merr.ErrInvalidArgument)
	}
	size := paging.PageSizeAt(level)
	if uint64(addr)%size != 0 {
		return nil, fmt.Errorf("claim of misaligned address %#x at level %d: %w", uint64(addr), level, merr.ErrInvalidArgument)
	}
	if err := p.claimRun(addr.PageIndex(), size/paging.PageSize, typ); err != nil {
		return nil, err
	}
	return &Frame{pool: p, addr: addr, level: level, head: addr, span: size / paging.PageSize}, nil
}

// Paddr returns the physical address of the start of the frame.
func (f *Frame) Paddr() paging.Paddr {
	return f.addr
}

// Size returns the size of the frame in bytes.
func (f *Frame) Size() uint64 {
	return paging.PageSizeAt(f.level)
}

// Level returns the paging level at which the frame maps: 1 for a base
// page, higher for a huge page.
func (f *Frame) Level() paging.Level {
	return f.level
}

// Type returns the frame's current type.
func (f *Frame) Type() Type {
	return f.pool.slot(f.addr.PageIndex()).typ
}

// Equal returns true if f and other reference the same physical frame.
func (f *Frame) Equal(other *Frame) bool {
	return f.pool == other.pool && f.addr == other.addr
}

// Clone increments the reference count and returns a new handle to the
// same frame.
func (f *Frame) Clone() *Frame {
	f.pool.slot(f.head.PageIndex()).incRef()
	c := *f
	return &c
}

// IncRef increments the frame's reference count.
func (f *Frame) IncRef() {
	f.pool.slot(f.head.PageIndex()).incRef()
}

// DecRef drops one reference to the frame. When the last reference of
// the frame's run is dropped the run returns to the Free state and its
// pages become claimable again.
func (f *Frame) DecRef() {
	f.pool.decRefRun(f.head.PageIndex(), f.span)
}

// ReadRefs returns the current reference count. The result is racy and
// only useful for assertions and tests.
func (f *Frame) ReadRefs() int64 {
	return f.pool.slot(f.head.PageIndex()).refs.Load()
}

// Read copies len(dst) bytes starting at off within the frame into dst.
//
// It fails with merr.ErrInvalidArgument if off+len(dst) overflows or
// exceeds the frame.
func (f *Frame) Read(off uint64, dst []byte) error {
	b, err := f.bytesRange(off, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Write copies src into the frame starting at off.
//
// It fails with merr.ErrInvalidArgument if off+len(src) overflows or
// exceeds the frame.
func (f *Frame) Write(off uint64, src []byte) error {
	b, err := f.bytesRange(off, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// Zero fills the whole frame with zero bytes.
func (f *Frame) Zero() {
	b := f.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// Bytes returns the frame's backing memory. The slice is valid only
// while the caller holds a reference to the frame.
func (f *Frame) Bytes() []byte {
	return f.pool.slice(f.addr, f.Size())
}

func (f *Frame) bytesRange(off, length uint64) ([]byte, error) {
	end := off + length
	if end < off || end > f.Size() {
		return nil, fmt.Errorf("range [%#x, %#x) outside frame of size %#x: %w", off, end, f.Size(), merr.ErrInvalidArgument)
	}
	return f.pool.slice(f.addr+paging.Paddr(off), length), nil
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%#x)", uint64(f.addr))
}

// IntoRaw forgets the handle and returns the bare physical address,
// transferring the handle's reference to the caller. The handle must
// not be used afterwards. The reference is recovered with
// Pool.FrameFromRaw.
//
// This is how structures that can only store a physical address, such
// as page table entries, hold ownership of a frame.
func (f *Frame) IntoRaw() paging.Paddr {
	return f.addr
}

// FrameFromRaw restores a handle from a physical address previously
// obtained with Frame.IntoRaw, adopting the reference that IntoRaw
// transferred. level is the mapping level the raw reference was stored
// at; the structure holding the address knows it, the pool does not.
// Restoring the same raw reference twice is a caller bug and corrupts
// the reference count.
func (p *Pool) FrameFromRaw(addr paging.Paddr, level paging.Level) *Frame {
	idx := addr.PageIndex()
	head := p.slots[idx].headIdx
	return &Frame{
		pool:  p,
		addr:  addr,
		level: level,
		head:  paging.Paddr(head << paging.PageShift),
		span:  uint64(p.slots[head].span),
	}
}
