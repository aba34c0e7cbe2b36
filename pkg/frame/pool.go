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

package frame

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/sync"
)

// Meta is optional typed metadata attached to a claimed frame or run.
//
// Attaching metadata transfers its ownership to the frame: Release is
// called exactly once, when the last reference to the frame is dropped,
// before the pages return to the Free state.
type Meta interface {
	Release()
}

// slot is the per-frame metadata record.
//
// refs is the shared reference count for the run headed at this frame;
// it is meaningful only in the head frame's slot and is zero exactly
// while the run is Free. span and meta are likewise head-only.
type slot struct {
	refs atomic.Int64
	typ  Type
	span uint32

	// headIdx is the frame index of the run's head, for every frame in
	// a claimed run. It lets a bare physical address be turned back
	// into a handle on the owning run.
	headIdx uint64

	meta Meta
}

func (s *slot) incRef() {
	if v := s.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("frame: incrementing reference on free frame (count %d)", v))
	}
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// TotalSize is the size of the physical space in bytes. It is
	// rounded up to a page boundary.
	TotalSize uint64

	// Name is the name of the backing memory file, for debugging. If
	// empty a default is used.
	Name string
}

// Pool is the physical frame source: it owns a physical address space
// and hands out exclusively-owned frames from it.
//
// The space is backed by an anonymous memory file so that frame
// contents live outside the Go heap and Paddr is a stable byte offset
// into the mapping.
type Pool struct {
	mem []byte
	fd  int

	totalFrames uint64

	mu sync.Mutex

	// bitmap has one bit per frame; a set bit means claimed. Guarded by
	// mu.
	bitmap []uint64

	// freeFrames counts unset bits in bitmap. Guarded by mu.
	freeFrames uint64

	slots []slot
}

// NewPool creates a Pool with its own physical space.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.TotalSize == 0 {
		return nil, fmt.Errorf("pool size must be positive: %w", merr.ErrInvalidArgument)
	}
	size, ok := paging.Paddr(opts.TotalSize).RoundUp()
	if !ok {
		return nil, fmt.Errorf("pool size %#x overflows: %w", opts.TotalSize, merr.ErrInvalidArgument)
	}
	name := opts.Name
	if name == "" {
		name = "osmem-frame-pool"
	}
	mem, fd, err := createMemory(name, uint64(size))
	if err != nil {
		return nil, err
	}
	n := size.PageIndex()
	return &Pool{
		mem:         mem,
		fd:          fd,
		totalFrames: n,
		bitmap:      make([]uint64, (n+63)/64),
		freeFrames:  n,
		slots:       make([]slot, n),
	}, nil
}

// Close releases the pool's physical space. No frame handles may be
// used afterwards.
func (p *Pool) Close() error {
	return releaseMemory(p.mem, p.fd)
}

// TotalFrames returns the number of frames in the pool.
func (p *Pool) TotalFrames() uint64 {
	return p.totalFrames
}

// FreeFrames returns the current number of Free frames. The value is
// stale as soon as it is returned.
func (p *Pool) FreeFrames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeFrames
}

func (p *Pool) slot(idx uint64) *slot {
	return &p.slots[idx]
}

func (p *Pool) slice(addr paging.Paddr, length uint64) []byte {
	return p.mem[addr : uint64(addr)+length]
}

// AllocFrame claims one Free frame of the given type, zero-filled.
func (p *Pool) AllocFrame(typ Type) (*Frame, error) {
	f, err := p.AllocFrameUninit(typ)
	if err != nil {
		return nil, err
	}
	f.Zero()
	return f, nil
}

// AllocFrameUninit claims one Free frame of the given type without
// zeroing it. The frame's previous contents are unspecified.
func (p *Pool) AllocFrameUninit(typ Type) (*Frame, error) {
	idx, err := p.findAndClaim(1, typ)
	if err != nil {
		return nil, err
	}
	addr := paging.Paddr(idx << paging.PageShift)
	return &Frame{pool: p, addr: addr, level: 1, head: addr, span: 1}, nil
}

// AllocContiguous claims a zero-filled contiguous run of count frames
// sharing one reference count.
func (p *Pool) AllocContiguous(count uint64, typ Type) (*Segment, error) {
	if count == 0 {
		return nil, fmt.Errorf("zero-length segment: %w", merr.ErrInvalidArgument)
	}
	idx, err := p.findAndClaim(count, typ)
	if err != nil {
		return nil, err
	}
	start := paging.Paddr(idx << paging.PageShift)
	s := &Segment{
		pool: p,
		r:    paging.PaddrRange{Start: start, End: start + paging.Paddr(count*paging.PageSize)},
		head: start,
		span: count,
	}
	b := s.Bytes()
	for i := range b {
		b[i] = 0
	}
	return s, nil
}

// ClaimContiguous claims the specific run [startIndex, startIndex+count)
// of Free frames, returning a Segment holding the sole reference.
//
// It fails with merr.ErrInvalidArgument if the run is out of range and
// panics if any frame in it is not Free.
func (p *Pool) ClaimContiguous(startIndex, count uint64, typ Type) (*Segment, error) {
	if count == 0 || startIndex+count < startIndex || startIndex+count > p.totalFrames {
		return nil, fmt.Errorf("frame run [%d, %d) out of range: %w", startIndex, startIndex+count, merr.ErrInvalidArgument)
	}
	if err := p.claimRun(startIndex, count, typ); err != nil {
		return nil, err
	}
	start := paging.Paddr(startIndex << paging.PageShift)
	return &Segment{
		pool: p,
		r:    paging.PaddrRange{Start: start, End: start + paging.Paddr(count*paging.PageSize)},
		head: start,
		span: count,
	}, nil
}

// findAndClaim finds a Free run of count frames first-fit and claims
// it, returning the run's first frame index.
func (p *Pool) findAndClaim(count uint64, typ Type) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeFrames < count {
		return 0, fmt.Errorf("%d frames requested, %d free: %w", count, p.freeFrames, merr.ErrNoMemory)
	}
	var run uint64
	for idx := uint64(0); idx < p.totalFrames; idx++ {
		if p.testBit(idx) {
			run = 0
			continue
		}
		run++
		if run == count {
			start := idx + 1 - count
			p.claimRunLocked(start, count, typ)
			return start, nil
		}
	}
	return 0, fmt.Errorf("no contiguous run of %d frames: %w", count, merr.ErrNoMemory)
}

func (p *Pool) claimRun(start, count uint64, typ Type) error {
	if start+count < start || start+count > p.totalFrames {
		return fmt.Errorf("frame run [%d, %d) out of range: %w", start, start+count, merr.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx := start; idx < start+count; idx++ {
		if p.testBit(idx) {
			panic(fmt.Sprintf("frame: claiming frame %d (%s) that is not Free", idx, p.slots[idx].typ))
		}
	}
	p.claimRunLocked(start, count, typ)
	return nil
}

// Preconditions: p.mu is locked; every frame in the run is Free.
func (p *Pool) claimRunLocked(start, count uint64, typ Type) {
	for idx := start; idx < start+count; idx++ {
		p.setBit(idx)
		p.slots[idx].typ = typ
		p.slots[idx].headIdx = start
	}
	head := &p.slots[start]
	head.span = uint32(count)
	head.refs.Store(1)
	p.freeFrames -= count
}

// decRefRun drops one reference from the run headed at frame index
// head. On the last drop the run's metadata is released and the frames
// return to the Free state.
func (p *Pool) decRefRun(head, span uint64) {
	s := &p.slots[head]
	switch v := s.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("frame: decrementing reference on free frame %d", head))
	case v == 0:
		// The decrement had release ordering and reaching zero implies
		// every other handle's final access happened-before this point,
		// mirroring the release/acquire pairing of a shared-pointer
		// drop. The frames may now be reused.
		if m := s.meta; m != nil {
			s.meta = nil
			m.Release()
		}
		p.freeRun(head, span)
	}
}

func (p *Pool) freeRun(start, count uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx := start; idx < start+count; idx++ {
		p.clearBit(idx)
		p.slots[idx].typ = TypeFree
	}
	p.slots[start].span = 0
	p.freeFrames += count
}

func (p *Pool) testBit(idx uint64) bool {
	return p.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (p *Pool) setBit(idx uint64) {
	p.bitmap[idx/64] |= 1 << (idx % 64)
}

func (p *Pool) clearBit(idx uint64) {
	p.bitmap[idx/64] &^= 1 << (idx % 64)
}

// UsedFrames returns the number of claimed frames.
func (p *Pool) UsedFrames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var used uint64
	for _, w := range p.bitmap {
		used += uint64(bits.OnesCount64(w))
	}
	return used
}

// SetMeta attaches metadata to the frame. Ownership of m transfers to
// the frame; see Meta.
//
// Preconditions: the caller holds a reference and synchronizes with all
// other metadata accesses.
func (f *Frame) SetMeta(m Meta) {
	f.pool.slot(f.head.PageIndex()).meta = m
}

// Meta returns the metadata attached to the frame, or nil.
//
// Preconditions: as for SetMeta.
func (f *Frame) Meta() Meta {
	return f.pool.slot(f.head.PageIndex()).meta
}
