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

	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
)

// Segment is a reference-counted handle to a contiguous run of frames.
//
// All handles derived from one run, including slices produced with
// Range, share a single reference count kept in the run's head frame.
// The underlying allocation is freed as a whole when the count reaches
// zero; slicing never splits it.
type Segment struct {
	pool *Pool

	// r is this handle's view of the run.
	r paging.PaddrRange

	// head and span identify the underlying run, which owns the shared
	// reference count.
	head paging.Paddr
	span uint64
}

// Paddr returns the physical address of the start of this handle's
// view.
func (s *Segment) Paddr() paging.Paddr {
	return s.r.Start
}

// Range returns this handle's view of the run.
func (s *Segment) Range() paging.PaddrRange {
	return s.r
}

// Size returns the length of this handle's view in bytes.
func (s *Segment) Size() uint64 {
	return s.r.Length()
}

// Clone increments the shared reference count and returns a new handle
// with the same view.
func (s *Segment) Clone() *Segment {
	s.pool.slot(s.head.PageIndex()).incRef()
	c := *s
	return &c
}

// DecRef drops one reference. When the count reaches zero the whole
// underlying run returns to the Free state, regardless of which slice's
// handle performed the final drop.
func (s *Segment) DecRef() {
	s.pool.decRefRun(s.head.PageIndex(), s.span)
}

// Slice returns a handle covering sub, a byte range relative to this
// handle's view. The new handle shares the run's reference count.
//
// Slice panics if sub is empty, misaligned, or not contained in this
// handle's view: a malformed slice request is a caller bug.
func (s *Segment) Slice(sub paging.PaddrRange) *Segment {
	abs := paging.PaddrRange{Start: s.r.Start + sub.Start, End: s.r.Start + sub.End}
	if sub.IsEmpty() || !sub.PageAligned() || abs.End < abs.Start || !s.contains(abs) {
		panic(fmt.Sprintf("frame: slice %v outside segment view %v", sub, paging.PaddrRange{Start: 0, End: paging.Paddr(s.Size())}))
	}
	s.pool.slot(s.head.PageIndex()).incRef()
	return &Segment{pool: s.pool, r: abs, head: s.head, span: s.span}
}

func (s *Segment) contains(abs paging.PaddrRange) bool {
	return s.r.Start <= abs.Start && abs.End <= s.r.End
}

// FrameAt returns a Frame handle for the page at byte offset off within
// this handle's view. The frame handle holds its own reference on the
// run's shared count.
//
// Unlike an independently claimed Frame, dropping the returned handle
// only releases that shared reference.
func (s *Segment) FrameAt(off uint64) (*Frame, error) {
	if off%paging.PageSize != 0 || off >= s.Size() {
		return nil, fmt.Errorf("offset %#x not a page within the segment: %w", off, merr.ErrInvalidArgument)
	}
	s.pool.slot(s.head.PageIndex()).incRef()
	return &Frame{pool: s.pool, addr: s.r.Start + paging.Paddr(off), level: 1, head: s.head, span: s.span}, nil
}

// Read copies len(dst) bytes starting at off within the view into dst.
func (s *Segment) Read(off uint64, dst []byte) error {
	b, err := s.bytesRange(off, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Write copies src into the view starting at off.
func (s *Segment) Write(off uint64, src []byte) error {
	b, err := s.bytesRange(off, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// Bytes returns the view's backing memory. The slice is valid only
// while the caller holds a reference to the segment.
func (s *Segment) Bytes() []byte {
	return s.pool.slice(s.r.Start, s.Size())
}

func (s *Segment) bytesRange(off, length uint64) ([]byte, error) {
	end := off + length
	if end < off || end > s.Size() {
		return nil, fmt.Errorf("range [%#x, %#x) outside segment of size %#x: %w", off, end, s.Size(), merr.ErrInvalidArgument)
	}
	return s.pool.slice(s.r.Start+paging.Paddr(off), length), nil
}

// String implements fmt.Stringer.
func (s *Segment) String() string {
	return fmt.Sprintf("Segment(%v)", s.r)
}
