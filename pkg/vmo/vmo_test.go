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

package vmo

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"osmem.dev/osmem/pkg/frame"
	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/sync"
)

func newTestPool(t *testing.T) *frame.Pool {
	t.Helper()
	p, err := frame.NewPool(frame.PoolOptions{TotalSize: 256 * paging.PageSize, Name: "vmo-test"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newAnonymous(t *testing.T, pool *frame.Pool, size uint64, flags Flags) *Vmo {
	t.Helper()
	v, err := New(Options{Pool: pool, Size: size, Flags: flags})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.DecRef)
	return v
}

// testPager hands out pages filled with a per-index byte and records
// every call.
type testPager struct {
	pool *frame.Pool

	mu         sync.Mutex
	fill       map[uint64]byte
	needsIO    map[uint64]bool
	commits    []uint64
	overwrites []uint64
	decommits  []uint64
	updates    []uint64
}

func newTestPager(pool *frame.Pool) *testPager {
	return &testPager{
		pool:    pool,
		fill:    make(map[uint64]byte),
		needsIO: make(map[uint64]bool),
	}
}

func (p *testPager) page(b byte) (*frame.Frame, error) {
	f, err := p.pool.AllocFrame(frame.TypeCache)
	if err != nil {
		return nil, err
	}
	if b != 0 {
		buf := bytes.Repeat([]byte{b}, paging.PageSize)
		if err := f.Write(0, buf); err != nil {
			f.DecRef()
			return nil, err
		}
	}
	return f, nil
}

func (p *testPager) CommitPage(idx uint64) (*frame.Frame, error) {
	p.mu.Lock()
	p.commits = append(p.commits, idx)
	b := p.fill[idx]
	p.mu.Unlock()
	return p.page(b)
}

func (p *testPager) CommitOverwrite(idx uint64) (*frame.Frame, error) {
	p.mu.Lock()
	p.overwrites = append(p.overwrites, idx)
	p.mu.Unlock()
	return p.page(0)
}

func (p *testPager) TryCommitPage(idx uint64) (*frame.Frame, error) {
	p.mu.Lock()
	blocked := p.needsIO[idx]
	p.mu.Unlock()
	if blocked {
		return nil, &NeedsIOError{Index: idx}
	}
	return p.CommitPage(idx)
}

func (p *testPager) DecommitPage(idx uint64) {
	p.mu.Lock()
	p.decommits = append(p.decommits, idx)
	p.mu.Unlock()
}

func (p *testPager) UpdatePage(idx uint64) {
	p.mu.Lock()
	p.updates = append(p.updates, idx)
	p.mu.Unlock()
}

func TestCommitIdempotent(t *testing.T) {
	pool := newTestPool(t)
	pager := newTestPager(pool)
	v, err := New(Options{Pool: pool, Size: 4 * paging.PageSize, Pager: pager})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	f1, err := v.Commit(2, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	defer f1.DecRef()
	f2, err := v.Commit(2, 0)
	if err != nil {
		t.Fatalf("Commit(again): %v", err)
	}
	defer f2.DecRef()
	if !f1.Equal(f2) {
		t.Errorf("second commit returned a different frame: %v vs %v", f1, f2)
	}
	if diff := cmp.Diff([]uint64{2}, pager.commits); diff != "" {
		t.Errorf("pager commits (-want +got):\n%s", diff)
	}
}

func TestCommitOutOfBounds(t *testing.T) {
	pool := newTestPool(t)
	v := newAnonymous(t, pool, 2*paging.PageSize, 0)
	if _, err := v.Commit(2, 0); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("Commit(oob): got %v, want ErrInvalidArgument", err)
	}
}

func TestWriteReadResizeScenario(t *testing.T) {
	pool := newTestPool(t)
	v := newAnonymous(t, pool, 2*paging.PageSize, FlagResizable)

	src := make([]byte, 2*paging.PageSize)
	for i := range src {
		src[i] = byte(i*7 + 3)
	}
	if err := v.Write(0, src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(src))
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("Read returned different bytes than written")
	}

	if err := v.Resize(paging.PageSize); err != nil {
		t.Fatalf("Resize(shrink): %v", err)
	}
	half := make([]byte, paging.PageSize)
	if err := v.Read(0, half); err != nil {
		t.Fatalf("Read after shrink: %v", err)
	}
	if !bytes.Equal(half, src[:paging.PageSize]) {
		t.Fatal("first half changed across shrink")
	}
	if err := v.Read(paging.PageSize, half); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Fatalf("Read beyond size: got %v, want ErrInvalidArgument", err)
	}

	if err := v.Resize(2 * paging.PageSize); err != nil {
		t.Fatalf("Resize(grow): %v", err)
	}
	if err := v.Read(paging.PageSize, half); err != nil {
		t.Fatalf("Read of regrown tail: %v", err)
	}
	if !bytes.Equal(half, make([]byte, paging.PageSize)) {
		t.Error("regrown tail is not zero")
	}
}

func TestResizeDecommitsTail(t *testing.T) {
	pool := newTestPool(t)
	pager := newTestPager(pool)
	v, err := New(Options{Pool: pool, Size: 4 * paging.PageSize, Flags: FlagResizable, Pager: pager})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	for idx := uint64(0); idx < 4; idx++ {
		f, err := v.Commit(idx, 0)
		if err != nil {
			t.Fatalf("Commit(%d): %v", idx, err)
		}
		f.DecRef()
	}
	if err := v.Resize(paging.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got := v.CommittedPages(); got != 1 {
		t.Errorf("CommittedPages after shrink: got %d, want 1", got)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, pager.decommits); diff != "" {
		t.Errorf("pager decommits (-want +got):\n%s", diff)
	}
}

func TestWriteOverwriteSkipsFetch(t *testing.T) {
	pool := newTestPool(t)
	pager := newTestPager(pool)
	pager.fill[0] = 0xaa
	v, err := New(Options{Pool: pool, Size: paging.PageSize, Pager: pager})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	// A whole-page write never asks the pager for old content.
	if err := v.Write(0, make([]byte, paging.PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(pager.commits) != 0 {
		t.Errorf("whole-page write fetched old content: commits %v", pager.commits)
	}
	if diff := cmp.Diff([]uint64{0}, pager.overwrites); diff != "" {
		t.Errorf("pager overwrites (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0}, pager.updates); diff != "" {
		t.Errorf("pager updates (-want +got):\n%s", diff)
	}
}

func TestPartialWriteFetches(t *testing.T) {
	pool := newTestPool(t)
	pager := newTestPager(pool)
	pager.fill[0] = 0xaa
	v, err := New(Options{Pool: pool, Size: paging.PageSize, Pager: pager})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	if err := v.Write(16, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 6)
	if err := v.Read(14, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{0xaa, 0xaa, 1, 2, 3, 0xaa}
	if !bytes.Equal(got, want) {
		t.Errorf("Read around partial write: got %v, want %v", got, want)
	}
	if diff := cmp.Diff([]uint64{0}, pager.commits); diff != "" {
		t.Errorf("pager commits (-want +got):\n%s", diff)
	}
}

func TestTryCommitNeedsIO(t *testing.T) {
	pool := newTestPool(t)
	pager := newTestPager(pool)
	pager.needsIO[3] = true
	v, err := New(Options{Pool: pool, Size: 4 * paging.PageSize, Pager: pager})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	_, err = v.TryCommit(3 * paging.PageSize)
	if !errors.Is(err, merr.ErrWouldBlock) {
		t.Fatalf("TryCommit(blocked): got %v, want ErrWouldBlock", err)
	}
	idx, ok := AsNeedsIO(err)
	if !ok || idx != 3 {
		t.Fatalf("AsNeedsIO: got (%d, %v), want (3, true)", idx, ok)
	}

	// Out-of-line resolution, then retry.
	pager.mu.Lock()
	pager.needsIO[3] = false
	pager.mu.Unlock()
	f, err := v.TryCommit(3 * paging.PageSize)
	if err != nil {
		t.Fatalf("TryCommit(retry): %v", err)
	}
	f.DecRef()
}

func TestDecommit(t *testing.T) {
	pool := newTestPool(t)
	pager := newTestPager(pool)
	v, err := New(Options{Pool: pool, Size: 4 * paging.PageSize, Pager: pager})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	for idx := uint64(0); idx < 4; idx++ {
		f, err := v.Commit(idx, 0)
		if err != nil {
			t.Fatalf("Commit(%d): %v", idx, err)
		}
		f.DecRef()
	}
	if err := v.Decommit(paging.PageSize, 2*paging.PageSize); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if got := v.CommittedPages(); got != 2 {
		t.Errorf("CommittedPages: got %d, want 2", got)
	}
	if diff := cmp.Diff([]uint64{1, 2}, pager.decommits); diff != "" {
		t.Errorf("pager decommits (-want +got):\n%s", diff)
	}
}

func TestCowChild(t *testing.T) {
	pool := newTestPool(t)
	parent := newAnonymous(t, pool, 4*paging.PageSize, FlagResizable)

	fill := func(idx uint64, b byte) []byte {
		buf := bytes.Repeat([]byte{b}, paging.PageSize)
		if err := parent.Write(idx*paging.PageSize, buf); err != nil {
			t.Fatalf("parent Write(%d): %v", idx, err)
		}
		return buf
	}
	p0 := fill(0, 0x11)
	p1 := fill(1, 0x22)

	child, err := parent.NewCowChild(4 * paging.PageSize)
	if err != nil {
		t.Fatalf("NewCowChild: %v", err)
	}
	defer child.DecRef()

	// Writing child index 1 must not alter parent index 1.
	if err := child.Write(paging.PageSize, bytes.Repeat([]byte{0x99}, paging.PageSize)); err != nil {
		t.Fatalf("child Write: %v", err)
	}
	got := make([]byte, paging.PageSize)
	if err := parent.Read(paging.PageSize, got); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if !bytes.Equal(got, p1) {
		t.Error("child write leaked into parent")
	}

	// Index 0 was never written in the child; it follows the parent's
	// current content, including changes made after the fork.
	if err := child.Read(0, got); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if !bytes.Equal(got, p0) {
		t.Error("child read of inherited page differs from parent")
	}
	p0 = fill(0, 0x33)
	if err := child.Read(0, got); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if !bytes.Equal(got, p0) {
		t.Error("child does not see parent's current content")
	}
}

func TestCowPartialWriteCopiesParent(t *testing.T) {
	pool := newTestPool(t)
	parent := newAnonymous(t, pool, paging.PageSize, 0)
	if err := parent.Write(0, bytes.Repeat([]byte{0x44}, paging.PageSize)); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	child, err := parent.NewCowChild(paging.PageSize)
	if err != nil {
		t.Fatalf("NewCowChild: %v", err)
	}
	defer child.DecRef()

	if err := child.Write(8, []byte{0xff}); err != nil {
		t.Fatalf("child Write: %v", err)
	}
	got := make([]byte, 3)
	if err := child.Read(7, got); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	want := []byte{0x44, 0xff, 0x44}
	if !bytes.Equal(got, want) {
		t.Errorf("partial cow write: got %v, want %v", got, want)
	}
}

func TestCowParentGoneReadsZero(t *testing.T) {
	pool := newTestPool(t)
	parent, err := New(Options{Pool: pool, Size: paging.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := parent.Write(0, bytes.Repeat([]byte{0x55}, paging.PageSize)); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	child, err := parent.NewCowChild(paging.PageSize)
	if err != nil {
		t.Fatalf("NewCowChild: %v", err)
	}
	defer child.DecRef()

	// The child's back-reference is weak, so this tears the parent
	// down.
	parent.DecRef()

	got := make([]byte, paging.PageSize)
	if err := child.Read(0, got); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, paging.PageSize)) {
		t.Error("torn-down parent did not read as zero")
	}
}

func TestSlicePassThrough(t *testing.T) {
	pool := newTestPool(t)
	parent := newAnonymous(t, pool, 4*paging.PageSize, 0)
	s, err := parent.NewSlice(paging.PageSize, 2*paging.PageSize)
	if err != nil {
		t.Fatalf("NewSlice: %v", err)
	}
	defer s.DecRef()

	// Writes through the slice land in the parent.
	if err := s.Write(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("slice Write: %v", err)
	}
	got := make([]byte, 3)
	if err := parent.Read(paging.PageSize, got); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("slice write not visible in parent: got %v", got)
	}

	// And parent writes are visible through the slice.
	if err := parent.Write(2*paging.PageSize, []byte{9}); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	one := make([]byte, 1)
	if err := s.Read(paging.PageSize, one); err != nil {
		t.Fatalf("slice Read: %v", err)
	}
	if one[0] != 9 {
		t.Errorf("parent write not visible in slice: got %d", one[0])
	}

	// Slice bounds are the window, not the parent.
	if err := s.Read(2*paging.PageSize, one); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("slice Read beyond window: got %v, want ErrInvalidArgument", err)
	}
	if err := s.Resize(4 * paging.PageSize); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("slice Resize: got %v, want ErrInvalidArgument", err)
	}
}

func TestClear(t *testing.T) {
	pool := newTestPool(t)
	v := newAnonymous(t, pool, 2*paging.PageSize, 0)
	if err := v.Write(0, bytes.Repeat([]byte{0x77}, 2*paging.PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Clear(0, 2*paging.PageSize); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got := make([]byte, 2*paging.PageSize)
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 2*paging.PageSize)) {
		t.Error("Clear left non-zero bytes")
	}
}

func TestClearRange(t *testing.T) {
	pool := newTestPool(t)
	v := newAnonymous(t, pool, 3*paging.PageSize, 0)
	if err := v.Write(0, bytes.Repeat([]byte{0x77}, 3*paging.PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// An unaligned interior range: zeroes the tail of page 0, all of
	// page 1 and the head of page 2.
	off := uint64(paging.PageSize - 16)
	length := uint64(paging.PageSize + 32)
	if err := v.Clear(off, length); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got := make([]byte, 3*paging.PageSize)
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := bytes.Repeat([]byte{0x77}, 3*paging.PageSize)
	for i := off; i < off+length; i++ {
		want[i] = 0
	}
	if !bytes.Equal(got, want) {
		t.Error("Clear range left wrong content")
	}

	if err := v.Clear(2*paging.PageSize, 2*paging.PageSize); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("Clear beyond size: got %v, want ErrInvalidArgument", err)
	}
}

func TestClearShadowsInherited(t *testing.T) {
	pool := newTestPool(t)
	parent := newAnonymous(t, pool, paging.PageSize, 0)
	if err := parent.Write(0, bytes.Repeat([]byte{0x55}, paging.PageSize)); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	child, err := parent.NewCowChild(paging.PageSize)
	if err != nil {
		t.Fatalf("NewCowChild: %v", err)
	}
	defer child.DecRef()

	if err := child.Clear(0, paging.PageSize); err != nil {
		t.Fatalf("child Clear: %v", err)
	}
	one := make([]byte, 1)
	if err := child.Read(0, one); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if one[0] != 0 {
		t.Errorf("cleared inherited page reads %#x, want 0", one[0])
	}
	// The parent keeps its content.
	if err := parent.Read(0, one); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if one[0] != 0x55 {
		t.Errorf("parent page reads %#x after child Clear, want 0x55", one[0])
	}
}

func TestContiguous(t *testing.T) {
	pool := newTestPool(t)
	v, err := New(Options{Pool: pool, Size: 4 * paging.PageSize, Flags: FlagContiguous | FlagDMA})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.DecRef()

	seg := v.Segment()
	if seg == nil {
		t.Fatal("contiguous vmo has no segment")
	}
	defer seg.DecRef()
	if got, want := seg.Size(), uint64(4*paging.PageSize); got != want {
		t.Errorf("segment size: got %#x, want %#x", got, want)
	}

	// Frames are physically adjacent.
	for off := uint64(0); off < 4*paging.PageSize; off += paging.PageSize {
		f, err := v.Commit(off/paging.PageSize, 0)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if got, want := f.Paddr(), seg.Paddr()+paging.Paddr(off); got != want {
			t.Errorf("page %d: got paddr %#x, want %#x", off/paging.PageSize, uint64(got), uint64(want))
		}
		f.DecRef()
	}

	if err := v.Write(paging.PageSize-2, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write across pages: %v", err)
	}
	got := make([]byte, 4)
	if err := seg.Read(paging.PageSize-2, got); err != nil {
		t.Fatalf("segment Read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("cross-page write: got %v", got)
	}

	for _, f := range []Flags{FlagContiguous | FlagResizable, FlagDMA} {
		if _, err := New(Options{Pool: pool, Size: paging.PageSize, Flags: f}); !errors.Is(err, merr.ErrInvalidArgument) {
			t.Errorf("New(flags=%#x): got %v, want ErrInvalidArgument", f, err)
		}
	}
}

func TestZeroLengthRejected(t *testing.T) {
	pool := newTestPool(t)
	v := newAnonymous(t, pool, paging.PageSize, 0)
	if err := v.Read(0, nil); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("Read(zero length): got %v, want ErrInvalidArgument", err)
	}
	if err := v.Write(0, nil); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("Write(zero length): got %v, want ErrInvalidArgument", err)
	}
}
