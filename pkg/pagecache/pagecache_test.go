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

package pagecache

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"osmem.dev/osmem/pkg/frame"
	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/sync"
	"osmem.dev/osmem/pkg/vmo"
)

// fakeBackend is an in-memory Backend whose completions run
// synchronously inside ReadPage/WritePage.
type fakeBackend struct {
	mu        sync.Mutex
	data      [][]byte
	failRead  map[uint64]bool
	failWrite map[uint64]bool
	reads     []uint64
	writes    []uint64
}

func newFakeBackend(npages int) *fakeBackend {
	b := &fakeBackend{
		data:      make([][]byte, npages),
		failRead:  make(map[uint64]bool),
		failWrite: make(map[uint64]bool),
	}
	for i := range b.data {
		b.data[i] = make([]byte, paging.PageSize)
	}
	return b
}

func (b *fakeBackend) NPages() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

func (b *fakeBackend) ReadPage(idx uint64, target *frame.Frame, done func(ok bool)) {
	b.mu.Lock()
	b.reads = append(b.reads, idx)
	fail := b.failRead[idx]
	var buf []byte
	if !fail {
		buf = append([]byte(nil), b.data[idx]...)
	}
	b.mu.Unlock()
	if fail {
		done(false)
		return
	}
	if err := target.Write(0, buf); err != nil {
		done(false)
		return
	}
	done(true)
}

func (b *fakeBackend) WritePage(idx uint64, source *frame.Frame, done func(ok bool)) {
	buf := make([]byte, paging.PageSize)
	if err := source.Read(0, buf); err != nil {
		done(false)
		return
	}
	b.mu.Lock()
	b.writes = append(b.writes, idx)
	fail := b.failWrite[idx]
	if !fail {
		copy(b.data[idx], buf)
	}
	b.mu.Unlock()
	done(!fail)
}

func (b *fakeBackend) fill(idx uint64, v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data[idx] {
		b.data[idx][i] = v
	}
}

func (b *fakeBackend) readLog() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.reads...)
}

func (b *fakeBackend) writeLog() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.writes...)
}

func newTestCache(t *testing.T, npages int) (*Cache, *fakeBackend) {
	t.Helper()
	pool, err := frame.NewPool(frame.PoolOptions{TotalSize: 256 * paging.PageSize, Name: "pagecache-test"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	b := newFakeBackend(npages)
	c := New(pool, b)
	t.Cleanup(func() { c.Close() })
	return c, b
}

func TestCommitReadsBackend(t *testing.T) {
	c, b := newTestCache(t, 8)
	b.fill(2, 0x5a)
	f, err := c.CommitPage(2)
	if err != nil {
		t.Fatalf("CommitPage(2): %v", err)
	}
	defer f.DecRef()
	got := make([]byte, paging.PageSize)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x5a}, paging.PageSize)) {
		t.Errorf("page content = %#x..., want all 0x5a", got[:4])
	}
	if diff := cmp.Diff([]uint64{2}, b.readLog()); diff != "" {
		t.Errorf("backend reads (-want +got):\n%s", diff)
	}
}

func TestCommitIdempotent(t *testing.T) {
	c, b := newTestCache(t, 8)
	f1, err := c.CommitPage(5)
	if err != nil {
		t.Fatalf("CommitPage: %v", err)
	}
	defer f1.DecRef()
	f2, err := c.CommitPage(5)
	if err != nil {
		t.Fatalf("CommitPage again: %v", err)
	}
	defer f2.DecRef()
	if f1.Paddr() != f2.Paddr() {
		t.Errorf("recommit returned a different frame: %#x vs %#x", f1.Paddr(), f2.Paddr())
	}
	if diff := cmp.Diff([]uint64{5}, b.readLog()); diff != "" {
		t.Errorf("backend reads (-want +got):\n%s", diff)
	}
}

func TestCommitOverwriteSkipsRead(t *testing.T) {
	c, b := newTestCache(t, 8)
	b.fill(1, 0xff)
	f, err := c.CommitOverwrite(1)
	if err != nil {
		t.Fatalf("CommitOverwrite: %v", err)
	}
	defer f.DecRef()
	if len(b.readLog()) != 0 {
		t.Errorf("overwrite commit read the backend: %v", b.readLog())
	}
	got := make([]byte, 4)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Errorf("overwrite page starts %#x, want zeros", got)
	}
}

func TestTryCommitFillsAsync(t *testing.T) {
	c, b := newTestCache(t, 8)
	b.fill(3, 0x11)
	_, err := c.TryCommitPage(3)
	if err == nil {
		t.Fatalf("TryCommitPage on a cold page succeeded")
	}
	if !errors.Is(err, merr.ErrWouldBlock) {
		t.Fatalf("TryCommitPage error = %v, want ErrWouldBlock", err)
	}
	if idx, ok := vmo.AsNeedsIO(err); !ok || idx != 3 {
		t.Fatalf("AsNeedsIO = %d, %t, want 3, true", idx, ok)
	}
	// The fake backend completes inline, so the fill has landed.
	f, err := c.TryCommitPage(3)
	if err != nil {
		t.Fatalf("TryCommitPage after fill: %v", err)
	}
	defer f.DecRef()
	got := make([]byte, 2)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 0x11 || got[1] != 0x11 {
		t.Errorf("filled page starts %#x, want 0x11s", got)
	}
	if diff := cmp.Diff([]uint64{3}, b.readLog()); diff != "" {
		t.Errorf("backend reads (-want +got):\n%s", diff)
	}
}

func TestFlushWritesDirty(t *testing.T) {
	c, b := newTestCache(t, 8)
	f, err := c.CommitOverwrite(4)
	if err != nil {
		t.Fatalf("CommitOverwrite: %v", err)
	}
	defer f.DecRef()
	if err := f.Write(0, bytes.Repeat([]byte{0xab}, paging.PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.UpdatePage(4)
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff([]uint64{4}, b.writeLog()); diff != "" {
		t.Errorf("backend writes (-want +got):\n%s", diff)
	}
	if b.data[4][0] != 0xab || b.data[4][paging.PageSize-1] != 0xab {
		t.Errorf("backend data not updated: %#x", b.data[4][:4])
	}
	// A clean page does not flush again.
	if err := c.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := b.writeLog(); len(got) != 1 {
		t.Errorf("clean flush wrote pages: %v", got)
	}
}

func TestFlushRangeScopesWrites(t *testing.T) {
	c, b := newTestCache(t, 8)
	for _, idx := range []uint64{2, 6} {
		f, err := c.CommitOverwrite(idx)
		if err != nil {
			t.Fatalf("CommitOverwrite(%d): %v", idx, err)
		}
		if err := f.Write(0, []byte{byte(idx)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		c.UpdatePage(idx)
		f.DecRef()
	}
	if err := c.FlushRange(2*paging.PageSize, paging.PageSize); err != nil {
		t.Fatalf("FlushRange: %v", err)
	}
	if diff := cmp.Diff([]uint64{2}, b.writeLog()); diff != "" {
		t.Errorf("backend writes (-want +got):\n%s", diff)
	}
	if err := c.FlushRange(1, paging.PageSize); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("unaligned FlushRange error = %v, want ErrInvalidArgument", err)
	}
}

func TestFailedWritebackLeavesClean(t *testing.T) {
	c, b := newTestCache(t, 8)
	f, err := c.CommitOverwrite(1)
	if err != nil {
		t.Fatalf("CommitOverwrite: %v", err)
	}
	defer f.DecRef()
	c.UpdatePage(1)
	b.mu.Lock()
	b.failWrite[1] = true
	b.mu.Unlock()
	if err := c.Flush(); !errors.Is(err, merr.ErrIO) {
		t.Fatalf("Flush with failing device error = %v, want ErrIO", err)
	}
	// The dirty data was dropped, not retried.
	b.mu.Lock()
	delete(b.failWrite, 1)
	b.mu.Unlock()
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush after failure: %v", err)
	}
	if got := b.writeLog(); len(got) != 1 {
		t.Errorf("page retried after failed write-back: %v", got)
	}
}

func TestFailedReadSurfaces(t *testing.T) {
	c, b := newTestCache(t, 8)
	b.mu.Lock()
	b.failRead[2] = true
	b.mu.Unlock()
	if _, err := c.CommitPage(2); !errors.Is(err, merr.ErrIO) {
		t.Fatalf("CommitPage with failing device error = %v, want ErrIO", err)
	}
	b.mu.Lock()
	delete(b.failRead, 2)
	b.mu.Unlock()
	f, err := c.CommitPage(2)
	if err != nil {
		t.Fatalf("CommitPage after failure: %v", err)
	}
	f.DecRef()
}

func TestDecommitDropsPage(t *testing.T) {
	c, b := newTestCache(t, 8)
	baseline := c.pool.UsedFrames()
	f, err := c.CommitPage(5)
	if err != nil {
		t.Fatalf("CommitPage: %v", err)
	}
	f.DecRef()
	c.DecommitPage(5)
	if got := c.ResidentPages(); got != 0 {
		t.Errorf("ResidentPages = %d after decommit, want 0", got)
	}
	if got := c.pool.UsedFrames(); got != baseline {
		t.Errorf("UsedFrames = %d after decommit, want %d", got, baseline)
	}
	// Recommitting reads the backend again.
	f, err = c.CommitPage(5)
	if err != nil {
		t.Fatalf("CommitPage after decommit: %v", err)
	}
	f.DecRef()
	if diff := cmp.Diff([]uint64{5, 5}, b.readLog()); diff != "" {
		t.Errorf("backend reads (-want +got):\n%s", diff)
	}
}

func TestDiscardKeepsDirty(t *testing.T) {
	c, _ := newTestCache(t, 8)
	fClean, err := c.CommitPage(0)
	if err != nil {
		t.Fatalf("CommitPage(0): %v", err)
	}
	fClean.DecRef()
	fDirty, err := c.CommitOverwrite(1)
	if err != nil {
		t.Fatalf("CommitOverwrite(1): %v", err)
	}
	fDirty.DecRef()
	c.UpdatePage(1)

	if err := c.DiscardRange(0, 2*paging.PageSize); err != nil {
		t.Fatalf("DiscardRange: %v", err)
	}
	if got := c.ResidentPages(); got != 1 {
		t.Errorf("ResidentPages = %d after discard, want 1 (dirty page retained)", got)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := c.DiscardRange(0, 2*paging.PageSize); err != nil {
		t.Fatalf("second DiscardRange: %v", err)
	}
	if got := c.ResidentPages(); got != 0 {
		t.Errorf("ResidentPages = %d after flush and discard, want 0", got)
	}
}

func TestDiscardSkipsHeldPages(t *testing.T) {
	c, b := newTestCache(t, 8)
	b.fill(0, 0x11)
	v, err := c.NewVmo()
	if err != nil {
		t.Fatalf("NewVmo: %v", err)
	}
	defer v.DecRef()
	got := make([]byte, 4)
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Vmo read: %v", err)
	}

	// The Vmo still holds page 0 committed, so the discard must leave it
	// resident; dropping it would strand the Vmo's handle outside the
	// cache and lose every later write through it.
	if err := c.DiscardRange(0, paging.PageSize); err != nil {
		t.Fatalf("DiscardRange: %v", err)
	}
	if got := c.ResidentPages(); got != 1 {
		t.Fatalf("ResidentPages = %d after discard of a held page, want 1", got)
	}

	if err := v.Write(0, bytes.Repeat([]byte{0xee}, paging.PageSize)); err != nil {
		t.Fatalf("Vmo write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff([]uint64{0}, b.writeLog()); diff != "" {
		t.Errorf("backend writes (-want +got):\n%s", diff)
	}
	if b.data[0][0] != 0xee {
		t.Errorf("backend page 0 starts %#x, want 0xee", b.data[0][0])
	}
}

func TestSequentialReadahead(t *testing.T) {
	c, b := newTestCache(t, 16)
	for _, idx := range []uint64{0, 1} {
		f, err := c.CommitPage(idx)
		if err != nil {
			t.Fatalf("CommitPage(%d): %v", idx, err)
		}
		f.DecRef()
	}
	// Accessing page 1 right after page 0 opens a two-page window, so
	// pages 2 and 3 were prefetched.
	if diff := cmp.Diff([]uint64{0, 1, 2, 3}, b.readLog()); diff != "" {
		t.Errorf("backend reads (-want +got):\n%s", diff)
	}
	// A seek collapses the window.
	f, err := c.CommitPage(10)
	if err != nil {
		t.Fatalf("CommitPage(10): %v", err)
	}
	f.DecRef()
	if diff := cmp.Diff([]uint64{0, 1, 2, 3, 10}, b.readLog()); diff != "" {
		t.Errorf("backend reads after seek (-want +got):\n%s", diff)
	}
}

// gatedBackend holds the completion of reads at or above gateMin so a
// test can keep fills in flight and release them later.
type gatedBackend struct {
	*fakeBackend
	gmu     sync.Mutex
	gateMin uint64
	held    []func()
}

func (g *gatedBackend) ReadPage(idx uint64, target *frame.Frame, done func(ok bool)) {
	g.gmu.Lock()
	gated := idx >= g.gateMin
	g.gmu.Unlock()
	if !gated {
		g.fakeBackend.ReadPage(idx, target, done)
		return
	}
	g.fakeBackend.ReadPage(idx, target, func(ok bool) {
		g.gmu.Lock()
		g.held = append(g.held, func() { done(ok) })
		g.gmu.Unlock()
	})
}

func (g *gatedBackend) release() {
	g.gmu.Lock()
	held := g.held
	g.held = nil
	g.gateMin = ^uint64(0)
	g.gmu.Unlock()
	for _, fn := range held {
		fn()
	}
}

func TestReadaheadSingleWindow(t *testing.T) {
	pool, err := frame.NewPool(frame.PoolOptions{TotalSize: 256 * paging.PageSize, Name: "pagecache-window-test"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	b := &gatedBackend{fakeBackend: newFakeBackend(16), gateMin: 7}
	c := New(pool, b)
	t.Cleanup(func() {
		b.release()
		c.Close()
	})
	inflight := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ra.inflight
	}
	mustCommit := func(idx uint64) {
		t.Helper()
		f, err := c.CommitPage(idx)
		if err != nil {
			t.Fatalf("CommitPage(%d): %v", idx, err)
		}
		f.DecRef()
	}

	// Make page 6 resident ahead of time, non-sequentially, so the later
	// sequential access at 6 completes without touching the in-flight
	// window.
	mustCommit(0)
	mustCommit(6)
	// 4 then 5 opens a two-page window {6, 7}: 6 is resident, 7's fill
	// dispatches and its completion is held.
	mustCommit(4)
	mustCommit(5)
	if got := inflight(); got != 1 {
		t.Fatalf("fills in flight after window open = %d, want 1", got)
	}

	// A further sequential access must not open a second window while
	// the first is still in flight.
	mustCommit(6)
	if diff := cmp.Diff([]uint64{0, 6, 4, 5, 7}, b.readLog()); diff != "" {
		t.Errorf("backend reads with window in flight (-want +got):\n%s", diff)
	}
	if got := c.ResidentPages(); got != 5 {
		t.Errorf("ResidentPages = %d with window in flight, want 5", got)
	}
	if got := inflight(); got != 1 {
		t.Errorf("fills in flight after suppressed window = %d, want 1", got)
	}

	// Draining the window lets the next sequential access open one.
	b.release()
	if got := inflight(); got != 0 {
		t.Fatalf("fills in flight after drain = %d, want 0", got)
	}
	mustCommit(7)
	want := []uint64{0, 6, 4, 5, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if diff := cmp.Diff(want, b.readLog()); diff != "" {
		t.Errorf("backend reads after drain (-want +got):\n%s", diff)
	}
}

func TestBadIndexRejected(t *testing.T) {
	c, _ := newTestCache(t, 4)
	if _, err := c.CommitPage(4); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("CommitPage past end error = %v, want ErrInvalidArgument", err)
	}
	if _, err := c.TryCommitPage(100); !errors.Is(err, merr.ErrInvalidArgument) {
		t.Errorf("TryCommitPage past end error = %v, want ErrInvalidArgument", err)
	}
}

func TestConcurrentCommitsSingleRead(t *testing.T) {
	c, b := newTestCache(t, 8)
	var (
		mu     sync.Mutex
		paddrs []paging.Paddr
	)
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			f, err := c.CommitPage(6)
			if err != nil {
				return err
			}
			mu.Lock()
			paddrs = append(paddrs, f.Paddr())
			mu.Unlock()
			f.DecRef()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent commits: %v", err)
	}
	for _, pa := range paddrs {
		if pa != paddrs[0] {
			t.Fatalf("concurrent commits returned different frames: %v", paddrs)
		}
	}
	if diff := cmp.Diff([]uint64{6}, b.readLog()); diff != "" {
		t.Errorf("backend reads (-want +got):\n%s", diff)
	}
}

func TestVmoIntegration(t *testing.T) {
	c, b := newTestCache(t, 8)
	b.fill(0, 0x33)
	v, err := c.NewVmo()
	if err != nil {
		t.Fatalf("NewVmo: %v", err)
	}
	defer v.DecRef()
	if got, want := v.Size(), uint64(8*paging.PageSize); got != want {
		t.Fatalf("Vmo size = %d, want %d", got, want)
	}

	got := make([]byte, 4)
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Vmo read: %v", err)
	}
	if !bytes.Equal(got, []byte{0x33, 0x33, 0x33, 0x33}) {
		t.Errorf("Vmo read = %#x, want 0x33s", got)
	}

	// A whole-page write goes through the overwrite path and lands on
	// the backend after a flush.
	page := bytes.Repeat([]byte{0x77}, paging.PageSize)
	if err := v.Write(2*paging.PageSize, page); err != nil {
		t.Fatalf("Vmo write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff([]uint64{2}, b.writeLog()); diff != "" {
		t.Errorf("backend writes (-want +got):\n%s", diff)
	}
	if b.data[2][0] != 0x77 {
		t.Errorf("backend page 2 starts %#x, want 0x77", b.data[2][0])
	}
}
