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

// Package pagecache caches file content in memory: a vmo.Pager backed
// by asynchronous Backend I/O, tracking per-page state (uninitialized,
// up to date, dirty), writing dirty pages back on flush, and reading
// ahead on sequential access.
package pagecache

import (
	"fmt"
	"sync/atomic"
	"time"

	"osmem.dev/osmem/pkg/frame"
	"osmem.dev/osmem/pkg/log"
	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
	"osmem.dev/osmem/pkg/sync"
	"osmem.dev/osmem/pkg/vmo"
)

// Backend is the asynchronous I/O interface a file system implements
// for its page cache. Completion callbacks receive a success flag and
// run outside any page lock.
type Backend interface {
	// ReadPage fills target with the content of backing page idx and
	// calls done with the outcome.
	ReadPage(idx uint64, target *frame.Frame, done func(ok bool))

	// WritePage writes source back to backing page idx and calls done
	// with the outcome.
	WritePage(idx uint64, source *frame.Frame, done func(ok bool))

	// NPages returns the current number of backing pages.
	NPages() uint64
}

// pageState tracks a cache page's synchronization with the backing
// store.
type pageState uint8

const (
	// stateUninit is a freshly allocated, unreadable page.
	stateUninit pageState = iota

	// stateUpToDate matches the backing store.
	stateUpToDate

	// stateDirty was modified and not yet flushed. A page never goes
	// directly from stateUninit to stateDirty.
	stateDirty
)

// page is one cached page. locked is the page's exclusion bit: state
// transitions require it, and contenders block on the cache's hashed
// wait table. writingBack is set before a write-back dispatches and
// cleared only by its completion; until then the page cannot be
// discarded.
//
// All fields except f and idx are guarded by the cache's mu; locked
// and writingBack are additionally waited on through the wait table.
type page struct {
	idx uint64
	f   *frame.Frame

	state       pageState
	locked      bool
	writingBack bool
}

// waitBuckets is the size of the hashed wait table. Waiters for
// different pages may share a bucket; a little false contention buys
// bounded memory.
const waitBuckets = 64

type waitBucket struct {
	mu   sync.Mutex
	cond *sync.Cond
}

type waitTable struct {
	buckets [waitBuckets]waitBucket
}

func (t *waitTable) init() {
	for i := range t.buckets {
		t.buckets[i].cond = sync.NewCond(&t.buckets[i].mu)
	}
}

func (t *waitTable) bucket(pa paging.Paddr) *waitBucket {
	return &t.buckets[pa.PageIndex()%waitBuckets]
}

// maxReadaheadPages caps the readahead window.
const maxReadaheadPages = 32

// readahead doubles its window on sequential access and collapses on
// a seek. At most one window is in flight: inflight counts its pending
// fills, and no new window opens until it drains.
type readahead struct {
	prev     uint64
	window   uint64
	inflight int
}

func (r *readahead) advance(idx uint64) uint64 {
	if idx == r.prev+1 {
		if r.window == 0 {
			r.window = 2
		} else if r.window < maxReadaheadPages {
			r.window *= 2
		}
	} else {
		r.window = 0
	}
	r.prev = idx
	return r.window
}

var wbLog = log.Limited(30 * time.Second)

// Cache is a page cache over one Backend. It implements vmo.Pager, so
// a Vmo built on it demand-pages file content.
type Cache struct {
	pool    *frame.Pool
	backend Backend

	// mu guards pages and ra. It is never held across backend I/O or
	// a completion wait.
	mu    sync.Mutex
	pages map[uint64]*page
	ra    readahead

	wt waitTable
}

var _ vmo.Pager = (*Cache)(nil)

// New builds a Cache over backend, drawing frames from pool.
func New(pool *frame.Pool, backend Backend) *Cache {
	c := &Cache{
		pool:    pool,
		backend: backend,
		pages:   make(map[uint64]*page),
	}
	c.wt.init()
	return c
}

// NewVmo returns a resizable Vmo paged by this cache, sized to the
// backend's current length. The caller owns the returned reference.
func (c *Cache) NewVmo() (*vmo.Vmo, error) {
	return vmo.New(vmo.Options{
		Pool:  c.pool,
		Size:  c.backend.NPages() * paging.PageSize,
		Flags: vmo.FlagResizable,
		Pager: c,
	})
}

// lockPage acquires pg's exclusion bit, blocking on the wait bucket
// hashed from its physical address.
func (c *Cache) lockPage(pg *page) {
	b := c.wt.bucket(pg.f.Paddr())
	b.mu.Lock()
	for {
		c.mu.Lock()
		if !pg.locked {
			pg.locked = true
			c.mu.Unlock()
			b.mu.Unlock()
			return
		}
		c.mu.Unlock()
		b.cond.Wait()
	}
}

func (c *Cache) unlockPage(pg *page) {
	b := c.wt.bucket(pg.f.Paddr())
	b.mu.Lock()
	c.mu.Lock()
	pg.locked = false
	c.mu.Unlock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// waitWriteback blocks until pg's in-flight write-back, if any,
// completes.
func (c *Cache) waitWriteback(pg *page) {
	b := c.wt.bucket(pg.f.Paddr())
	b.mu.Lock()
	for {
		c.mu.Lock()
		if !pg.writingBack {
			c.mu.Unlock()
			b.mu.Unlock()
			return
		}
		c.mu.Unlock()
		b.cond.Wait()
	}
}

// getOrCreateLocked returns the page at idx, allocating a zeroed
// stateUninit one if absent. c.mu must be held.
func (c *Cache) getOrCreateLocked(idx uint64) (*page, error) {
	if pg, ok := c.pages[idx]; ok {
		return pg, nil
	}
	f, err := c.pool.AllocFrame(frame.TypeCache)
	if err != nil {
		return nil, err
	}
	pg := &page{idx: idx, f: f}
	c.pages[idx] = pg
	return pg, nil
}

func (c *Cache) checkIndex(idx uint64) error {
	if idx >= c.backend.NPages() {
		return fmt.Errorf("page %d beyond backing store of %d pages: %w", idx, c.backend.NPages(), merr.ErrInvalidArgument)
	}
	return nil
}

// CommitPage implements vmo.Pager. An uninitialized page is filled
// from the backend synchronously; sequential access triggers
// asynchronous readahead of the pages that likely come next.
func (c *Cache) CommitPage(idx uint64) (*frame.Frame, error) {
	if err := c.checkIndex(idx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	pg, err := c.getOrCreateLocked(idx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.lockPage(pg)
	if pg.state == stateUninit {
		ch := make(chan bool, 1)
		c.backend.ReadPage(idx, pg.f, func(ok bool) { ch <- ok })
		if !<-ch {
			c.unlockPage(pg)
			return nil, fmt.Errorf("read of page %d failed: %w", idx, merr.ErrIO)
		}
		pg.state = stateUpToDate
	}
	f := pg.f.Clone()
	c.unlockPage(pg)
	c.maybeReadahead(idx)
	return f, nil
}

// CommitOverwrite implements vmo.Pager: the caller overwrites the
// whole page, so an uninitialized page skips the backend read and is
// handed out zeroed.
func (c *Cache) CommitOverwrite(idx uint64) (*frame.Frame, error) {
	if err := c.checkIndex(idx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	pg, err := c.getOrCreateLocked(idx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.lockPage(pg)
	if pg.state == stateUninit {
		pg.state = stateUpToDate
	}
	f := pg.f.Clone()
	c.unlockPage(pg)
	return f, nil
}

// TryCommitPage implements vmo.Pager. If the page is not resident it
// starts an asynchronous fill, unless one is already running, and
// reports needs-I/O so the caller can retry once the fill lands.
func (c *Cache) TryCommitPage(idx uint64) (*frame.Frame, error) {
	if err := c.checkIndex(idx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	pg, err := c.getOrCreateLocked(idx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if pg.state != stateUninit {
		f := pg.f.Clone()
		c.mu.Unlock()
		return f, nil
	}
	start := !pg.locked
	if start {
		pg.locked = true
	}
	c.mu.Unlock()
	if start {
		c.fillAsync(pg, false)
	}
	return nil, &vmo.NeedsIOError{Index: idx}
}

// fillAsync dispatches a backend read for pg, whose lock the caller
// has already taken on the fill's behalf; the completion releases it.
// ra marks the fill as part of the current readahead window.
func (c *Cache) fillAsync(pg *page, ra bool) {
	c.backend.ReadPage(pg.idx, pg.f, func(ok bool) {
		b := c.wt.bucket(pg.f.Paddr())
		b.mu.Lock()
		c.mu.Lock()
		if ok && pg.state == stateUninit {
			pg.state = stateUpToDate
		}
		pg.locked = false
		if ra {
			c.ra.inflight--
		}
		c.mu.Unlock()
		b.cond.Broadcast()
		b.mu.Unlock()
		if !ok {
			wbLog.Warningf("page cache: readahead of page %d failed", pg.idx)
		}
	})
}

// maybeReadahead extends the readahead window after a sequential
// access and dispatches asynchronous fills for it. While a window is
// still in flight no new one opens; an on-demand read that catches up
// with it blocks on the page lock the fill holds instead of re-issuing
// the I/O.
func (c *Cache) maybeReadahead(idx uint64) {
	c.mu.Lock()
	window := c.ra.advance(idx)
	if window == 0 || c.ra.inflight > 0 {
		c.mu.Unlock()
		return
	}
	end := idx + 1 + window
	if n := c.backend.NPages(); end > n {
		end = n
	}
	var fills []*page
	for i := idx + 1; i < end; i++ {
		pg, err := c.getOrCreateLocked(i)
		if err != nil {
			break
		}
		if pg.state == stateUninit && !pg.locked {
			pg.locked = true
			fills = append(fills, pg)
		}
	}
	c.ra.inflight = len(fills)
	c.mu.Unlock()
	for _, pg := range fills {
		c.fillAsync(pg, true)
	}
}

// UpdatePage implements vmo.Pager: the page at idx was written in
// place, so it is dirty until the next write-back. Dirtying an
// uninitialized page panics; content must be committed before it is
// written.
func (c *Cache) UpdatePage(idx uint64) {
	c.mu.Lock()
	pg := c.pages[idx]
	c.mu.Unlock()
	if pg == nil {
		return
	}
	c.lockPage(pg)
	if pg.state == stateUninit {
		panic(fmt.Sprintf("pagecache: page %d dirtied while uninitialized", idx))
	}
	pg.state = stateDirty
	c.unlockPage(pg)
}

// DecommitPage implements vmo.Pager: the Vmo dropped the page, so the
// cache forgets it. An in-flight write-back is waited out first; the
// page cannot be reused until its writingBack flag clears.
func (c *Cache) DecommitPage(idx uint64) {
	c.mu.Lock()
	pg := c.pages[idx]
	c.mu.Unlock()
	if pg == nil {
		return
	}
	c.lockPage(pg)
	c.waitWriteback(pg)
	c.mu.Lock()
	delete(c.pages, idx)
	c.mu.Unlock()
	c.unlockPage(pg)
	pg.f.DecRef()
}

// FlushRange writes back every dirty page covering the byte range
// [off, off+length) and waits for the write-backs to complete. A
// failed write-back is logged and its page left clean: the data is
// lost rather than retried forever against a faulty device, and the
// failure surfaces in the returned error.
func (c *Cache) FlushRange(off, length uint64) error {
	if off%paging.PageSize != 0 || length%paging.PageSize != 0 {
		return fmt.Errorf("unaligned flush %#x+%#x: %w", off, length, merr.ErrInvalidArgument)
	}
	return c.flush(off/paging.PageSize, (off+length)/paging.PageSize)
}

// Flush writes back every dirty page.
func (c *Cache) Flush() error {
	return c.flush(0, ^uint64(0))
}

func (c *Cache) flush(first, limit uint64) error {
	c.mu.Lock()
	var candidates []*page
	for idx, pg := range c.pages {
		if idx >= first && idx < limit {
			candidates = append(candidates, pg)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	var failed atomic.Bool
	for _, pg := range candidates {
		c.lockPage(pg)
		c.mu.Lock()
		resident := c.pages[pg.idx] == pg
		c.mu.Unlock()
		if !resident || pg.state != stateDirty {
			c.unlockPage(pg)
			continue
		}
		// The page is clean from here on: a write racing in behind us
		// redirties it and a later flush picks it up. writingBack is
		// set before the page unlocks so it cannot be discarded under
		// the in-flight I/O.
		pg.state = stateUpToDate
		pg.writingBack = true
		c.unlockPage(pg)
		wg.Add(1)
		pg := pg
		c.backend.WritePage(pg.idx, pg.f, func(ok bool) {
			if !ok {
				wbLog.Warningf("page cache: write-back of page %d failed; dirty data dropped", pg.idx)
				failed.Store(true)
			}
			b := c.wt.bucket(pg.f.Paddr())
			b.mu.Lock()
			c.mu.Lock()
			pg.writingBack = false
			c.mu.Unlock()
			b.cond.Broadcast()
			b.mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	if failed.Load() {
		return fmt.Errorf("write-back failed for some pages: %w", merr.ErrIO)
	}
	return nil
}

// DiscardRange drops the clean resident pages covering [off,
// off+length), freeing their frames. Dirty pages, pages with an
// in-flight write-back, and pages a Vmo or another holder still
// references stay resident: discarding a page out from under a live
// handle would detach later writes from the cache and silently lose
// them.
func (c *Cache) DiscardRange(off, length uint64) error {
	if off%paging.PageSize != 0 || length%paging.PageSize != 0 {
		return fmt.Errorf("unaligned discard %#x+%#x: %w", off, length, merr.ErrInvalidArgument)
	}
	first := off / paging.PageSize
	limit := (off + length) / paging.PageSize
	c.mu.Lock()
	var candidates []*page
	for idx, pg := range c.pages {
		if idx >= first && idx < limit {
			candidates = append(candidates, pg)
		}
	}
	c.mu.Unlock()
	for _, pg := range candidates {
		c.lockPage(pg)
		c.mu.Lock()
		// The reference check is stable here: handing out a new clone
		// requires either the page lock or c.mu, and we hold both.
		discard := pg.state == stateUpToDate && !pg.writingBack &&
			pg.f.ReadRefs() == 1 && c.pages[pg.idx] == pg
		if discard {
			delete(c.pages, pg.idx)
		}
		c.mu.Unlock()
		c.unlockPage(pg)
		if discard {
			pg.f.DecRef()
		}
	}
	return nil
}

// ResidentPages returns the number of pages the cache currently
// holds.
func (c *Cache) ResidentPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Close flushes dirty pages and releases everything resident. The
// cache must not be used afterwards.
func (c *Cache) Close() error {
	err := c.Flush()
	c.mu.Lock()
	pages := c.pages
	c.pages = make(map[uint64]*page)
	c.mu.Unlock()
	for _, pg := range pages {
		c.waitWriteback(pg)
		pg.f.DecRef()
	}
	return err
}
