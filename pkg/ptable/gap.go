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

	"osmem.dev/osmem/pkg/merr"
	"osmem.dev/osmem/pkg/paging"
)

// FindFreeGap walks the tree top-down within limit, scanning from the
// highest addresses first, and returns the first maximal unmapped gap
// of at least minSize bytes. Absent high-level entries are skipped in
// one step, so sparse tables cost little to search.
//
// The walk locks nodes root-to-leaf and must not run while the caller
// holds a cursor on this table.
func (pt *PageTable) FindFreeGap(limit paging.VaddrRange, minSize uint64) (paging.VaddrRange, error) {
	if !limit.WellFormed() || limit.IsEmpty() || !limit.PageAligned() || uint64(limit.End) > paging.SpaceSize {
		return paging.VaddrRange{}, fmt.Errorf("bad search limit %v: %w", limit, merr.ErrInvalidArgument)
	}
	if minSize == 0 || minSize%paging.PageSize != 0 {
		return paging.VaddrRange{}, fmt.Errorf("bad gap size %#x: %w", minSize, merr.ErrInvalidArgument)
	}
	root := pt.root.Clone()
	defer root.DecRef()
	ln := root.Lock()
	defer ln.Unlock()
	gapEnd := limit.End
	if gap, ok := scanFreeGap(ln, 0, limit, minSize, &gapEnd); ok {
		return gap, nil
	}
	if uint64(gapEnd)-uint64(limit.Start) >= minSize {
		return paging.VaddrRange{Start: limit.Start, End: gapEnd}, nil
	}
	return paging.VaddrRange{}, fmt.Errorf("no free gap of %#x bytes in %v: %w", minSize, limit, merr.ErrNoVirtualSpace)
}

// scanFreeGap scans one locked node's entries from high to low.
// *gapEnd is the exclusive end of the free run currently being grown
// downward; a mapped entry terminates the run, and the run is returned
// once it reaches minSize.
func scanFreeGap(ln *LockedNode, base paging.Vaddr, limit paging.VaddrRange, minSize uint64, gapEnd *paging.Vaddr) (paging.VaddrRange, bool) {
	esz := paging.PageSizeAt(ln.Level())
	for idx := paging.EntriesPerNode - 1; idx >= 0; idx-- {
		eva := base + paging.Vaddr(uint64(idx)*esz)
		if eva >= limit.End {
			continue
		}
		if eva+paging.Vaddr(esz) <= limit.Start {
			break
		}
		e := ln.pte(idx)
		switch {
		case !e.Valid():
			// Free; the run keeps growing downward.
		case e.IsTable():
			child := ln.Child(idx)
			cln := child.Table.Lock()
			gap, ok := scanFreeGap(cln, eva, limit, minSize, gapEnd)
			cln.Unlock()
			child.Release()
			if ok {
				return gap, true
			}
		default:
			// Mapped; the free run ends at this entry's end.
			runStart := eva + paging.Vaddr(esz)
			if runStart < limit.Start {
				runStart = limit.Start
			}
			if *gapEnd > runStart && uint64(*gapEnd)-uint64(runStart) >= minSize {
				return paging.VaddrRange{Start: runStart, End: *gapEnd}, true
			}
			*gapEnd = eva
			if *gapEnd < limit.Start {
				*gapEnd = limit.Start
			}
		}
	}
	return paging.VaddrRange{}, false
}
