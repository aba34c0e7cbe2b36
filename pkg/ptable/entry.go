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

	"osmem.dev/osmem/pkg/paging"
)

// PTE is one page table entry: a single word that is either absent,
// points to a child node, or terminally maps a physical range.
//
// The layout is a software format. The physical address occupies the
// page-aligned middle bits; the low bits carry:
//
//	bit 0: present
//	bit 1: points to a child node
//	bit 2: terminal mapping references a tracked frame
//	bit 3: readable
//	bit 4: writable
//	bit 5: executable
//	bit 6: uncached
type PTE uint64

const (
	ptePresent PTE = 1 << 0
	pteTable   PTE = 1 << 1
	pteTracked PTE = 1 << 2
	pteRead    PTE = 1 << 3
	pteWrite   PTE = 1 << 4
	pteExec    PTE = 1 << 5
	pteNoCache PTE = 1 << 6

	pteAddrMask PTE = 0x000f_ffff_ffff_f000
)

// Perms are the access permissions of a mapping.
type Perms struct {
	Read    bool
	Write   bool
	Execute bool
}

// ReadOnly and ReadWrite are the common permission sets.
var (
	ReadOnly  = Perms{Read: true}
	ReadWrite = Perms{Read: true, Write: true}
)

// String implements fmt.Stringer.
func (p Perms) String() string {
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	return string(b)
}

// CachePolicy selects the cacheability of a mapping.
type CachePolicy uint8

const (
	// CacheWriteback is the normal-memory policy.
	CacheWriteback CachePolicy = iota

	// CacheUncached bypasses the cache, for device memory.
	CacheUncached
)

// Properties are the protection and cache attributes of a terminal
// mapping.
type Properties struct {
	Perms Perms
	Cache CachePolicy
}

// String implements fmt.Stringer.
func (p Properties) String() string {
	if p.Cache == CacheUncached {
		return p.Perms.String() + " uncached"
	}
	return p.Perms.String()
}

// Valid returns whether the entry is present.
func (e PTE) Valid() bool {
	return e&ptePresent != 0
}

// IsTable returns whether the entry points to a child node.
func (e PTE) IsTable() bool {
	return e&(ptePresent|pteTable) == ptePresent|pteTable
}

// IsTerminal returns whether the entry terminally maps a physical
// range.
func (e PTE) IsTerminal() bool {
	return e.Valid() && e&pteTable == 0
}

// IsTracked returns whether a terminal entry references a tracked
// frame, that is, one whose reference count the entry holds.
func (e PTE) IsTracked() bool {
	return e&pteTracked != 0
}

// Address returns the physical address stored in the entry.
func (e PTE) Address() paging.Paddr {
	return paging.Paddr(e & pteAddrMask)
}

// Props returns the protection and cache attributes of a terminal
// entry.
func (e PTE) Props() Properties {
	p := Properties{}
	p.Perms.Read = e&pteRead != 0
	p.Perms.Write = e&pteWrite != 0
	p.Perms.Execute = e&pteExec != 0
	if e&pteNoCache != 0 {
		p.Cache = CacheUncached
	}
	return p
}

func propsBits(props Properties) PTE {
	var e PTE
	if props.Perms.Read {
		e |= pteRead
	}
	if props.Perms.Write {
		e |= pteWrite
	}
	if props.Perms.Execute {
		e |= pteExec
	}
	if props.Cache == CacheUncached {
		e |= pteNoCache
	}
	return e
}

// makeTerminal builds a present terminal entry.
func makeTerminal(addr paging.Paddr, props Properties, tracked bool) PTE {
	if !addr.PageAligned() {
		panic(fmt.Sprintf("ptable: terminal entry address %#x not aligned", uint64(addr)))
	}
	e := ptePresent | PTE(addr)&pteAddrMask | propsBits(props)
	if tracked {
		e |= pteTracked
	}
	return e
}

// makeTable builds a present entry pointing at a child node.
func makeTable(addr paging.Paddr) PTE {
	return ptePresent | pteTable | PTE(addr)&pteAddrMask
}

// withProps returns a copy of a terminal entry with its attributes
// replaced, keeping the address and tracking bits.
func (e PTE) withProps(props Properties) PTE {
	return (e &^ (pteRead | pteWrite | pteExec | pteNoCache)) | propsBits(props)
}
