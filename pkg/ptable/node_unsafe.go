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
	"unsafe"

	"osmem.dev/osmem/pkg/paging"
)

// wordsView reinterprets a node's backing page as its entry array. The
// page outlives the view because the nodeMeta holding it keeps the
// frame referenced.
func wordsView(b []byte) *[paging.EntriesPerNode]uint64 {
	if len(b) < paging.EntriesPerNode*8 {
		panic("ptable: undersized node page")
	}
	return (*[paging.EntriesPerNode]uint64)(unsafe.Pointer(&b[0]))
}
