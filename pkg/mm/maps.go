// Copyright 2024 The memalloc Authors.
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

package mm

import (
	"bytes"
	"fmt"

	"github.com/cse330/memalloc/pkg/hostarch"
	"github.com/cse330/memalloc/pkg/pagetables"
)

// Region is a run of contiguous mappings with identical permissions.
type Region struct {
	Start hostarch.Addr
	End   hostarch.Addr
	Opts  pagetables.MapOpts
}

// Pages returns the number of pages in r.
func (r Region) Pages() uint64 {
	return uint64(r.End-r.Start) / hostarch.PageSize
}

// Regions coalesces the mappings of mm into regions.
func (mm *MemoryManager) Regions() []Region {
	var rs []Region
	for _, m := range mm.Mappings() {
		if n := len(rs); n > 0 && rs[n-1].End == m.Addr && rs[n-1].Opts == m.Opts {
			rs[n-1].End += hostarch.PageSize
			continue
		}
		rs = append(rs, Region{Start: m.Addr, End: m.Addr + hostarch.PageSize, Opts: m.Opts})
	}
	return rs
}

// ReadMaps returns the regions of mm in the style of /proc/[pid]/maps, one
// line per region, including the trailing newline.
func (mm *MemoryManager) ReadMaps() []byte {
	var b bytes.Buffer
	for _, r := range mm.Regions() {
		perms := r.Opts.AccessType.String()
		// Mappings are always private and never executable.
		fmt.Fprintf(&b, "%08x-%08x %s-p %08x 00:00 0\n", uintptr(r.Start), uintptr(r.End), perms, 0)
	}
	return b.Bytes()
}
