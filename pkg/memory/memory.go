// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory implements a flat, identity-mapped address space. Loader and
// program share it: the destination of every reservation is the virtual
// address itself.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	PageSize       = 4096
	pageOffsetMask = PageSize - 1
)

var (
	ErrUnmapped = errors.New("memory: address not mapped")
	ErrWrap     = errors.New("memory: range wraps the address space")
)

// Space is a sparse address space. Reserved ranges read as zero; a page is
// only backed by host memory once something is written to it, so reserving
// is cheap whatever the size. It is not safe for concurrent use.
type Space struct {
	// spans are the reserved ranges, page aligned, sorted, and merged when
	// they overlap or touch.
	spans []span
	pages map[uint64]*[PageSize]byte
}

// span is an inclusive range, so the top page of the address space fits.
type span struct {
	first, last uint64
}

var zeroPage [PageSize]byte

func New() *Space {
	return &Space{pages: make(map[uint64]*[PageSize]byte)}
}

// Reserve maps [vaddr, vaddr+size) and returns the destination address,
// which is vaddr. Bytes already written keep their contents, so overlapping
// reservations are allowed.
func (s *Space) Reserve(vaddr, size uint64) (uint64, error) {
	if size == 0 {
		return vaddr, nil
	}
	last := vaddr + size - 1
	if last < vaddr {
		return 0, fmt.Errorf("%w: [%#x, +%#x)", ErrWrap, vaddr, size)
	}
	s.insert(span{first: vaddr &^ pageOffsetMask, last: last | pageOffsetMask})
	return vaddr, nil
}

func (s *Space) insert(n span) {
	spans := append(s.spans, n)
	sort.Slice(spans, func(i, j int) bool { return spans[i].first < spans[j].first })

	merged := spans[:1]
	for _, sp := range spans[1:] {
		cur := &merged[len(merged)-1]
		if cur.last == math.MaxUint64 || sp.first <= cur.last+1 {
			if sp.last > cur.last {
				cur.last = sp.last
			}
			continue
		}
		merged = append(merged, sp)
	}
	s.spans = merged
}

// Mapped reports whether every byte of [addr, addr+n) is mapped.
func (s *Space) Mapped(addr, n uint64) bool {
	if n == 0 {
		return true
	}
	last := addr + n - 1
	if last < addr {
		return false
	}
	// The last span starting at or below addr is the only candidate.
	i := sort.Search(len(s.spans), func(i int) bool { return s.spans[i].first > addr })
	return i > 0 && s.spans[i-1].last >= last
}

// access calls fn with consecutive page slices covering [addr, addr+n),
// along with the offset of each slice within the range. Nothing is visited
// unless the whole range is mapped. Pages never written are backed on
// demand when alloc is set and otherwise read from a shared zero page.
func (s *Space) access(addr, n uint64, alloc bool, fn func(off uint64, b []byte)) error {
	if n == 0 {
		return nil
	}
	if addr+n-1 < addr {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrWrap, addr, n)
	}
	if !s.Mapped(addr, n) {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrUnmapped, addr, n)
	}

	var done uint64
	for done < n {
		cur := addr + done
		base := cur &^ pageOffsetMask
		page, ok := s.pages[base]
		if !ok {
			if alloc {
				page = new([PageSize]byte)
				s.pages[base] = page
			} else {
				page = &zeroPage
			}
		}
		start := cur & pageOffsetMask
		end := uint64(PageSize)
		if rest := n - done; rest < end-start {
			end = start + rest
		}
		fn(done, page[start:end])
		done += end - start
	}
	return nil
}

// Resident returns the number of bytes of host memory backing the space.
func (s *Space) Resident() uint64 {
	return uint64(len(s.pages)) * PageSize
}

// ReadAt reads len(p) bytes at addr. Either all bytes are read or none.
func (s *Space) ReadAt(p []byte, addr uint64) (int, error) {
	err := s.access(addr, uint64(len(p)), false, func(off uint64, b []byte) {
		copy(p[off:], b)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt writes p at addr. Either all bytes are written or none.
func (s *Space) WriteAt(p []byte, addr uint64) (int, error) {
	err := s.access(addr, uint64(len(p)), true, func(off uint64, b []byte) {
		copy(b, p[off:])
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadUint64 reads a little-endian machine word.
func (s *Space) ReadUint64(addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := s.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteUint64 writes a little-endian machine word.
func (s *Space) WriteUint64(addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := s.WriteAt(b[:], addr)
	return err
}

// ReadCString reads a NUL-terminated string of at most max bytes at addr.
// A string that runs into unmapped memory or exceeds max is an error.
func (s *Space) ReadCString(addr uint64, max int) (string, error) {
	out := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		var b [1]byte
		if _, err := s.ReadAt(b[:], addr+uint64(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("memory: string at %#x longer than %d bytes", addr, max)
}

// Region is a reserved range. End is exclusive and is 0 for a region that
// reaches the top of the address space.
type Region struct {
	Start uint64
	End   uint64
}

// Regions returns the reserved ranges in ascending order.
func (s *Space) Regions() []Region {
	regions := make([]Region, 0, len(s.spans))
	for _, sp := range s.spans {
		regions = append(regions, Region{Start: sp.first, End: sp.last + 1})
	}
	return regions
}
