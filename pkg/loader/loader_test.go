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

package loader

import (
	"bytes"
	"debug/elf"
	"math"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfloader/pkg/elfreader"
	"github.com/parca-dev/elfloader/pkg/elfwriter"
	"github.com/parca-dev/elfloader/pkg/memory"
	elftest "github.com/parca-dev/elfloader/pkg/testutil"
)

func newTestLoader(t *testing.T) (*Loader, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(log.NewNopLogger(), reg), reg
}

func open(t *testing.T, img elftest.Image) *elfreader.File {
	t.Helper()
	f, err := elfreader.NewFile(elftest.Source(t, img))
	require.NoError(t, err)
	return f
}

func TestLoadRoundTrip(t *testing.T) {
	payload := []byte("\x13\x05\x00\x00\x93\x05\x10\x00known bytes")
	const (
		vaddr = 0x80001000
		memsz = 0x100
	)

	l, reg := newTestLoader(t)
	mem := memory.New()
	res, err := l.Load(open(t, elftest.Image{
		Entry:    vaddr,
		Segments: []elfwriter.Segment{elftest.Load(vaddr, memsz, payload)},
	}), mem)
	require.NoError(t, err)
	require.Equal(t, 1, res.Segments)
	require.Equal(t, uint64(len(payload)), res.BytesCopied)
	require.Equal(t, xxhash.Sum64(payload), res.Checksum)

	got := make([]byte, len(payload))
	_, err = mem.ReadAt(got, vaddr)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// The rest of the segment reads as zero.
	bss := make([]byte, memsz-len(payload))
	_, err = mem.ReadAt(bss, vaddr+uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, make([]byte, len(bss)), bss)

	require.Equal(t, 1.0, testutil.ToFloat64(l.metrics.segmentsLoaded))
	require.Equal(t, float64(len(payload)), testutil.ToFloat64(l.metrics.bytesCopied))
	n, err := testutil.GatherAndCount(reg, "elfloader_segments_loaded_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLoadSkipsNonLoadableSegments(t *testing.T) {
	note := elfwriter.Segment{
		ProgHeader: elf.ProgHeader{Type: elf.PT_NOTE, Vaddr: 0x5000},
		Data:       []byte("note"),
	}
	// Would be invalid if it were loadable.
	bogus := elfwriter.Segment{
		ProgHeader: elf.ProgHeader{Type: elf.PT_GNU_STACK, Vaddr: math.MaxUint64, Filesz: 0x10, Memsz: 0x8},
	}

	l, _ := newTestLoader(t)
	mem := memory.New()
	res, err := l.Load(open(t, elftest.Image{
		Segments: []elfwriter.Segment{note, elftest.Load(0x1000, 4, []byte{1, 2, 3, 4}), bogus},
	}), mem)
	require.NoError(t, err)
	require.Equal(t, 1, res.Segments)
	require.False(t, mem.Mapped(0x5000, 1))
	require.True(t, mem.Mapped(0x1000, 4))
}

func TestLoadLargeSegment(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 3*copyChunkSize/16+7)

	l, _ := newTestLoader(t)
	mem := memory.New()
	res, err := l.Load(open(t, elftest.Image{
		Segments: []elfwriter.Segment{elftest.Load(0x400000, uint64(len(payload)), payload)},
	}), mem)
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), res.BytesCopied)

	got := make([]byte, len(payload))
	_, err = mem.ReadAt(got, 0x400000)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLoadHugeMemsz(t *testing.T) {
	const vaddr = 0x1000

	l, _ := newTestLoader(t)
	mem := memory.New()
	res, err := l.Load(open(t, elftest.Image{
		Segments: []elfwriter.Segment{elftest.Load(vaddr, 1<<40, []byte{1, 2, 3, 4})},
	}), mem)
	require.NoError(t, err)
	require.Equal(t, uint64(4), res.BytesCopied)

	// Only the page holding the file bytes is backed.
	require.Equal(t, uint64(memory.PageSize), mem.Resident())
	require.True(t, mem.Mapped(vaddr, 1<<40))

	v, err := mem.ReadUint64(vaddr + 1<<40 - 8)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestLoadInvalidSegments(t *testing.T) {
	first := elftest.Load(0x1000, 0x10, []byte("first"))
	later := elftest.Load(0x3000, 0x10, []byte("later"))

	tests := []struct {
		name    string
		invalid elfwriter.Segment
	}{
		{
			name: "memsz below filesz",
			invalid: elfwriter.Segment{
				ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x2000, Filesz: 0x20, Memsz: 0x10},
				Data:       bytes.Repeat([]byte{0xff}, 0x20),
			},
		},
		{
			name: "vaddr plus memsz overflows",
			invalid: elfwriter.Segment{
				ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: math.MaxUint64 - 0xf, Memsz: 0x20},
				Data:       bytes.Repeat([]byte{0xff}, 0x10),
			},
		},
		{
			name: "memsz wraps to exactly zero",
			invalid: elfwriter.Segment{
				ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x1000, Memsz: math.MaxUint64 - 0xfff + 1},
				Data:       []byte{0xff},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLoader(t)
			mem := memory.New()

			res, err := l.Load(open(t, elftest.Image{
				Segments: []elfwriter.Segment{first, tt.invalid, later},
			}), mem)
			require.ErrorIs(t, err, ErrInvalidSegment)
			require.Nil(t, res)

			// Segments before the failing one are loaded, nothing after.
			got := make([]byte, 5)
			_, err = mem.ReadAt(got, 0x1000)
			require.NoError(t, err)
			require.Equal(t, []byte("first"), got)
			require.False(t, mem.Mapped(0x2000, 1))
			require.False(t, mem.Mapped(0x3000, 1))

			require.Equal(t, 1.0, testutil.ToFloat64(l.metrics.loadErrors.WithLabelValues(lvInvalidSegment)))
		})
	}
}

func TestLoadTruncatedSegment(t *testing.T) {
	seg := elfwriter.Segment{
		ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x1000, Filesz: 0x10000, Memsz: 0x10000},
		Data:       []byte("too short"),
	}
	raw := elftest.Build(t, elftest.Image{
		Segments: []elfwriter.Segment{seg},
		Options:  []elfwriter.Option{elfwriter.WithoutSymbols()},
	})

	f, err := elfreader.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)

	l, _ := newTestLoader(t)
	mem := memory.New()
	_, err = l.Load(f, mem)
	require.ErrorIs(t, err, elfreader.ErrIO)
	require.False(t, mem.Mapped(0x1000, 1))
	require.Equal(t, 1.0, testutil.ToFloat64(l.metrics.loadErrors.WithLabelValues(lvIO)))
}

func TestLoadTruncatedProgramHeaderTable(t *testing.T) {
	raw := elftest.Build(t, elftest.BacktraceImage())
	// Keep the file header and half of the program header.
	raw = raw[:elfreader.HeaderSize+elfreader.ProgHeaderSize/2]

	f, err := elfreader.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)

	l, _ := newTestLoader(t)
	_, err = l.Load(f, memory.New())
	require.ErrorIs(t, err, elfreader.ErrIO)
}

type failingSpace struct{ *memory.Space }

func (failingSpace) Reserve(uint64, uint64) (uint64, error) {
	return 0, memory.ErrUnmapped
}

func TestLoadMappingFailure(t *testing.T) {
	l, _ := newTestLoader(t)
	_, err := l.Load(open(t, elftest.BacktraceImage()), failingSpace{memory.New()})
	require.ErrorIs(t, err, memory.ErrUnmapped)
	require.Equal(t, 1.0, testutil.ToFloat64(l.metrics.loadErrors.WithLabelValues(lvMapping)))
}
