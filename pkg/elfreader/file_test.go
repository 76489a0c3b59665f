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

package elfreader_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfloader/pkg/elfreader"
	"github.com/parca-dev/elfloader/pkg/testutil"
)

func TestNewFile(t *testing.T) {
	raw := testutil.Build(t, testutil.BacktraceImage())

	f, err := elfreader.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)

	want := elfreader.Header{
		Magic:     elfreader.Magic,
		Ident:     [12]byte{byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x1000,
		Phoff:     elfreader.HeaderSize,
		Ehsize:    elfreader.HeaderSize,
		Phentsize: elfreader.ProgHeaderSize,
		Phnum:     1,
		Shentsize: elfreader.SectionHeaderSize,
		Shnum:     4,
		Shstrndx:  3,
	}
	// Shoff depends on the layout of the writer.
	want.Shoff = f.Header.Shoff
	if diff := cmp.Diff(want, f.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	require.NotZero(t, f.Header.Shoff)
}

func TestNewFile_Errors(t *testing.T) {
	valid := testutil.Build(t, testutil.BacktraceImage())

	tests := []struct {
		name    string
		input   func() []byte
		wantErr error
	}{
		{
			name:    "empty",
			input:   func() []byte { return nil },
			wantErr: elfreader.ErrIO,
		},
		{
			name:    "short header",
			input:   func() []byte { return valid[:elfreader.HeaderSize-1] },
			wantErr: elfreader.ErrIO,
		},
		{
			name: "bad magic",
			input: func() []byte {
				b := bytes.Clone(valid)
				copy(b, "\x7fELG")
				return b
			},
			wantErr: elfreader.ErrNotELF,
		},
		{
			name: "zero magic",
			input: func() []byte {
				return make([]byte, elfreader.HeaderSize)
			},
			wantErr: elfreader.ErrNotELF,
		},
		{
			name: "elf32",
			input: func() []byte {
				b := bytes.Clone(valid)
				b[elf.EI_CLASS] = byte(elf.ELFCLASS32)
				return b
			},
			wantErr: elfreader.ErrUnsupported,
		},
		{
			name: "big endian",
			input: func() []byte {
				b := bytes.Clone(valid)
				b[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
				return b
			},
			wantErr: elfreader.ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := elfreader.NewFile(bytes.NewReader(tt.input()))
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, f)
		})
	}
}

func TestNewFile_BadMagicEveryByte(t *testing.T) {
	valid := testutil.Build(t, testutil.BacktraceImage())

	for i := 0; i < 4; i++ {
		for _, v := range []byte{0x00, 0xff, valid[i] ^ 0x01} {
			b := bytes.Clone(valid)
			b[i] = v
			f, err := elfreader.NewFile(bytes.NewReader(b))
			require.ErrorIs(t, err, elfreader.ErrNotELF, "byte %d = %#x", i, v)
			require.Nil(t, f)
		}
	}
}

func TestProgHeaders(t *testing.T) {
	img := testutil.BacktraceImage()
	f, err := elfreader.NewFile(testutil.Source(t, img))
	require.NoError(t, err)

	var got []elfreader.ProgHeader
	err = f.ForEachProgHeader(func(_ int, ph elfreader.ProgHeader) error {
		got = append(got, ph)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Loadable())
	require.Equal(t, uint64(0x1000), got[0].Vaddr)
	require.Equal(t, uint64(0x30), got[0].Filesz)
	require.Equal(t, uint64(0x30), got[0].Memsz)

	_, err = f.ProgHeader(1)
	require.Error(t, err)
}

func TestSectionHeaders(t *testing.T) {
	f, err := elfreader.NewFile(testutil.Source(t, testutil.BacktraceImage()))
	require.NoError(t, err)

	var types []elf.SectionType
	err = f.ForEachSectionHeader(func(_ int, sh elfreader.SectionHeader) error {
		types = append(types, elf.SectionType(sh.Type))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []elf.SectionType{elf.SHT_NULL, elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_STRTAB}, types)

	symtab, err := f.SectionHeader(1)
	require.NoError(t, err)
	require.True(t, symtab.IsSymbolTable())
	require.Equal(t, uint32(2), symtab.Link)
	require.Equal(t, uint64(4*elfreader.SymbolSize), symtab.Size)

	buf := make([]byte, symtab.Size)
	require.NoError(t, f.ReadFull(buf, symtab.Offset))
	syms := elfreader.DecodeSymbols(buf)
	require.Len(t, syms, 4)
	require.Equal(t, elfreader.Symbol{}, syms[0])
	require.True(t, syms[2].IsFunc())
	require.Equal(t, uint64(0x1010), syms[2].Value)
}

func TestHeaderOffsetsAreValidated(t *testing.T) {
	raw := testutil.Build(t, testutil.BacktraceImage())

	tests := []struct {
		name  string
		patch func(b []byte)
		walk  func(f *elfreader.File) error
	}{
		{
			name: "phoff past end",
			patch: func(b []byte) {
				binary.LittleEndian.PutUint64(b[32:40], uint64(len(b)))
			},
			walk: func(f *elfreader.File) error {
				return f.ForEachProgHeader(func(int, elfreader.ProgHeader) error { return nil })
			},
		},
		{
			name: "phoff wraps",
			patch: func(b []byte) {
				binary.LittleEndian.PutUint64(b[32:40], ^uint64(0)-8)
			},
			walk: func(f *elfreader.File) error {
				return f.ForEachProgHeader(func(int, elfreader.ProgHeader) error { return nil })
			},
		},
		{
			name: "phnum too large",
			patch: func(b []byte) {
				binary.LittleEndian.PutUint16(b[56:58], 0xffff)
			},
			walk: func(f *elfreader.File) error {
				return f.ForEachProgHeader(func(int, elfreader.ProgHeader) error { return nil })
			},
		},
		{
			name: "shoff past end",
			patch: func(b []byte) {
				binary.LittleEndian.PutUint64(b[40:48], uint64(len(b))-8)
			},
			walk: func(f *elfreader.File) error {
				return f.ForEachSectionHeader(func(int, elfreader.SectionHeader) error { return nil })
			},
		},
		{
			name: "shnum too large",
			patch: func(b []byte) {
				binary.LittleEndian.PutUint16(b[60:62], 0x1000)
			},
			walk: func(f *elfreader.File) error {
				return f.ForEachSectionHeader(func(int, elfreader.SectionHeader) error { return nil })
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bytes.Clone(raw)
			tt.patch(b)

			f, err := elfreader.NewFile(bytes.NewReader(b))
			require.NoError(t, err)

			err = tt.walk(f)
			require.ErrorIs(t, err, elfreader.ErrOutOfBounds)
			require.ErrorIs(t, err, elfreader.ErrIO)
		})
	}
}

func TestRelease(t *testing.T) {
	f, err := elfreader.NewFile(testutil.Source(t, testutil.BacktraceImage()))
	require.NoError(t, err)

	f.Release()
	require.Zero(t, f.Size())
	_, err = f.ProgHeader(0)
	require.ErrorIs(t, err, elfreader.ErrReleased)
}

func TestOpenFile(t *testing.T) {
	path := testutil.WriteFile(t, "prog", testutil.BacktraceImage())

	src, err := elfreader.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	f, err := elfreader.NewFile(src)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), f.Header.Entry)
	require.Equal(t, path, src.Path())
}
