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

package testutil

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/rzajac/flexbuf"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfloader/pkg/elfwriter"
)

// Image describes an ELF64 executable to build for a test.
type Image struct {
	Entry    uint64
	Segments []elfwriter.Segment
	Symbols  []elfwriter.Symbol
	Sections []elfwriter.Section
	Options  []elfwriter.Option
}

// Build writes img and returns the raw bytes.
func Build(t testing.TB, img Image) []byte {
	t.Helper()

	buf := flexbuf.New()
	w, err := elfwriter.New(buf, &elf.FileHeader{
		Type:    elf.ET_EXEC,
		Machine: elf.EM_RISCV,
		Entry:   img.Entry,
	}, img.Options...)
	require.NoError(t, err)

	for _, s := range img.Segments {
		w.AddSegment(s)
	}
	for _, s := range img.Symbols {
		w.AddSymbol(s)
	}
	for _, s := range img.Sections {
		w.AddSection(s)
	}
	require.NoError(t, w.Write())

	return buf.Release()
}

// Source builds img and returns it as a byte source.
func Source(t testing.TB, img Image) *bytes.Reader {
	t.Helper()
	return bytes.NewReader(Build(t, img))
}

// WriteFile builds img into a file under t.TempDir() and returns its path.
func WriteFile(t testing.TB, name string, img Image) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, Build(t, img), 0o600))
	return path
}

// Load returns a single PT_LOAD segment with the given payload.
func Load(vaddr, memsz uint64, data []byte) elfwriter.Segment {
	return elfwriter.Segment{
		ProgHeader: elf.ProgHeader{
			Type:  elf.PT_LOAD,
			Flags: elf.PF_R | elf.PF_X,
			Vaddr: vaddr,
			Paddr: vaddr,
			Memsz: memsz,
			Align: 0x1000,
		},
		Data: data,
	}
}

// BacktraceImage is a program with main, f1 and f2 at 0x1000, 0x1010 and
// 0x1020, whose string table is exactly "\x00main\x00f1\x00f2\x00".
func BacktraceImage() Image {
	return Image{
		Entry: 0x1000,
		Segments: []elfwriter.Segment{
			Load(0x1000, 0x30, bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 12)),
		},
		Symbols: []elfwriter.Symbol{
			elfwriter.Func("main", 0x1000, 0x10),
			elfwriter.Func("f1", 0x1010, 0x10),
			elfwriter.Func("f2", 0x1020, 0x10),
		},
	}
}
