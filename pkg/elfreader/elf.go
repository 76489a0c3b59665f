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

// Package elfreader decodes the on-disk ELF64 structures needed to load an
// executable and to extract its symbols. Every structure is decoded field by
// field from little-endian bytes, so the layouts below must match the ELF64
// ABI byte for byte.
package elfreader

import (
	"debug/elf"
	"encoding/binary"
)

// Magic is "\x7FELF" read as a little-endian uint32.
const Magic = uint32(0x464C457F)

const (
	HeaderSize        = 64
	ProgHeaderSize    = 56
	SectionHeaderSize = 64
	SymbolSize        = 24
)

// Header is the ELF64 file header.
//
//	type Header64 struct {
//		Ident     [EI_NIDENT]byte /* File identification. */
//		Type      uint16          /* File type. */
//		Machine   uint16          /* Machine architecture. */
//		Version   uint32          /* ELF format version. */
//		Entry     uint64          /* Entry point. */
//		Phoff     uint64          /* Program header file offset. */
//		Shoff     uint64          /* Section header file offset. */
//		Flags     uint32          /* Architecture-specific flags. */
//		Ehsize    uint16          /* Size of ELF header in bytes. */
//		Phentsize uint16          /* Size of program header entry. */
//		Phnum     uint16          /* Number of program header entries. */
//		Shentsize uint16          /* Size of section header entry. */
//		Shnum     uint16          /* Number of section header entries. */
//		Shstrndx  uint16          /* Section name strings section. */
//	}
//
// The first four identification bytes are kept apart as Magic.
type Header struct {
	Magic     uint32
	Ident     [12]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Class returns the EI_CLASS identification byte.
func (h Header) Class() elf.Class { return elf.Class(h.Ident[elf.EI_CLASS-4]) }

// Data returns the EI_DATA identification byte.
func (h Header) Data() elf.Data { return elf.Data(h.Ident[elf.EI_DATA-4]) }

func decodeHeader(b []byte) Header {
	h := Header{
		Magic:     binary.LittleEndian.Uint32(b[0:4]),
		Type:      binary.LittleEndian.Uint16(b[16:18]),
		Machine:   binary.LittleEndian.Uint16(b[18:20]),
		Version:   binary.LittleEndian.Uint32(b[20:24]),
		Entry:     binary.LittleEndian.Uint64(b[24:32]),
		Phoff:     binary.LittleEndian.Uint64(b[32:40]),
		Shoff:     binary.LittleEndian.Uint64(b[40:48]),
		Flags:     binary.LittleEndian.Uint32(b[48:52]),
		Ehsize:    binary.LittleEndian.Uint16(b[52:54]),
		Phentsize: binary.LittleEndian.Uint16(b[54:56]),
		Phnum:     binary.LittleEndian.Uint16(b[56:58]),
		Shentsize: binary.LittleEndian.Uint16(b[58:60]),
		Shnum:     binary.LittleEndian.Uint16(b[60:62]),
		Shstrndx:  binary.LittleEndian.Uint16(b[62:64]),
	}
	copy(h.Ident[:], b[4:16])
	return h
}

// ProgHeader is an ELF64 program (segment) header.
type ProgHeader struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Loadable reports whether the segment must be materialised in memory.
func (p ProgHeader) Loadable() bool { return elf.ProgType(p.Type) == elf.PT_LOAD }

func decodeProgHeader(b []byte) ProgHeader {
	return ProgHeader{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Off:    binary.LittleEndian.Uint64(b[8:16]),
		Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		Paddr:  binary.LittleEndian.Uint64(b[24:32]),
		Filesz: binary.LittleEndian.Uint64(b[32:40]),
		Memsz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

// SectionHeader is an ELF64 section header.
type SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func (s SectionHeader) IsSymbolTable() bool { return elf.SectionType(s.Type) == elf.SHT_SYMTAB }
func (s SectionHeader) IsStringTable() bool { return elf.SectionType(s.Type) == elf.SHT_STRTAB }

func decodeSectionHeader(b []byte) SectionHeader {
	return SectionHeader{
		Name:      binary.LittleEndian.Uint32(b[0:4]),
		Type:      binary.LittleEndian.Uint32(b[4:8]),
		Flags:     binary.LittleEndian.Uint64(b[8:16]),
		Addr:      binary.LittleEndian.Uint64(b[16:24]),
		Offset:    binary.LittleEndian.Uint64(b[24:32]),
		Size:      binary.LittleEndian.Uint64(b[32:40]),
		Link:      binary.LittleEndian.Uint32(b[40:44]),
		Info:      binary.LittleEndian.Uint32(b[44:48]),
		Addralign: binary.LittleEndian.Uint64(b[48:56]),
		Entsize:   binary.LittleEndian.Uint64(b[56:64]),
	}
}

// Symbol is an ELF64 symbol table entry. Name is an offset into the string
// table the symbol table is linked with.
type Symbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// IsFunc reports whether the symbol names a function, whatever its binding.
func (s Symbol) IsFunc() bool { return elf.ST_TYPE(s.Info) == elf.STT_FUNC }

// DecodeSymbols decodes as many whole symbol entries as b holds. Trailing
// bytes that do not form a full entry are ignored.
func DecodeSymbols(b []byte) []Symbol {
	syms := make([]Symbol, len(b)/SymbolSize)
	for i := range syms {
		e := b[i*SymbolSize : (i+1)*SymbolSize]
		syms[i] = Symbol{
			Name:  binary.LittleEndian.Uint32(e[0:4]),
			Info:  e[4],
			Other: e[5],
			Shndx: binary.LittleEndian.Uint16(e[6:8]),
			Value: binary.LittleEndian.Uint64(e[8:16]),
			Size:  binary.LittleEndian.Uint64(e[16:24]),
		}
	}
	return syms
}
