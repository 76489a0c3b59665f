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

// Package elfwriter writes small little-endian ELF64 executables: a file
// header, loadable segments and a symbol table with its string tables.
//
// It only implements what is needed to produce images for the loader, notably
// missing:
// - Relocations and dynamic sections
// - ELF32 and big-endian output
// - Any consistency check between segments and sections
package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
	symsize   = 24
)

// Segment is a program header and the bytes placed at its file offset.
// Off is always assigned by the writer. A zero Filesz defaults to len(Data)
// and a zero Memsz to Filesz, so headers that disagree with their payload
// can be produced on purpose.
type Segment struct {
	elf.ProgHeader
	Data []byte
}

// Symbol is a .symtab entry. The name is added to .strtab.
type Symbol struct {
	Name  string
	Info  byte
	Other byte
	Shndx uint16
	Value uint64
	Size  uint64
}

// Func returns a global function symbol.
func Func(name string, value, size uint64) Symbol {
	return Symbol{
		Name:  name,
		Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
		Shndx: uint16(elf.SHN_ABS),
		Value: value,
		Size:  size,
	}
}

// Section is an additional raw section appended after the standard ones.
type Section struct {
	Name string
	Type elf.SectionType
	Link uint32
	Data []byte
}

type Option func(w *Writer)

// WithSectionNamesFirst places .shstrtab before .strtab in the section
// header table, as some linkers do.
func WithSectionNamesFirst() Option {
	return func(w *Writer) {
		w.sectionNamesFirst = true
	}
}

// WithoutSymbols omits .symtab and .strtab.
func WithoutSymbols() Option {
	return func(w *Writer) {
		w.noSymbols = true
	}
}

// Writer writes ELF files.
type Writer struct {
	w    io.WriteSeeker
	fhdr *elf.FileHeader

	// Segments to write, in program header order.
	Segments []Segment
	// Symbols to write after the mandatory null symbol.
	Symbols []Symbol
	// Sections to write after .symtab, .strtab and .shstrtab.
	Sections []Section

	err error

	seekProgHeader    int64 // position of phoff
	seekSectionHeader int64 // position of shoff

	sectionNamesFirst bool
	noSymbols         bool
}

// New creates a new Writer. Only the Type, Machine and Entry fields of fhdr
// are used.
func New(w io.WriteSeeker, fhdr *elf.FileHeader, opts ...Option) (*Writer, error) {
	if fhdr == nil {
		return nil, errors.New("file header has to be specified")
	}
	if fhdr.Class != elf.ELFCLASS64 && fhdr.Class != elf.ELFCLASSNONE {
		return nil, fmt.Errorf("unsupported ELF class: %v", fhdr.Class)
	}

	wrt := &Writer{w: w, fhdr: fhdr}
	for _, opt := range opts {
		opt(wrt)
	}
	return wrt, nil
}

func (w *Writer) AddSegment(s Segment) { w.Segments = append(w.Segments, s) }

func (w *Writer) AddSymbol(s Symbol) { w.Symbols = append(w.Symbols, s) }

func (w *Writer) AddSection(s Section) { w.Sections = append(w.Sections, s) }

type sectionHeader struct {
	name   string
	typ    elf.SectionType
	offset uint64
	size   uint64
	link   uint32
	info   uint32
	align  uint64
	entsz  uint64
}

// Write writes the whole image.
//
// +-------------------------------+
// | ELF File Header               |
// +-------------------------------+
// | Program Header Table          |
// +-------------------------------+
// | Segment contents              |
// +-------------------------------+
// | .symtab, .strtab, .shstrtab   |
// | additional sections           |
// +-------------------------------+
// | Section Header Table          |
// +-------------------------------+
func (w *Writer) Write() error {
	w.writeFileHeader()
	if w.err != nil {
		return fmt.Errorf("failed to write file header: %w", w.err)
	}
	w.writeSegments()
	if w.err != nil {
		return fmt.Errorf("failed to write segments: %w", w.err)
	}
	w.writeSections()
	if w.err != nil {
		return fmt.Errorf("failed to write sections: %w", w.err)
	}
	return nil
}

func (w *Writer) writeFileHeader() {
	fhdr := w.fhdr

	// e_ident
	w.write([]byte{
		0x7f, 'E', 'L', 'F', // Magic number
		byte(elf.ELFCLASS64),
		byte(elf.ELFDATA2LSB),
		byte(elf.EV_CURRENT),
		byte(fhdr.OSABI),
		fhdr.ABIVersion,
		0, 0, 0, 0, 0, 0, 0, // Padding
	})

	w.u16(uint16(fhdr.Type))      // e_type
	w.u16(uint16(fhdr.Machine))   // e_machine
	w.u32(uint32(elf.EV_CURRENT)) // e_version
	w.u64(fhdr.Entry)             // e_entry
	w.seekProgHeader = w.here()
	w.u64(0) // e_phoff
	w.seekSectionHeader = w.here()
	w.u64(0)                        // e_shoff
	w.u32(0)                        // e_flags
	w.u16(ehsize)                   // e_ehsize
	w.u16(phentsize)                // e_phentsize
	w.u16(uint16(len(w.Segments)))  // e_phnum
	w.u16(shentsize)                // e_shentsize
	w.u16(uint16(w.sectionCount())) // e_shnum
	w.u16(uint16(w.shstrndx()))     // e_shstrndx

	// Sanity check, size of file header should be ehsize.
	if w.err == nil && w.here() != ehsize {
		w.err = errors.New("internal error, ELF header size")
	}
}

func (w *Writer) sectionCount() int {
	// null + .shstrtab (+ .symtab + .strtab)
	n := 2 + len(w.Sections)
	if !w.noSymbols {
		n += 2
	}
	return n
}

// Section indices: 0 is the null section, then either
// .symtab, .strtab, .shstrtab or .symtab, .shstrtab, .strtab.
func (w *Writer) shstrndx() int {
	switch {
	case w.noSymbols:
		return 1
	case w.sectionNamesFirst:
		return 2
	default:
		return 3
	}
}

func (w *Writer) strndx() int {
	if w.sectionNamesFirst {
		return 3
	}
	return 2
}

func (w *Writer) writeSegments() {
	if len(w.Segments) == 0 {
		return
	}

	phoff := w.here()
	w.seek(w.seekProgHeader, io.SeekStart)
	w.u64(uint64(phoff))
	w.seek(0, io.SeekEnd)

	// Reserve the table, it is rewritten once offsets are known.
	w.write(make([]byte, phentsize*len(w.Segments)))

	for i := range w.Segments {
		s := &w.Segments[i]
		w.align(8)
		s.Off = uint64(w.here())
		w.write(s.Data)
		if s.Filesz == 0 {
			s.Filesz = uint64(len(s.Data))
		}
		if s.Memsz == 0 {
			s.Memsz = s.Filesz
		}
	}
	end := w.here()

	w.seek(phoff, io.SeekStart)
	for _, s := range w.Segments {
		// type Prog64 struct {
		// 	Type   uint32 /* Entry type. */
		// 	Flags  uint32 /* Access permission flags. */
		// 	Off    uint64 /* File offset of contents. */
		// 	Vaddr  uint64 /* Virtual address in memory image. */
		// 	Paddr  uint64 /* Physical address (not used). */
		// 	Filesz uint64 /* Size of contents in file. */
		// 	Memsz  uint64 /* Size of contents in memory. */
		// 	Align  uint64 /* Alignment in memory and file. */
		// }
		w.u32(uint32(s.Type))
		w.u32(uint32(s.Flags))
		w.u64(s.Off)
		w.u64(s.Vaddr)
		w.u64(s.Paddr)
		w.u64(s.Filesz)
		w.u64(s.Memsz)
		w.u64(s.Align)
	}
	w.seek(end, io.SeekStart)
}

func (w *Writer) writeSections() {
	var (
		symtab   *sectionHeader
		strtab   *sectionHeader
		shstrtab = &sectionHeader{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1}
	)

	if !w.noSymbols {
		names := make([]string, 0, len(w.Symbols))
		for _, s := range w.Symbols {
			names = append(names, s.Name)
		}
		strData, idx := w.strtab(names)
		if w.err != nil {
			return
		}

		strtab = &sectionHeader{name: ".strtab", typ: elf.SHT_STRTAB, align: 1}
		strtab.offset = uint64(w.here())
		strtab.size = uint64(len(strData))
		w.write(strData)

		w.align(8)
		symtab = &sectionHeader{
			name:  ".symtab",
			typ:   elf.SHT_SYMTAB,
			link:  uint32(w.strndx()),
			info:  1,
			align: 8,
			entsz: symsize,
		}
		symtab.offset = uint64(w.here())
		// Null symbol.
		w.write(make([]byte, symsize))
		for _, s := range w.Symbols {
			w.u32(uint32(idx[s.Name]))
			w.write([]byte{s.Info, s.Other})
			w.u16(s.Shndx)
			w.u64(s.Value)
			w.u64(s.Size)
		}
		symtab.size = uint64(w.here()) - symtab.offset
	}

	extra := make([]*sectionHeader, 0, len(w.Sections))
	for _, s := range w.Sections {
		sh := &sectionHeader{name: s.Name, typ: s.Type, link: s.Link, align: 1}
		sh.offset = uint64(w.here())
		sh.size = uint64(len(s.Data))
		w.write(s.Data)
		extra = append(extra, sh)
	}

	var ordered []*sectionHeader
	switch {
	case w.noSymbols:
		ordered = []*sectionHeader{shstrtab}
	case w.sectionNamesFirst:
		ordered = []*sectionHeader{symtab, shstrtab, strtab}
	default:
		ordered = []*sectionHeader{symtab, strtab, shstrtab}
	}
	ordered = append(ordered, extra...)

	sectionNames := make([]string, 0, len(ordered))
	for _, sh := range ordered {
		sectionNames = append(sectionNames, sh.name)
	}
	shstrData, shIdx := w.strtab(sectionNames)
	if w.err != nil {
		return
	}
	shstrtab.offset = uint64(w.here())
	shstrtab.size = uint64(len(shstrData))
	w.write(shstrData)

	w.align(8)
	shoff := w.here()

	// Null section header.
	w.write(make([]byte, shentsize))
	for _, sh := range ordered {
		// type Section64 struct {
		// 	Name      uint32 /* Section name (index into the section header string table). */
		// 	Type      uint32 /* Section type. */
		// 	Flags     uint64 /* Section flags. */
		// 	Addr      uint64 /* Address in memory image. */
		// 	Off       uint64 /* Offset in file. */
		// 	Size      uint64 /* Size in bytes. */
		// 	Link      uint32 /* Index of a related section. */
		// 	Info      uint32 /* Depends on section type. */
		// 	Addralign uint64 /* Alignment in bytes. */
		// 	Entsize   uint64 /* Size of each entry in section. */
		// }
		w.u32(uint32(shIdx[sh.name]))
		w.u32(uint32(sh.typ))
		w.u64(0)
		w.u64(0)
		w.u64(sh.offset)
		w.u64(sh.size)
		w.u32(sh.link)
		w.u32(sh.info)
		w.u64(sh.align)
		w.u64(sh.entsz)
	}
	end := w.here()

	w.seek(w.seekSectionHeader, io.SeekStart)
	w.u64(uint64(shoff))
	w.seek(end, io.SeekStart)
}

// strtab returns strs in string table format and the index of each string.
func (w *Writer) strtab(strs []string) ([]byte, map[string]int) {
	// http://www.sco.com/developers/gabi/2003-12-17/ch4.strtab.html
	data := []byte{0}
	idx := make(map[string]int, len(strs))
	for _, s := range strs {
		if s == "" {
			continue
		}
		if _, ok := idx[s]; ok {
			continue
		}
		b, err := unix.ByteSliceFromString(s)
		if err != nil {
			w.err = err
			return nil, nil
		}
		idx[s] = len(data)
		data = append(data, b...)
	}
	return data, idx
}

func (w *Writer) here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.err == nil {
		w.err = err
	}
	return r
}

// seek moves the cursor to the point calculated using offset and starting point.
func (w *Writer) seek(offset int64, whence int) {
	_, err := w.w.Seek(offset, whence)
	if err != nil && w.err == nil {
		w.err = err
	}
}

// align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) align(align int64) {
	off := w.here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.write(make([]byte, alignOff-off))
	}
}

func (w *Writer) write(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_, err := w.w.Write(buf)
	if err != nil && w.err == nil {
		w.err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.err == nil {
		w.err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.err == nil {
		w.err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.err == nil {
		w.err = err
	}
}
