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

package elfreader

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrIO is returned for any read that yields fewer bytes than requested.
	ErrIO = errors.New("elf: short read")
	// ErrOutOfBounds is returned when a computed range lies outside the
	// byte source. It is an ErrIO: the file is too short for what it claims.
	ErrOutOfBounds = fmt.Errorf("%w: range exceeds source size", ErrIO)
	ErrNotELF      = errors.New("elf: bad magic number")
	ErrUnsupported = errors.New("elf: unsupported class or byte order")
	ErrReleased    = errors.New("elf: byte source already released")
)

// File gives access to the headers and contents of an ELF64 image while it
// is being loaded. The byte source is only referenced until Release.
type File struct {
	Header Header

	src ByteSource
}

// NewFile reads and validates the file header. No offset found in the header
// is trusted at this point; every later read checks it against src.Size().
func NewFile(src ByteSource) (*File, error) {
	f := &File{src: src}

	buf := make([]byte, HeaderSize)
	if err := f.ReadFull(buf, 0); err != nil {
		return nil, fmt.Errorf("read file header: %w", err)
	}

	h := decodeHeader(buf)
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrNotELF, h.Magic)
	}
	if h.Class() != elf.ELFCLASS64 || h.Data() != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %v %v", ErrUnsupported, h.Class(), h.Data())
	}

	f.Header = h
	return f, nil
}

// Size returns the extent of the underlying byte source.
func (f *File) Size() int64 {
	if f.src == nil {
		return 0
	}
	return f.src.Size()
}

// CheckRange validates that [off, off+n) lies within the byte source.
func (f *File) CheckRange(off, n uint64) error {
	if f.src == nil {
		return ErrReleased
	}
	size := uint64(f.src.Size())
	if off > size || n > size-off {
		return fmt.Errorf("%w: [%#x, +%#x) of %#x", ErrOutOfBounds, off, n, size)
	}
	return nil
}

// ReadFull fills p from offset off. A short count, whatever the reason, is
// ErrIO.
func (f *File) ReadFull(p []byte, off uint64) error {
	if err := f.CheckRange(off, uint64(len(p))); err != nil {
		return err
	}
	if off > math.MaxInt64 {
		return fmt.Errorf("%w: offset %#x", ErrOutOfBounds, off)
	}

	n, err := f.src.ReadAt(p, int64(off))
	if n != len(p) {
		if err != nil {
			return fmt.Errorf("%w: read %d of %d bytes at %#x: %v", ErrIO, n, len(p), off, err)
		}
		return fmt.Errorf("%w: read %d of %d bytes at %#x", ErrIO, n, len(p), off)
	}
	return nil
}

// tableRange returns the offset of entry i of a table of count entries of
// size entsize starting at base, checking the whole table fits the source.
func (f *File) tableRange(base uint64, count uint16, entsize, i int) (uint64, error) {
	if i < 0 || i >= int(count) {
		return 0, fmt.Errorf("entry %d out of range [0, %d)", i, count)
	}
	if err := f.CheckRange(base, uint64(count)*uint64(entsize)); err != nil {
		return 0, err
	}
	return base + uint64(i)*uint64(entsize), nil
}

// ProgHeader reads program header i.
func (f *File) ProgHeader(i int) (ProgHeader, error) {
	off, err := f.tableRange(f.Header.Phoff, f.Header.Phnum, ProgHeaderSize, i)
	if err != nil {
		return ProgHeader{}, fmt.Errorf("program header %d: %w", i, err)
	}
	buf := make([]byte, ProgHeaderSize)
	if err := f.ReadFull(buf, off); err != nil {
		return ProgHeader{}, fmt.Errorf("program header %d: %w", i, err)
	}
	return decodeProgHeader(buf), nil
}

// SectionHeader reads section header i.
func (f *File) SectionHeader(i int) (SectionHeader, error) {
	off, err := f.tableRange(f.Header.Shoff, f.Header.Shnum, SectionHeaderSize, i)
	if err != nil {
		return SectionHeader{}, fmt.Errorf("section header %d: %w", i, err)
	}
	buf := make([]byte, SectionHeaderSize)
	if err := f.ReadFull(buf, off); err != nil {
		return SectionHeader{}, fmt.Errorf("section header %d: %w", i, err)
	}
	return decodeSectionHeader(buf), nil
}

// ForEachProgHeader calls fn for every program header in table order and
// stops at the first error, from reading or from fn.
func (f *File) ForEachProgHeader(fn func(i int, ph ProgHeader) error) error {
	for i := 0; i < int(f.Header.Phnum); i++ {
		ph, err := f.ProgHeader(i)
		if err != nil {
			return err
		}
		if err := fn(i, ph); err != nil {
			return err
		}
	}
	return nil
}

// ForEachSectionHeader calls fn for every section header in table order and
// stops at the first error, from reading or from fn.
func (f *File) ForEachSectionHeader(fn func(i int, sh SectionHeader) error) error {
	for i := 0; i < int(f.Header.Shnum); i++ {
		sh, err := f.SectionHeader(i)
		if err != nil {
			return err
		}
		if err := fn(i, sh); err != nil {
			return err
		}
	}
	return nil
}

// Release drops the reference to the byte source. Reads afterwards fail
// with ErrReleased. Closing the source stays with whoever opened it.
func (f *File) Release() {
	f.src = nil
}
