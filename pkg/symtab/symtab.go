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

package symtab

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/exp/mmap"
)

// Return addresses are symbolized by finding the function with the greatest
// start address strictly below them. Once a binary has been loaded, its
// function symbols can be exported to a small file so that later
// symbolization does not need to parse the executable again.
//
// ┌─────────┬────────────────────────────┬────────────────────────────────────────────┐
// │         │                            │                                            │
// │ Header  │  Strings with nul endings  │  Sorted ids + meta information on strings  │
// │         │                            │                                            │
// └─────────┴────────────────────────────┴────────────────────────────────────────────┘
//
// The file is read with `mmap(2)`, to avoid performing any read system calls
// while binary searching over the addresses.

const (
	MAGIC      = uint32(0x53594D42) // "BMYS"
	VERSION    = uint32(1)
	headerSize = uint32(unsafe.Sizeof(FileHeader{}))
	entrySize  = uint32(8 + 4 + 2) // uint64, uint32, uint16

	maxNameLen = 1<<16 - 1
)

var (
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrAlreadyFinalized = errors.New("already finalized")
	ErrBadMagic         = errors.New("bad magic identifier")
	ErrBadVersion       = errors.New("bad version")
	ErrNameTooLong      = errors.New("symbol name too long")
	ErrTruncated        = errors.New("symbol file truncated")
)

type FileHeader struct {
	Magic           uint32
	Version         uint32
	AddressesOffset uint32
	AddressesCount  uint32
}

type Entry struct {
	Address uint64
	Offset  uint32
	Len     uint16
}

func (e Entry) put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[:8], e.Address)
	binary.LittleEndian.PutUint32(buf[8:12], e.Offset)
	binary.LittleEndian.PutUint16(buf[12:14], e.Len)
}

func readEntry(buf []byte) Entry {
	return Entry{
		Address: binary.LittleEndian.Uint64(buf[:8]),
		Offset:  binary.LittleEndian.Uint32(buf[8:12]),
		Len:     binary.LittleEndian.Uint16(buf[12:14]),
	}
}

type FileWriter struct {
	file         *os.File
	w            *bufio.Writer
	entries      []Entry
	stringOffset uint32
	finalized    bool
	entryCount   uint32
}

func NewWriter(path string, preallocate int) (*FileWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	// The real header is written once all entries are known.
	if err := binary.Write(file, binary.LittleEndian, FileHeader{}); err != nil {
		file.Close()
		return nil, fmt.Errorf("binary.Write: %w", err)
	}
	return &FileWriter{
		file:    file,
		w:       bufio.NewWriter(file),
		entries: make([]Entry, 0, preallocate),
	}, nil
}

// AddSymbol records a function starting at address.
func (fw *FileWriter) AddSymbol(name string, address uint64) error {
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	if fw.finalized {
		return ErrAlreadyFinalized
	}

	if _, err := fw.w.WriteString(name); err != nil {
		return fmt.Errorf("WriteString: %w", err)
	}
	// Keep the strings NUL-terminated, like the string tables they come from.
	if err := fw.w.WriteByte(0); err != nil {
		return fmt.Errorf("WriteByte: %w", err)
	}

	fw.entries = append(fw.entries, Entry{
		Address: address,
		Offset:  fw.stringOffset,
		Len:     uint16(len(name)),
	})
	fw.stringOffset += uint32(len(name) + 1)
	return nil
}

// Write sorts the entries, writes them after the strings and finalizes the
// file. When several symbols share an address, the one added first is kept.
func (fw *FileWriter) Write() error {
	if fw.finalized {
		return ErrAlreadyFinalized
	}
	defer fw.Close()

	sort.SliceStable(fw.entries, func(i, j int) bool {
		return fw.entries[i].Address < fw.entries[j].Address
	})

	buf := make([]byte, entrySize)
	for i, e := range fw.entries {
		if i > 0 && fw.entries[i-1].Address == e.Address {
			continue
		}
		e.put(buf)
		if _, err := fw.w.Write(buf); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		fw.entryCount++
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if _, err := fw.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("file.Seek: %w", err)
	}
	if err := binary.Write(fw.file, binary.LittleEndian, &FileHeader{
		Magic:           MAGIC,
		Version:         VERSION,
		AddressesOffset: fw.stringOffset,
		AddressesCount:  fw.entryCount,
	}); err != nil {
		return fmt.Errorf("binary.Write: %w", err)
	}
	return nil
}

func (fw *FileWriter) Close() error {
	if fw.finalized {
		return nil
	}
	fw.finalized = true
	if err := fw.w.Flush(); err != nil {
		fw.file.Close()
		return fmt.Errorf("flush: %w", err)
	}
	return fw.file.Close()
}

type FileReader struct {
	reader *mmap.ReaderAt
	header FileHeader
}

func NewReader(path string) (*FileReader, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open: %w", err)
	}

	buf := make([]byte, headerSize)
	if _, err := reader.ReadAt(buf, 0); err != nil {
		reader.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	header := FileHeader{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Version:         binary.LittleEndian.Uint32(buf[4:8]),
		AddressesOffset: binary.LittleEndian.Uint32(buf[8:12]),
		AddressesCount:  binary.LittleEndian.Uint32(buf[12:16]),
	}
	if header.Magic != MAGIC {
		reader.Close()
		return nil, ErrBadMagic
	}
	if header.Version != VERSION {
		reader.Close()
		return nil, ErrBadVersion
	}
	end := uint64(headerSize) + uint64(header.AddressesOffset) + uint64(entrySize)*uint64(header.AddressesCount)
	if end > uint64(reader.Len()) {
		reader.Close()
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncated, end, reader.Len())
	}

	return &FileReader{reader: reader, header: header}, nil
}

func (fr *FileReader) Header() FileHeader {
	return fr.header
}

// Len returns the number of symbols in the file.
func (fr *FileReader) Len() int {
	return int(fr.header.AddressesCount)
}

func (fr *FileReader) Close() error {
	return fr.reader.Close()
}

func (fr *FileReader) entryAt(i uint32) (Entry, error) {
	buf := make([]byte, entrySize)
	off := int64(headerSize) + int64(fr.header.AddressesOffset) + int64(entrySize)*int64(i)
	if _, err := fr.reader.ReadAt(buf, off); err != nil {
		return Entry{}, fmt.Errorf("mmap ReadAt: %w", err)
	}
	return readEntry(buf), nil
}

// below binary searches for the last entry whose address is strictly lower
// than address.
func (fr *FileReader) below(address uint64) (*Entry, error) {
	left, right := uint32(0), fr.header.AddressesCount
	var found *Entry

	for left < right {
		mid := left + (right-left)/2
		entry, err := fr.entryAt(mid)
		if err != nil {
			return nil, err
		}
		if entry.Address < address {
			found = &entry
			left = mid + 1
		} else {
			right = mid
		}
	}

	return found, nil
}

// Symbolize returns the name of the function with the greatest start address
// strictly below address.
func (fr *FileReader) Symbolize(address uint64) (string, error) {
	entry, err := fr.below(address)
	if err != nil {
		return "", fmt.Errorf("entry: %w", err)
	}
	if entry == nil {
		return "", ErrSymbolNotFound
	}

	buffer := make([]byte, entry.Len)
	if _, err := fr.reader.ReadAt(buffer, int64(headerSize)+int64(entry.Offset)); err != nil {
		return "", fmt.Errorf("mmap.ReadAt: %w", err)
	}

	return unsafeString(buffer), nil
}

// unsafeString avoids memory allocations by directly casting
// the memory area that we know contains a valid string to a
// string pointer.
func unsafeString(b []byte) string {
	return *((*string)(unsafe.Pointer(&b)))
}
