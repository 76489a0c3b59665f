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
	"bytes"
	"errors"
	"fmt"

	"github.com/parca-dev/elfloader/pkg/elfreader"
)

var (
	ErrCapacityExceeded  = errors.New("symbol store capacity exceeded")
	ErrStringOutOfBounds = errors.New("string offset out of bounds")
)

// Limits bounds the size of a Table. A zero field means unlimited.
type Limits struct {
	MaxSymbols     int `yaml:"max_symbols"`
	MaxStringBytes int `yaml:"max_string_bytes"`
}

// DefaultLimits are the capacities of the teaching kernel's static tables.
var DefaultLimits = Limits{
	MaxSymbols:     128,
	MaxStringBytes: 4096,
}

// Table holds the symbols of one executable and a string arena made of the
// concatenation of all of its string tables, in section order.
type Table struct {
	symbols []elfreader.Symbol
	arena   []byte

	// nameBase is the arena offset of the string table the symbol table is
	// linked to.
	nameBase uint64
}

// Load extracts the symbol table and every string table of f. When a file
// has more than one symbol table, the last one wins. String tables are
// appended to the arena as they are found, without deduplication.
func Load(f *elfreader.File, limits Limits) (*Table, error) {
	t := &Table{}

	// Arena offset of each string table, by section index.
	bases := map[int]uint64{}
	link := -1

	err := f.ForEachSectionHeader(func(i int, sh elfreader.SectionHeader) error {
		switch {
		case sh.IsSymbolTable():
			count := sh.Size / elfreader.SymbolSize
			if limits.MaxSymbols > 0 && count > uint64(limits.MaxSymbols) {
				return fmt.Errorf("%w: section %d holds %d symbols, limit is %d", ErrCapacityExceeded, i, count, limits.MaxSymbols)
			}
			if err := f.CheckRange(sh.Offset, sh.Size); err != nil {
				return fmt.Errorf("symbol table section %d: %w", i, err)
			}
			buf := make([]byte, sh.Size)
			if err := f.ReadFull(buf, sh.Offset); err != nil {
				return fmt.Errorf("symbol table section %d: %w", i, err)
			}
			t.symbols = elfreader.DecodeSymbols(buf)
			link = int(sh.Link)
		case sh.IsStringTable():
			if limits.MaxStringBytes > 0 && sh.Size > uint64(limits.MaxStringBytes-len(t.arena)) {
				return fmt.Errorf("%w: string table section %d needs %d bytes, %d of %d left", ErrCapacityExceeded, i, sh.Size, limits.MaxStringBytes-len(t.arena), limits.MaxStringBytes)
			}
			if err := f.CheckRange(sh.Offset, sh.Size); err != nil {
				return fmt.Errorf("string table section %d: %w", i, err)
			}
			start := len(t.arena)
			t.arena = append(t.arena, make([]byte, sh.Size)...)
			if err := f.ReadFull(t.arena[start:], sh.Offset); err != nil {
				return fmt.Errorf("string table section %d: %w", i, err)
			}
			bases[i] = uint64(start)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if base, ok := bases[link]; ok {
		t.nameBase = base
	}
	return t, nil
}

// Len returns the number of symbols, including the null symbol.
func (t *Table) Len() int { return len(t.symbols) }

func (t *Table) Symbol(i int) elfreader.Symbol { return t.symbols[i] }

// Symbols returns the symbols in table order. The slice must not be modified.
func (t *Table) Symbols() []elfreader.Symbol { return t.symbols }

// Strings returns the string arena. The slice must not be modified.
func (t *Table) Strings() []byte { return t.arena }

// String returns the NUL-terminated string starting at arena[off].
func (t *Table) String(off uint64) (string, error) {
	if off >= uint64(len(t.arena)) {
		return "", fmt.Errorf("%w: %d, arena holds %d bytes", ErrStringOutOfBounds, off, len(t.arena))
	}
	s := t.arena[off:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s), nil
}

// Name returns the name of symbol i, looked up in the string table the
// symbol table is linked to. With a single string table this is
// String(Symbol(i).Name).
func (t *Table) Name(i int) (string, error) {
	return t.String(t.nameBase + uint64(t.symbols[i].Name))
}

// Functions returns the indices of all function symbols.
func (t *Table) Functions() []int {
	var idx []int
	for i, s := range t.symbols {
		if s.IsFunc() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Lookup returns the index of the first symbol with the given name.
func (t *Table) Lookup(name string) (int, bool) {
	for i := range t.symbols {
		if n, err := t.Name(i); err == nil && n == name {
			return i, true
		}
	}
	return 0, false
}

// WriteFile exports the function symbols to the compact symbol file format
// read by NewReader.
func (t *Table) WriteFile(path string) error {
	funcs := t.Functions()
	w, err := NewWriter(path, len(funcs))
	if err != nil {
		return err
	}
	for _, i := range funcs {
		name, err := t.Name(i)
		if err != nil {
			w.Close()
			return fmt.Errorf("symbol %d: %w", i, err)
		}
		if err := w.AddSymbol(name, t.symbols[i].Value); err != nil {
			w.Close()
			return err
		}
	}
	return w.Write()
}
