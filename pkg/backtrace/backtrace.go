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

// Package backtrace annotates the return addresses found on a user stack with
// the names of the functions they return into.
//
// The walk assumes every frame belongs to a parameterless function with a
// uniform frame size, so return addresses sit at a fixed stride from each
// other. It does not follow saved frame pointers and it does not use DWARF
// call frame information.
package backtrace

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/elfloader/pkg/symtab"
)

const (
	DefaultStride = 16
	wordSize      = 8
)

var ErrSymbolNotFound = errors.New("no function symbol below address")

// NearestFunctionBelow returns the index of the function symbol with the
// greatest value strictly lower than addr. Among symbols with the same value
// the first one in table order wins.
func NearestFunctionBelow(t *symtab.Table, addr uint64) (int, error) {
	var (
		closest uint64
		idx     = -1
	)
	for i, s := range t.Symbols() {
		if !s.IsFunc() || s.Value >= addr {
			continue
		}
		if idx == -1 || s.Value > closest {
			closest = s.Value
			idx = i
		}
	}
	if idx == -1 {
		return -1, fmt.Errorf("%w: %#x", ErrSymbolNotFound, addr)
	}
	return idx, nil
}

// WordReader reads 8-byte little-endian words from the traced program's
// memory.
type WordReader interface {
	ReadUint64(addr uint64) (uint64, error)
}

// Frame is one walked stack slot.
type Frame struct {
	// Slot is the stack address the return address was read from.
	Slot    uint64
	Address uint64
	// Symbol is the index in the symbol table, -1 when unresolved.
	Symbol   int
	Function string
}

func (f Frame) Resolved() bool { return f.Symbol >= 0 }

type Option func(*Backtracer)

// WithStride sets the distance between consecutive return addresses.
func WithStride(stride uint64) Option {
	return func(b *Backtracer) {
		b.stride = stride
	}
}

// WithOutput sets where WalkAndPrint writes. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(b *Backtracer) {
		b.out = w
	}
}

type metrics struct {
	frames             prometheus.Counter
	resolutionFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		frames: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "elfloader_backtrace_frames_total",
			Help: "Total number of stack frames walked.",
		}),
		resolutionFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "elfloader_backtrace_resolution_failures_total",
			Help: "Total number of return addresses without an enclosing function symbol.",
		}),
	}
}

// Backtracer walks stacks of a program whose symbols are in table. It only
// reads the table and the program memory.
type Backtracer struct {
	logger  log.Logger
	metrics *metrics

	table  *symtab.Table
	mem    WordReader
	stride uint64
	out    io.Writer
}

func New(logger log.Logger, reg prometheus.Registerer, table *symtab.Table, mem WordReader, opts ...Option) *Backtracer {
	b := &Backtracer{
		logger:  logger,
		metrics: newMetrics(reg),
		table:   table,
		mem:     mem,
		stride:  DefaultStride,
		out:     os.Stdout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.stride == 0 {
		b.stride = DefaultStride
	}
	return b
}

// Unregister removes the metrics of b from reg, which must be the registerer
// b was created with.
func (b *Backtracer) Unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.Unregister(b.metrics.frames)
	reg.Unregister(b.metrics.resolutionFailures)
}

// Walk reads up to maxDepth return addresses starting at sp, one every
// stride bytes, and stops early at a zero word. Addresses without an
// enclosing function are returned unresolved and the walk goes on. A memory
// fault ends the walk; the frames read so far are returned with the error.
func (b *Backtracer) Walk(sp uint64, maxDepth int) ([]Frame, error) {
	var frames []Frame
	for depth, slot := 0, sp; depth < maxDepth; depth, slot = depth+1, slot+b.stride {
		addr, err := b.mem.ReadUint64(slot)
		if err != nil {
			return frames, fmt.Errorf("read return address at %#x: %w", slot, err)
		}
		if addr == 0 {
			// Bottom of the user stack.
			break
		}
		b.metrics.frames.Inc()

		frame := Frame{Slot: slot, Address: addr, Symbol: -1}
		idx, err := NearestFunctionBelow(b.table, addr)
		if err != nil {
			b.metrics.resolutionFailures.Inc()
			level.Warn(b.logger).Log("msg", "failed to resolve return address", "addr", fmt.Sprintf("%#x", addr), "err", err)
			frames = append(frames, frame)
			continue
		}

		frame.Symbol = idx
		frame.Function, err = b.table.Name(idx)
		if err != nil {
			level.Warn(b.logger).Log("msg", "failed to read symbol name", "symbol", idx, "err", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// WalkAndPrint walks the stack like Walk and writes one line per frame: the
// function name, or a failure notice for an unresolved address. It returns
// the number of frames walked.
func (b *Backtracer) WalkAndPrint(sp uint64, maxDepth int) (int, error) {
	frames, walkErr := b.Walk(sp, maxDepth)
	for _, f := range frames {
		var err error
		if f.Resolved() {
			_, err = fmt.Fprintf(b.out, "%s\n", f.Function)
		} else {
			_, err = fmt.Fprintf(b.out, "fail to backtrace symbol %x\n", f.Address)
		}
		if err != nil {
			return len(frames), fmt.Errorf("write backtrace: %w", err)
		}
	}
	return len(frames), walkErr
}
