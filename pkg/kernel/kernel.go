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

// Package kernel loads ELF executables into process address spaces and
// services the system calls of the programs it runs.
package kernel

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/xyproto/ainur"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/elfloader/pkg/backtrace"
	"github.com/parca-dev/elfloader/pkg/config"
	"github.com/parca-dev/elfloader/pkg/elfreader"
	"github.com/parca-dev/elfloader/pkg/loader"
	"github.com/parca-dev/elfloader/pkg/memory"
	"github.com/parca-dev/elfloader/pkg/symtab"
)

// Image is a loaded executable. It no longer references the file it was
// read from and is read-only.
type Image struct {
	Path   string
	Header elfreader.Header
	Table  *symtab.Table
	Entry  uint64
	// Segments and Checksum describe the loaded PT_LOAD segments.
	Segments int
	Checksum uint64
}

// Name is the file name of the executable.
func (i *Image) Name() string { return filepath.Base(i.Path) }

// Machine describes the target architecture recorded in the header.
func (i *Image) Machine() string { return ainur.Describe(elf.Machine(i.Header.Machine)) }

type Option func(*Kernel)

// WithOutput sets where user prints and backtraces go. Defaults to
// os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(k *Kernel) {
		k.out = w
	}
}

// Kernel owns the process table.
type Kernel struct {
	logger log.Logger
	reg    prometheus.Registerer
	cfg    *config.Config
	out    io.Writer

	loader  *loader.Loader
	procs   *xsync.MapOf[uint32, *Process]
	lastPID *atomic.Uint32
}

func New(logger log.Logger, reg prometheus.Registerer, cfg *config.Config, opts ...Option) *Kernel {
	if cfg == nil {
		cfg = config.Default()
	}
	k := &Kernel{
		logger:  logger,
		reg:     reg,
		cfg:     cfg,
		out:     os.Stdout,
		loader:  loader.New(logger, reg),
		procs:   xsync.NewMapOf[uint32, *Process](),
		lastPID: atomic.NewUint32(0),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Load reads the executable at path into as and extracts its symbols. The
// file is closed before Load returns, whatever the outcome.
func (k *Kernel) Load(path string, as loader.AddressSpace) (*Image, error) {
	src, err := elfreader.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	return k.load(path, src, as)
}

func (k *Kernel) load(path string, src elfreader.ByteSource, as loader.AddressSpace) (*Image, error) {
	f, err := elfreader.NewFile(src)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Release()

	res, err := k.loader.Load(f, as)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	table, err := symtab.Load(f, k.cfg.Symbols)
	if err != nil {
		return nil, fmt.Errorf("load symbols of %s: %w", path, err)
	}

	img := &Image{
		Path:     path,
		Header:   f.Header,
		Table:    table,
		Entry:    f.Header.Entry,
		Segments: res.Segments,
		Checksum: res.Checksum,
	}
	level.Info(k.logger).Log(
		"msg", "Application loaded",
		"application", img.Name(),
		"entry", fmt.Sprintf("%#x", img.Entry),
		"machine", img.Machine(),
		"segments", res.Segments,
		"size", humanize.IBytes(res.BytesCopied),
		"symbols", table.Len(),
		"checksum", fmt.Sprintf("%016x", res.Checksum),
	)
	return img, nil
}

// Spawn loads the executable at path into a fresh address space with a user
// stack and adds the resulting process to the process table.
func (k *Kernel) Spawn(path string) (*Process, error) {
	mem := memory.New()
	img, err := k.Load(path, mem)
	if err != nil {
		return nil, err
	}
	if _, err := mem.Reserve(UserStackTop-UserStackSize, UserStackSize); err != nil {
		return nil, fmt.Errorf("reserve user stack: %w", err)
	}

	p := &Process{
		PID:    k.lastPID.Inc(),
		Memory: mem,
		Image:  img,
	}
	p.Trapframe.EPC = img.Entry
	p.Trapframe.Regs.SP = UserStackTop
	if k.reg != nil {
		p.reg = prometheus.WrapRegistererWith(prometheus.Labels{"pid": strconv.FormatUint(uint64(p.PID), 10)}, k.reg)
	}
	p.backtracer = backtrace.New(
		log.With(k.logger, "pid", p.PID),
		p.reg,
		img.Table,
		mem,
		backtrace.WithStride(k.cfg.Backtrace.Stride),
		backtrace.WithOutput(k.out),
	)

	k.procs.Store(p.PID, p)
	level.Debug(k.logger).Log("msg", "spawned process", "pid", p.PID, "application", img.Name())
	return p, nil
}

// SpawnAll spawns every executable in paths concurrently. Processes are
// returned in the order of paths. If any spawn fails, the processes already
// created are removed again and the first error is returned.
func (k *Kernel) SpawnAll(ctx context.Context, paths []string) ([]*Process, error) {
	procs := make([]*Process, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := k.Spawn(path)
			if err != nil {
				return err
			}
			procs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range procs {
			if p != nil {
				k.Exit(p.PID)
			}
		}
		return nil, err
	}
	return procs, nil
}

// Process returns the process with the given pid.
func (k *Kernel) Process(pid uint32) (*Process, bool) {
	return k.procs.Load(pid)
}

// Processes returns all live processes ordered by pid.
func (k *Kernel) Processes() []*Process {
	procs := make([]*Process, 0, k.procs.Size())
	k.procs.Range(func(_ uint32, p *Process) bool {
		procs = append(procs, p)
		return true
	})
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs
}

// Exit removes a process from the process table along with its metrics. It
// reports whether the process existed.
func (k *Kernel) Exit(pid uint32) bool {
	p, ok := k.procs.LoadAndDelete(pid)
	if !ok {
		return false
	}
	p.backtracer.Unregister(p.reg)
	return true
}
