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

package main

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	figure "github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/parca-dev/elfloader/pkg/config"
	"github.com/parca-dev/elfloader/pkg/elfwriter"
	"github.com/parca-dev/elfloader/pkg/kernel"
	"github.com/parca-dev/elfloader/pkg/logger"
)

var version string

type flags struct {
	LogLevel   string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat  string `kong:"enum='logfmt,json',help='Configure if structured logging as JSON or as logfmt',default='logfmt'"`
	ConfigPath string `kong:"help='Path to the YAML configuration file.',type:'path'"`
	Metrics    bool   `kong:"help='Print the collected metrics in text exposition format when done.'"`
	NoBanner   bool   `kong:"help='Do not print the banner.'"`
	Version    bool   `kong:"help='Show application version.'"`

	Load struct {
		Paths []string `kong:"required,arg,name='path',help='Executables to load.',type:'existingfile'"`
	} `cmd:"" help:"Load executables into processes and describe them."`

	Symbols struct {
		Export string `kong:"help='Write the function symbols to a symbol cache file.',type:'path'"`

		Path string `kong:"required,arg,name='path',help='Executable to read symbols from.',type:'existingfile'"`
	} `cmd:"" help:"List the function symbols of an executable."`

	Backtrace struct {
		Depth int      `kong:"help='Number of frames to walk.',default='10'"`
		Stack []string `kong:"help='Return addresses to place on the user stack, innermost first. Accepts 0x-prefixed hex.'"`

		Path string `kong:"required,arg,name='path',help='Executable to load.',type:'existingfile'"`
	} `cmd:"" help:"Load an executable, lay out a stack and run the backtrace system call on it."`

	Craft struct {
		Output string `kong:"required,arg,name='output',help='Where to write the demo executable.',type:'path'"`
	} `cmd:"" help:"Write a small RISC-V executable with main, f1 and f2."`
}

func main() {
	flags := flags{}
	kongCtx := kong.Parse(&flags, kong.Name("elfloader"), kong.Description("Load ELF64 executables and backtrace their stacks."))

	if flags.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "elfloader")

	if !flags.NoBanner {
		fmt.Fprint(os.Stderr, figure.NewFigure("elfloader", "", true).String())
	}

	cfg := config.Default()
	if flags.ConfigPath != "" {
		var err error
		cfg, err = config.LoadFile(flags.ConfigPath)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load config", "path", flags.ConfigPath, "err", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	k := kernel.New(logger, reg, cfg)

	var err error
	switch kongCtx.Command() {
	case "load <path>":
		err = runLoad(k, os.Stdout, flags.Load.Paths)
	case "symbols <path>":
		err = runSymbols(k, os.Stdout, flags.Symbols.Path, flags.Symbols.Export)
	case "backtrace <path>":
		err = runBacktrace(k, cfg.Backtrace, flags.Backtrace.Path, flags.Backtrace.Stack, flags.Backtrace.Depth)
	case "craft <output>":
		err = runCraft(flags.Craft.Output)
	default:
		level.Error(logger).Log("err", "Unknown command", "cmd", kongCtx.Command())
		os.Exit(1)
	}
	if err != nil {
		level.Error(logger).Log("msg", "command failed", "cmd", kongCtx.Command(), "err", err)
		os.Exit(1)
	}

	if flags.Metrics {
		if err := dumpMetrics(reg, os.Stdout); err != nil {
			level.Error(logger).Log("msg", "failed to dump metrics", "err", err)
			os.Exit(1)
		}
	}
	level.Debug(logger).Log("msg", "done!")
}

func runLoad(k *kernel.Kernel, w io.Writer, paths []string) error {
	procs, err := k.SpawnAll(context.Background(), paths)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tAPPLICATION\tENTRY\tMACHINE\tSEGMENTS\tFUNCTIONS\tCHECKSUM")
	for _, p := range procs {
		img := p.Image
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%s\t%d\t%d\t%016x\n",
			p.PID, img.Name(), img.Entry, img.Machine(), img.Segments, len(img.Table.Functions()), img.Checksum)
	}
	return tw.Flush()
}

func runSymbols(k *kernel.Kernel, w io.Writer, path, export string) error {
	p, err := k.Spawn(path)
	if err != nil {
		return err
	}
	defer k.Exit(p.PID)

	table := p.Image.Table
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VALUE\tSIZE\tBIND\tNAME")
	for _, i := range table.Functions() {
		s := table.Symbol(i)
		name, err := table.Name(i)
		if err != nil {
			name = fmt.Sprintf("<%v>", err)
		}
		fmt.Fprintf(tw, "%016x\t%d\t%s\t%s\n", s.Value, s.Size, elf.ST_BIND(s.Info), name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if export != "" {
		if err := table.WriteFile(export); err != nil {
			return fmt.Errorf("export symbols: %w", err)
		}
	}
	return nil
}

func runBacktrace(k *kernel.Kernel, bt config.Backtrace, path string, stack []string, depth int) error {
	returns := make([]uint64, 0, len(stack))
	for _, s := range stack {
		ra, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("parse return address %q: %w", s, err)
		}
		returns = append(returns, ra)
	}

	p, err := k.Spawn(path)
	if err != nil {
		return err
	}
	defer k.Exit(p.PID)

	// Lay the addresses out where the backtrace system call looks for them:
	// the first one FrameSkip bytes above the stack pointer, then one per
	// stride.
	sp := uint64(kernel.UserStackTop - 0x400)
	p.Trapframe.Regs.SP = sp
	for i, ra := range returns {
		if err := p.Memory.WriteUint64(sp+bt.FrameSkip+uint64(i)*bt.Stride, ra); err != nil {
			return fmt.Errorf("lay out stack: %w", err)
		}
	}

	p.Trapframe.Regs.A0 = kernel.SysUserBacktrace
	p.Trapframe.Regs.A1 = uint64(depth)
	return k.HandleSyscall(p)
}

// runCraft writes a program with main at 0x10000 calling f1 calling f2,
// 16 bytes of RISC-V nops each.
func runCraft(output string) error {
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	const base = 0x10000
	w, err := elfwriter.New(f, &elf.FileHeader{
		Type:    elf.ET_EXEC,
		Machine: elf.EM_RISCV,
		Entry:   base,
	})
	if err != nil {
		return err
	}

	nop := []byte{0x13, 0x00, 0x00, 0x00}
	text := make([]byte, 0, 0x30)
	for len(text) < cap(text) {
		text = append(text, nop...)
	}
	w.AddSegment(elfwriter.Segment{
		ProgHeader: elf.ProgHeader{
			Type:  elf.PT_LOAD,
			Flags: elf.PF_R | elf.PF_X,
			Vaddr: base,
			Paddr: base,
			Align: 0x1000,
		},
		Data: text,
	})
	w.AddSymbol(elfwriter.Func("main", base, 0x10))
	w.AddSymbol(elfwriter.Func("f1", base+0x10, 0x10))
	w.AddSymbol(elfwriter.Func("f2", base+0x20, 0x10))

	if err := w.Write(); err != nil {
		return err
	}
	return f.Close()
}

func dumpMetrics(g prometheus.Gatherer, w io.Writer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
