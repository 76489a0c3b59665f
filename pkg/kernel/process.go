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

package kernel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/elfloader/pkg/backtrace"
	"github.com/parca-dev/elfloader/pkg/memory"
)

const (
	// UserStackTop is the initial user stack pointer.
	UserStackTop = 0x81100000
	// UserStackSize is the size of the stack reserved below UserStackTop.
	UserStackSize = 4 * memory.PageSize
)

// Regs is the subset of RISC-V general purpose registers the kernel reads
// and writes on behalf of a user program.
type Regs struct {
	RA uint64
	SP uint64
	FP uint64
	A0 uint64
	A1 uint64
	A2 uint64
	A3 uint64
	A4 uint64
	A5 uint64
	A6 uint64
	A7 uint64
}

// Trapframe is the user register state saved on entry to the kernel.
type Trapframe struct {
	Regs Regs
	// EPC is the address user execution resumes at.
	EPC uint64
}

// Process is a loaded user program. Its memory is only accessed by the
// goroutine handling its traps.
type Process struct {
	PID       uint32
	Trapframe Trapframe
	Memory    *memory.Space
	Image     *Image

	backtracer *backtrace.Backtracer
	// reg carries the pid label of the process metrics.
	reg prometheus.Registerer
}
