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
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
)

// System call numbers, passed in a0.
const (
	SysUserPrint     = 64
	SysUserExit      = 65
	SysUserBacktrace = 66
)

// maxPrintLen bounds the string a program may print in one call.
const maxPrintLen = 4096

var ErrUnknownSyscall = errors.New("unknown system call")

// ExitError is returned by Dispatch when the program asked to exit.
type ExitError struct {
	PID  uint32
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process %d exited with code %d", e.PID, e.Code)
}

func arg(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

// Dispatch executes system call num for p with arguments a1 onwards. Exiting
// removes p from the process table and returns an *ExitError.
func (k *Kernel) Dispatch(p *Process, num uint64, args ...uint64) (uint64, error) {
	switch num {
	case SysUserPrint:
		s, err := p.Memory.ReadCString(arg(args, 0), maxPrintLen)
		if err != nil {
			return 0, fmt.Errorf("user_print: %w", err)
		}
		if _, err := fmt.Fprint(k.out, s); err != nil {
			return 0, fmt.Errorf("user_print: %w", err)
		}
		return 0, nil

	case SysUserExit:
		code := int64(arg(args, 0))
		level.Info(k.logger).Log("msg", "User exit", "pid", p.PID, "code", code)
		k.Exit(p.PID)
		return 0, &ExitError{PID: p.PID, Code: code}

	case SysUserBacktrace:
		depth := int(arg(args, 0))
		if limit := k.cfg.Backtrace.MaxDepth; limit > 0 && depth > limit {
			depth = limit
		}
		sp := p.Trapframe.Regs.SP + k.cfg.Backtrace.FrameSkip
		n, err := p.backtracer.WalkAndPrint(sp, depth)
		if err != nil {
			return uint64(n), fmt.Errorf("user_backtrace: %w", err)
		}
		return uint64(n), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownSyscall, num)
}

// HandleSyscall services an ecall trap: the call number is in a0, the
// arguments in a1 to a7. The result is written back to a0 and EPC moves past
// the ecall instruction.
func (k *Kernel) HandleSyscall(p *Process) error {
	r := &p.Trapframe.Regs
	ret, err := k.Dispatch(p, r.A0, r.A1, r.A2, r.A3, r.A4, r.A5, r.A6, r.A7)
	if err != nil {
		return err
	}
	r.A0 = ret
	p.Trapframe.EPC += 4
	return nil
}
