// Copyright 2024 The Armored Witness SPM authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package arch models the Armv8-M thread mode register state used by the
// scheduler: per-thread saved contexts, the process stack pointer and its
// limit, the execution privilege and the lazily stacked FP context.
package arch

import (
	"fmt"
)

// Exception return values for thread mode on the process stack.
const (
	ExcReturnThreadPSP   uint32 = 0xfffffffd
	ExcReturnThreadPSPNS uint32 = 0xffffffbc
)

// Stack frame sizes in bytes.
const (
	// BasicFrameSize is the exception frame stacked by hardware, r0-r3,
	// r12, lr, pc and xpsr.
	BasicFrameSize = 8 * 4
	// AdditionalContextSize is the callee saved frame, integrity
	// signature plus r4-r11, stacked on secure exception entry.
	AdditionalContextSize = 10 * 4
)

// Register identifies a special register in trace events.
type Register int

const (
	PSP Register = iota
	PSPLIM
	R0
	CONTROL
)

func (r Register) String() string {
	switch r {
	case PSP:
		return "PSP"
	case PSPLIM:
		return "PSPLIM"
	case R0:
		return "R0"
	case CONTROL:
		return "CONTROL"
	}

	return fmt.Sprintf("Register(%d)", int(r))
}

// Context is the saved state of a thread.
type Context struct {
	SP        uint32
	SPLimit   uint32
	ExcReturn uint32
	// callee saved registers r4-r11
	Regs [8]uint32
	// R0 is the stacked r0 of the exception frame, it carries the return
	// value of the call that blocked the thread.
	R0 uint32
}

// InitContext prepares a context for a thread whose stack occupies
// [base, base+size).
func InitContext(ctx *Context, base uint32, size uint32, ns bool) {
	*ctx = Context{
		SP:        base + size - BasicFrameSize,
		SPLimit:   base,
		ExcReturn: ExcReturnThreadPSP,
	}

	if ns {
		ctx.ExcReturn = ExcReturnThreadPSPNS
	}
}

// StackRoom returns the number of free bytes between the stack pointer and
// the stack limit.
func (ctx *Context) StackRoom() uint32 {
	if ctx.SP < ctx.SPLimit {
		return 0
	}

	return ctx.SP - ctx.SPLimit
}

// CPU holds the special registers of the single simulated core.
type CPU struct {
	psp        uint32
	psplim     uint32
	regs       [8]uint32
	privileged bool
	fpActive   bool

	trace func(r Register, v uint32)
}

// SetTrace installs a function invoked on every special register write.
func (c *CPU) SetTrace(fn func(r Register, v uint32)) {
	c.trace = fn
}

func (c *CPU) traced(r Register, v uint32) {
	if c.trace != nil {
		c.trace(r, v)
	}
}

// PSP returns the process stack pointer.
func (c *CPU) PSP() uint32 {
	return c.psp
}

// PSPLimit returns the process stack pointer limit.
func (c *CPU) PSPLimit() uint32 {
	return c.psplim
}

// SetPSP writes the process stack pointer.
func (c *CPU) SetPSP(v uint32) {
	c.psp = v
	c.traced(PSP, v)
}

// SetPSPLimit writes the process stack pointer limit.
func (c *CPU) SetPSPLimit(v uint32) {
	c.psplim = v
	c.traced(PSPLIM, v)
}

// Privileged reports the thread mode execution privilege.
func (c *CPU) Privileged() bool {
	return c.privileged
}

// SetPrivileged updates the thread mode execution privilege (CONTROL.nPRIV).
func (c *CPU) SetPrivileged(p bool) {
	c.privileged = p

	if p {
		c.traced(CONTROL, 0)
	} else {
		c.traced(CONTROL, 1)
	}
}

// SetReturn places a result in the stacked r0 of the context resumed next.
func (c *CPU) SetReturn(ctx *Context, v uint32) {
	ctx.R0 = v
	c.traced(R0, v)
}

// UseFP marks the FP context as active.
func (c *CPU) UseFP() {
	c.fpActive = true
}

// FPActive reports whether an FP context awaits stacking.
func (c *CPU) FPActive() bool {
	return c.fpActive
}

// FlushFP stacks and invalidates the active FP context so that the next
// thread cannot observe it.
func (c *CPU) FlushFP() {
	c.fpActive = false
}

// Load sets the process stack registers from a context without saving the
// current state, as done when the first thread starts.
func (c *CPU) Load(ctx *Context) {
	c.SetPSPLimit(ctx.SPLimit)
	c.SetPSP(ctx.SP)
	c.regs = ctx.Regs
}

// Switch saves the current state into save and restores it from restore.
// The limit is lowered before the stack pointer moves so that PSPLIM never
// exceeds PSP.
func (c *CPU) Switch(save *Context, restore *Context) {
	if save != nil {
		save.SP = c.psp
		save.SPLimit = c.psplim
		save.Regs = c.regs
	}

	c.SetPSPLimit(0)
	c.SetPSP(restore.SP)
	c.SetPSPLimit(restore.SPLimit)
	c.regs = restore.Regs
}
