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

// Package hal defines the platform contract consumed by the Secure Partition
// Manager: memory access checks, isolation boundaries, interrupt control,
// the non-secure entry point, critical sections and system reset.
package hal

import (
	"errors"

	"github.com/transparency-dev/armored-witness-spm/load"
)

// Access attributes for MemoryHasAccess.
type Access uint32

const (
	Readable Access = 1 << iota
	Writable
	// Unprivileged requests the check with unprivileged access rights.
	Unprivileged
	// NS requests the check with non-secure access rights.
	NS
)

// ReadWrite is the access required for output vectors.
const ReadWrite = Readable | Writable

// Errors returned by platform implementations.
var (
	ErrMemoryCheck = errors.New("memory access check failed")
	ErrBadParam    = errors.New("bad parameter")
	ErrBoundary    = errors.New("isolation boundary error")
)

// Boundary is an opaque isolation boundary token produced by BindBoundary.
// Tokens are comparable, partitions sharing a token share an isolation
// domain.
type Boundary uintptr

// Memory gives the SPM access to client and partition buffers. Addresses
// are bus addresses in the platform address space.
type Memory interface {
	// Read copies len(buf) bytes starting at addr into buf.
	Read(addr uint32, buf []byte) error
	// Write copies buf at addr.
	Write(addr uint32, buf []byte) error
	// Map returns a slice aliasing size bytes at addr.
	Map(addr uint32, size uint32) ([]byte, error)
}

// IRQController is the interrupt control contract.
type IRQController interface {
	IRQEnable(line uint32)
	IRQDisable(line uint32)
	IRQClearPending(line uint32)
	// IRQEnabled reports whether a line is enabled.
	IRQEnabled(line uint32) bool
	// NextIRQ acknowledges and returns the highest priority pending and
	// enabled line.
	NextIRQ() (line uint32, ok bool)
	// SetPendingHandler registers a function invoked, from any goroutine,
	// whenever a line becomes pending.
	SetPendingHandler(fn func())
}

// HAL is the complete platform contract.
type HAL interface {
	Memory
	IRQController

	// MemoryHasAccess verifies that [base, base+size) can be accessed with
	// the argument attributes. A zero size always succeeds.
	MemoryHasAccess(base uint32, size uint32, attr Access) error

	// BindBoundary is invoked once per partition at initialization.
	BindBoundary(p *load.PartitionInfo) (Boundary, error)
	// ActivateBoundary is invoked on every switch between partitions with
	// different boundaries.
	ActivateBoundary(p *load.PartitionInfo, b Boundary) error
	// Privileged reports whether the boundary grants privileged execution.
	Privileged(b Boundary) bool

	NSEntryPoint() func()
	NSVTOR() uint32
	NSMSP() uint32

	// EnterCritical and ExitCritical guard data shared with other
	// independently running cores.
	EnterCritical()
	ExitCritical()

	// SystemReset is invoked on fatal errors.
	SystemReset()
}
