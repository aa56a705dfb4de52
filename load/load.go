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

// Package load holds the static load information of secure partitions, RoT
// Services and interrupts, as generated from partition manifests at build
// time, and the parser for YAML manifest lists.
package load

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-spm/psa"
)

// NonSecureID is the partition id of the non-secure proxy partition.
const NonSecureID int32 = 0

// reserved signal bits, bit 3 is the doorbell
const reservedSignals psa.Signal = 0xf

// Model identifies a partition Root of Trust domain.
type Model int

const (
	ApplicationRoT Model = iota
	PSARoT
)

func (m Model) String() string {
	if m == PSARoT {
		return "PSA-ROT"
	}

	return "APPLICATION-ROT"
}

// Priority is a partition scheduling priority class.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

var priorityNames = map[string]Priority{
	"LOWEST": PriorityLowest,
	"LOW":    PriorityLow,
	"NORMAL": PriorityNormal,
	"HIGH":   PriorityHigh,
}

func (p Priority) String() string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}

	return fmt.Sprintf("Priority(%d)", int(p))
}

// VersionPolicy defines how a client requested version is matched against a
// RoT Service version.
type VersionPolicy int

const (
	// Strict requires an exact version match.
	Strict VersionPolicy = iota
	// Relaxed accepts any requested version lower or equal to the service
	// version.
	Relaxed
)

func (v VersionPolicy) String() string {
	if v == Relaxed {
		return "RELAXED"
	}

	return "STRICT"
}

// Entry is a partition thread entry function.
type Entry func()

// PartitionInfo is the load information of a secure partition.
type PartitionInfo struct {
	// PID is the partition identity, 0 is reserved for the non-secure
	// proxy.
	PID  int32
	Name string

	// FrameworkVersion is the PSA Firmware Framework version the partition
	// manifest is written against, empty values default to the running
	// framework version.
	FrameworkVersion string

	Model    Model
	Priority Priority

	// Entry is the partition thread body, the non-secure proxy partition
	// runs the platform non-secure entry point instead.
	Entry Entry

	StackBase uint32
	StackSize uint32
	HeapBase  uint32
	HeapSize  uint32

	// Deps lists the SIDs the partition is allowed to connect to.
	Deps []uint32

	Services []ServiceInfo
	IRQs     []IRQInfo
}

// ServiceInfo is the load information of a RoT Service.
type ServiceInfo struct {
	Name    string
	SID     uint32
	Signal  psa.Signal
	Version uint32
	Policy  VersionPolicy

	// NSAccessible allows non-secure clients to connect.
	NSAccessible bool
	// Stateless services are reached through a static handle with index
	// StatelessIndex rather than a connection.
	Stateless      bool
	StatelessIndex uint32
	// MMIOVec enables memory mapped input/output vectors.
	MMIOVec bool
}

// IRQModel selects the interrupt handling model of an IRQ, it is either
// SLIH or FLIH.
type IRQModel interface {
	irqModel()
}

// SLIH selects second-level interrupt handling: the source is disabled on
// arrival and the partition serves the signal at a later scheduling point.
type SLIH struct{}

// FLIH selects first-level interrupt handling: Handler runs when the
// interrupt arrives and its result determines whether the signal is
// asserted.
type FLIH struct {
	Handler func() psa.FLIHResult
}

func (SLIH) irqModel() {}
func (FLIH) irqModel() {}

// IRQInfo is the load information of an interrupt owned by a partition.
type IRQInfo struct {
	Name   string
	Source uint32
	Signal psa.Signal
	Model  IRQModel

	// PID is the owning partition identity, it is set when the IRQ is
	// attached to its partition.
	PID int32
}

// Validate checks the internal consistency of the partition load
// information.
func (p *PartitionInfo) Validate() (err error) {
	if p.PID < 0 {
		return fmt.Errorf("partition %s: invalid id %d", p.Name, p.PID)
	}

	if p.PID != NonSecureID && p.Entry == nil {
		return fmt.Errorf("partition %s: missing entry point", p.Name)
	}

	if p.StackSize > 0 && p.StackBase > ^uint32(0)-p.StackSize {
		return fmt.Errorf("partition %s: stack region overflows", p.Name)
	}

	var used psa.Signal

	claim := func(what string, sig psa.Signal) error {
		switch {
		case !sig.OnlyOneBit():
			return fmt.Errorf("partition %s: %s signal %#x must have exactly one bit set", p.Name, what, uint32(sig))
		case sig&reservedSignals != 0:
			return fmt.Errorf("partition %s: %s signal %#x is reserved", p.Name, what, uint32(sig))
		case sig&used != 0:
			return fmt.Errorf("partition %s: %s signal %#x already assigned", p.Name, what, uint32(sig))
		}

		used |= sig

		return nil
	}

	for _, s := range p.Services {
		if err = claim("service "+s.Name, s.Signal); err != nil {
			return
		}

		if s.Stateless && s.StatelessIndex >= psa.StaticHandleLimit {
			return fmt.Errorf("partition %s: service %s stateless index %d out of range", p.Name, s.Name, s.StatelessIndex)
		}
	}

	for _, irq := range p.IRQs {
		if err = claim("irq "+irq.Name, irq.Signal); err != nil {
			return
		}

		switch m := irq.Model.(type) {
		case SLIH:
		case FLIH:
			if m.Handler == nil {
				return fmt.Errorf("partition %s: irq %s has no FLIH handler", p.Name, irq.Name)
			}
		default:
			return fmt.Errorf("partition %s: irq %s has no handling model", p.Name, irq.Name)
		}
	}

	return
}

// ValidateAll checks each partition and the global uniqueness of partition
// ids, SIDs and stateless handle indexes.
func ValidateAll(partitions []*PartitionInfo) error {
	pids := make(map[int32]string)
	sids := make(map[uint32]string)
	stateless := make(map[uint32]string)
	lines := make(map[uint32]string)

	var errs []error

	for _, p := range partitions {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}

		if other, ok := pids[p.PID]; ok {
			errs = append(errs, fmt.Errorf("partition %s: id %d already used by %s", p.Name, p.PID, other))
		}
		pids[p.PID] = p.Name

		for _, s := range p.Services {
			if other, ok := sids[s.SID]; ok {
				errs = append(errs, fmt.Errorf("service %s: SID %#x already used by %s", s.Name, s.SID, other))
			}
			sids[s.SID] = s.Name

			if !s.Stateless {
				continue
			}

			if other, ok := stateless[s.StatelessIndex]; ok {
				errs = append(errs, fmt.Errorf("service %s: stateless index %d already used by %s", s.Name, s.StatelessIndex, other))
			}
			stateless[s.StatelessIndex] = s.Name
		}

		for _, irq := range p.IRQs {
			if other, ok := lines[irq.Source]; ok {
				errs = append(errs, fmt.Errorf("irq %s: source %d already owned by %s", irq.Name, irq.Source, other))
			}
			lines[irq.Source] = p.Name
		}
	}

	return errors.Join(errs...)
}
