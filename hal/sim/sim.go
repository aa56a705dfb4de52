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

// Package sim implements the platform contract on the host: a simulated
// address space of secure and non-secure regions, an interrupt controller,
// isolation boundaries for isolation levels 1 to 3, a critical section and
// a reset recorder.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/hal"
)

// IRQLines is the number of interrupt lines of the simulated controller.
const IRQLines = 480

const (
	privileged   hal.Boundary = 1
	unprivileged hal.Boundary = 2
	nonSecure    hal.Boundary = 4
)

var _ hal.HAL = (*Platform)(nil)

// Region is a contiguous area of the simulated address space.
type Region struct {
	Name string
	Base uint32
	Size uint32

	// Secure regions are not accessible with non-secure rights.
	Secure bool
	// Unprivileged regions are accessible with unprivileged rights.
	Unprivileged bool
	ReadOnly     bool

	data []byte
	next uint32
}

func (r *Region) contains(base uint32, size uint32) bool {
	return base >= r.Base && uint64(base)+uint64(size) <= uint64(r.Base)+uint64(r.Size)
}

// Config describes the simulated platform.
type Config struct {
	// IsolationLevel is 1, 2 or 3.
	IsolationLevel int
	Regions        []Region

	NSEntry func()
	NSVTOR  uint32
	NSMSP   uint32
}

// Platform is a simulated TrustZone-M platform.
type Platform struct {
	level   int
	regions []*Region

	nsEntry func()
	nsVTOR  uint32
	nsMSP   uint32

	// boundary state is only touched by the baton holder
	bound       map[int32]hal.Boundary
	active      hal.Boundary
	activations int

	irq       sync.Mutex
	enabled   *bitset.BitSet
	pending   *bitset.BitSet
	onPending func()

	critical sync.Mutex
	resets   atomic.Int32
}

// New returns a simulated platform, regions must not overlap.
func New(cfg Config) (p *Platform, err error) {
	p = &Platform{
		level:   cfg.IsolationLevel,
		nsEntry: cfg.NSEntry,
		nsVTOR:  cfg.NSVTOR,
		nsMSP:   cfg.NSMSP,
		bound:   make(map[int32]hal.Boundary),
		enabled: bitset.New(IRQLines),
		pending: bitset.New(IRQLines),
	}

	if p.level == 0 {
		p.level = 1
	}

	if p.level > 3 {
		return nil, fmt.Errorf("invalid isolation level %d", p.level)
	}

	for i := range cfg.Regions {
		r := cfg.Regions[i]

		if r.Size == 0 || uint64(r.Base)+uint64(r.Size) > 1<<32 {
			return nil, fmt.Errorf("invalid region %s", r.Name)
		}

		for _, o := range p.regions {
			if o.contains(r.Base, 1) || r.contains(o.Base, 1) {
				return nil, fmt.Errorf("region %s overlaps %s", r.Name, o.Name)
			}
		}

		r.data = make([]byte, r.Size)
		p.regions = append(p.regions, &r)
	}

	return
}

// Resets returns the number of system reset requests.
func (p *Platform) Resets() int {
	return int(p.resets.Load())
}

// SystemReset implements hal.HAL.
func (p *Platform) SystemReset() {
	klog.Warningf("sim: system reset requested")
	p.resets.Add(1)
}

// EnterCritical implements hal.HAL.
func (p *Platform) EnterCritical() {
	p.critical.Lock()
}

// ExitCritical implements hal.HAL.
func (p *Platform) ExitCritical() {
	p.critical.Unlock()
}

// NSEntryPoint implements hal.HAL.
func (p *Platform) NSEntryPoint() func() {
	return p.nsEntry
}

// NSVTOR implements hal.HAL.
func (p *Platform) NSVTOR() uint32 {
	return p.nsVTOR
}

// NSMSP implements hal.HAL.
func (p *Platform) NSMSP() uint32 {
	return p.nsMSP
}
