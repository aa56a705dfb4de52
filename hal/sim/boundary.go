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

package sim

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/hal"
	"github.com/transparency-dev/armored-witness-spm/load"
)

// BindBoundary implements hal.HAL.
//
// At isolation level 1 every partition shares a single privileged boundary.
// At level 2 PSA-RoT partitions are privileged and Application RoT ones
// share an unprivileged boundary. At level 3 each Application RoT partition
// gets a private boundary.
func (p *Platform) BindBoundary(info *load.PartitionInfo) (b hal.Boundary, err error) {
	switch {
	case p.level == 1:
		b = privileged
	case info.PID == load.NonSecureID:
		b = nonSecure
	case info.Model == load.PSARoT:
		b = privileged
	case p.level == 2:
		b = unprivileged
	default:
		b = hal.Boundary(info.PID+1) << 4
	}

	p.bound[info.PID] = b

	return
}

// ActivateBoundary implements hal.HAL.
func (p *Platform) ActivateBoundary(info *load.PartitionInfo, b hal.Boundary) error {
	if bound, ok := p.bound[info.PID]; !ok || bound != b {
		return fmt.Errorf("%w: partition %d not bound to %#x", hal.ErrBoundary, info.PID, b)
	}

	klog.V(2).Infof("sim: activating boundary %#x for partition %d", b, info.PID)

	p.active = b
	p.activations++

	return nil
}

// Privileged implements hal.HAL.
func (p *Platform) Privileged(b hal.Boundary) bool {
	return b == privileged
}

// ActiveBoundary returns the last activated boundary.
func (p *Platform) ActiveBoundary() hal.Boundary {
	return p.active
}

// Activations returns the number of boundary activations.
func (p *Platform) Activations() int {
	return p.activations
}

// SetPendingHandler implements hal.IRQController.
func (p *Platform) SetPendingHandler(fn func()) {
	p.irq.Lock()
	defer p.irq.Unlock()

	p.onPending = fn
}

func (p *Platform) notify() {
	p.irq.Lock()
	fn := p.onPending
	p.irq.Unlock()

	if fn != nil {
		fn()
	}
}

// Trigger raises an interrupt line, it can be invoked from any goroutine.
func (p *Platform) Trigger(line uint32) {
	p.irq.Lock()
	p.pending.Set(uint(line))
	fire := p.enabled.Test(uint(line))
	p.irq.Unlock()

	if fire {
		p.notify()
	}
}

// IRQEnable implements hal.IRQController, a pending line fires as soon as
// it is enabled.
func (p *Platform) IRQEnable(line uint32) {
	p.irq.Lock()
	p.enabled.Set(uint(line))
	fire := p.pending.Test(uint(line))
	p.irq.Unlock()

	if fire {
		p.notify()
	}
}

// IRQDisable implements hal.IRQController.
func (p *Platform) IRQDisable(line uint32) {
	p.irq.Lock()
	defer p.irq.Unlock()

	p.enabled.Clear(uint(line))
}

// IRQClearPending implements hal.IRQController.
func (p *Platform) IRQClearPending(line uint32) {
	p.irq.Lock()
	defer p.irq.Unlock()

	p.pending.Clear(uint(line))
}

// IRQEnabled implements hal.IRQController.
func (p *Platform) IRQEnabled(line uint32) bool {
	p.irq.Lock()
	defer p.irq.Unlock()

	return p.enabled.Test(uint(line))
}

// IRQPending reports whether a line is pending.
func (p *Platform) IRQPending(line uint32) bool {
	p.irq.Lock()
	defer p.irq.Unlock()

	return p.pending.Test(uint(line))
}

// NextIRQ implements hal.IRQController, lower lines have higher priority.
func (p *Platform) NextIRQ() (line uint32, ok bool) {
	p.irq.Lock()
	defer p.irq.Unlock()

	i, ok := p.pending.Intersection(p.enabled).NextSet(0)

	if !ok {
		return
	}

	p.pending.Clear(i)

	return uint32(i), true
}
