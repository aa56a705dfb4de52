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

package spm

import (
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// irqBinding is an ISR table entry.
type irqBinding struct {
	partition *Partition
	info      *load.IRQInfo
}

// handleIRQ dispatches an acknowledged interrupt line.
func (s *SPM) handleIRQ(line uint32) {
	b, ok := s.irqs[line]

	if !ok {
		klog.Warningf("SPM unexpected IRQ %d", line)
		s.hal.IRQDisable(line)

		return
	}

	s.handleInterrupt(b.partition, b.info)
}

// handleInterrupt runs the handling model of an IRQ owned by p.
func (s *SPM) handleInterrupt(p *Partition, irq *load.IRQInfo) {
	if irq.PID != p.Info.PID {
		s.panic(p, "IRQ %s bound to partition %d", irq.Name, irq.PID)
	}

	var res psa.FLIHResult

	switch m := irq.Model.(type) {
	case load.SLIH:
		s.hal.IRQDisable(irq.Source)
		res = psa.FLIHSignal

		counterIRQs.Inc("slih")
	case load.FLIH:
		if p.privileged {
			res = m.Handler()
		} else {
			res = s.deprivilegedFLIH(p, m.Handler)
		}

		counterIRQs.Inc("flih")
	default:
		s.panic(p, "IRQ %s without handling model", irq.Name)
	}

	klog.V(1).Infof("SPM IRQ %s (line %d) for %s result %d", irq.Name, irq.Source, p.Info.Name, res)

	if res == psa.FLIHSignal {
		s.assertSignal(p, irq.Signal)
	}
}

// deprivilegedFLIH runs a first-level handler of an unprivileged partition
// within its boundary and on its stack, then restores the interrupted
// context: boundary, stack limit and pointer, and finally the result
// register of the interrupt exception frame, in this order.
func (s *SPM) deprivilegedFLIH(owner *Partition, handler func() psa.FLIHResult) psa.FLIHResult {
	curCtx := s.sched.CurrentContext()
	cur := s.byCtx[curCtx]

	if cur == nil {
		// no thread ran yet
		cur = owner
	}

	psp, psplim := s.cpu.PSP(), s.cpu.PSPLimit()

	if owner != cur {
		if owner.boundary != cur.boundary {
			s.activate(owner)
		}

		s.sched.SetCurrentContext(&owner.ctx)
		s.cpu.SetPSPLimit(owner.ctx.SPLimit)
		s.cpu.SetPSP(owner.ctx.SP)
	} else {
		s.cpu.SetPSPLimit(owner.ctx.SPLimit)
	}

	// handlers must not block
	s.sched.Lock()
	res := handler()
	s.sched.Unlock()

	if owner.boundary != cur.boundary {
		s.activate(cur)
	}

	s.sched.SetCurrentContext(curCtx)
	s.cpu.SetPSPLimit(psplim)
	s.cpu.SetPSP(psp)

	s.cpu.SetReturn(&s.irqFrame, uint32(res))

	return psa.FLIHResult(s.irqFrame.R0)
}
