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

	"github.com/transparency-dev/armored-witness-spm/internal/arch"
	"github.com/transparency-dev/armored-witness-spm/internal/thread"
)

// doSchedule is the switch hook of the scheduler, it moves the CPU state
// from the partition of prev to the partition of next.
func (s *SPM) doSchedule(prev *thread.Thread, next *thread.Thread) {
	to := next.Owner.(*Partition)

	if prev == nil {
		s.activate(to)
		s.cpu.Load(&to.ctx)

		return
	}

	from := prev.Owner.(*Partition)

	if from == to {
		return
	}

	if from.ctx.SPLimit+arch.AdditionalContextSize > s.cpu.PSP() {
		s.panic(from, "no room for the additional context on the stack")
	}

	if from.boundary != to.boundary {
		s.activate(to)
	}

	s.cpu.FlushFP()
	s.cpu.Switch(&from.ctx, &to.ctx)

	counterSwitches.Inc()

	klog.V(2).Infof("SPM switch %s -> %s", from.Info.Name, to.Info.Name)
}

// activate switches the isolation boundary to the one of p, a failure is
// fatal.
func (s *SPM) activate(p *Partition) {
	if err := s.hal.ActivateBoundary(p.Info, p.boundary); err != nil {
		s.panic(p, "could not activate boundary: %v", err)
	}

	s.cpu.SetPrivileged(p.privileged)
}

// schedulePoint drains pending interrupts and mailbox requests before the
// next thread is selected.
func (s *SPM) schedulePoint() {
	for {
		line, ok := s.hal.NextIRQ()

		if !ok {
			break
		}

		s.handleIRQ(line)
	}

	if s.rpc != nil {
		s.rpc.HandleRequests()
	}
}
