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
	"github.com/transparency-dev/armored-witness-spm/hal"
	"github.com/transparency-dev/armored-witness-spm/internal/arch"
	"github.com/transparency-dev/armored-witness-spm/internal/thread"
	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// Partition is the runtime state of a loaded partition.
type Partition struct {
	Info *load.PartitionInfo

	boundary   hal.Boundary
	privileged bool

	ctx    arch.Context
	thread *thread.Thread
	wait   thread.Sync

	allowed  psa.Signal
	waiting  psa.Signal
	asserted psa.Signal

	// queue holds the messages not yet retrieved with Get, in arrival
	// order
	queue []*message
	irqs  []*load.IRQInfo
}

// ID returns the partition identity.
func (p *Partition) ID() int32 {
	return p.Info.PID
}

// NonSecure reports whether p is the non-secure proxy partition.
func (p *Partition) NonSecure() bool {
	return p.Info.PID == load.NonSecureID
}

// Privileged reports whether the partition executes with privilege.
func (p *Partition) Privileged() bool {
	return p.privileged
}

// Signals returns the allowed and asserted signal masks.
func (p *Partition) Signals() (allowed psa.Signal, asserted psa.Signal) {
	return p.allowed, p.asserted
}

func (p *Partition) irqBySignal(sig psa.Signal) *load.IRQInfo {
	for _, irq := range p.irqs {
		if irq.Signal == sig {
			return irq
		}
	}

	return nil
}

func (p *Partition) dependsOn(sid uint32) bool {
	for _, dep := range p.Info.Deps {
		if dep == sid {
			return true
		}
	}

	return false
}

// Service is a RoT Service registered with the SPM.
type Service struct {
	Info      *load.ServiceInfo
	Partition *Partition
}

// PartitionByID returns the loaded partition with the argument identity.
func (s *SPM) PartitionByID(pid int32) (*Partition, bool) {
	p, ok := s.byPID[pid]
	return p, ok
}

// ServiceBySID returns the connection based or stateless service with the
// argument SID.
func (s *SPM) ServiceBySID(sid uint32) (*Service, bool) {
	svc, ok := s.services[sid]
	return svc, ok
}

// Partitions returns the loaded partitions in load order.
func (s *SPM) Partitions() []*Partition {
	return s.partitions
}

// statelessService returns the service bound to a static handle index.
func (s *SPM) statelessService(index uint32) *Service {
	if index >= psa.StaticHandleLimit {
		return nil
	}

	return s.stateless[index]
}

// running returns the partition owning the current context.
func (s *SPM) running() *Partition {
	return s.byCtx[s.sched.CurrentContext()]
}

// current returns the running partition and thread of an SPM call made by
// a partition thread, calls from anywhere else are fatal.
func (s *SPM) current() (*Partition, *thread.Thread) {
	t := s.sched.Current()
	p := s.running()

	if t == nil || p == nil {
		s.panic(nil, "SPM call outside of a partition thread")
	}

	return p, t
}

// register adds a partition and its services to the registries.
func (s *SPM) register(p *Partition) {
	s.partitions = append(s.partitions, p)
	s.byPID[p.Info.PID] = p
	s.byCtx[&p.ctx] = p

	for i := range p.Info.Services {
		svc := &Service{
			Info:      &p.Info.Services[i],
			Partition: p,
		}

		s.services[svc.Info.SID] = svc

		if svc.Info.Stateless {
			s.stateless[svc.Info.StatelessIndex] = svc
		}

		p.allowed |= svc.Info.Signal
	}

	for i := range p.Info.IRQs {
		irq := &p.Info.IRQs[i]

		p.irqs = append(p.irqs, irq)
		p.allowed |= irq.Signal
		s.irqs[irq.Source] = irqBinding{partition: p, info: irq}
	}

	p.allowed |= psa.Doorbell
}
