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

// Package spm implements the Secure Partition Manager IPC core: the
// partition and RoT Service registries, connection handles, the client and
// partition PSA APIs, the message passing backend, partition scheduling and
// interrupt dispatch.
//
// All SPM state is owned by the scheduler baton holder: client and
// partition API functions must be invoked from partition entry functions,
// mailbox requests are served by the agent at schedule points.
package spm

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/hal"
	"github.com/transparency-dev/armored-witness-spm/internal/arch"
	"github.com/transparency-dev/armored-witness-spm/internal/pool"
	"github.com/transparency-dev/armored-witness-spm/internal/thread"
	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// default stack assigned to partitions declaring none, outside of the
// platform address space
const (
	defaultStackBase = 0xe0000000
	defaultStackSize = 0x800
)

// Config is the SPM configuration.
type Config struct {
	HAL        hal.HAL
	Partitions []*load.PartitionInfo

	// MaxConnections is the connection handle pool capacity, zero selects
	// DefaultMaxConnections.
	MaxConnections int
	// FrameworkVersion is the running framework version partitions are
	// checked against, the zero value selects
	// load.RunningFrameworkVersion().
	FrameworkVersion semver.Version
	// RemoteNS is set when non-secure clients run on another core and only
	// reach the SPM through a mailbox agent. The non-secure partition thread
	// is then never started and Run only returns on cancellation or on a
	// fatal error.
	RemoteNS bool
}

// SPM is a Secure Partition Manager instance.
type SPM struct {
	hal   hal.HAL
	sched *thread.Scheduler
	cpu   arch.CPU

	conns *pool.Pool[connHandle]
	codec handleCodec

	partitions []*Partition
	byPID      map[int32]*Partition
	byCtx      map[*arch.Context]*Partition
	services   map[uint32]*Service
	stateless  [psa.StaticHandleLimit]*Service
	irqs       map[uint32]irqBinding
	ns         *Partition
	// irqFrame is the exception frame of the interrupt being handled
	irqFrame arch.Context

	nsClientID int32
	remoteNS   bool
	rpc        RPCOps
}

// New loads the argument partitions. Partitions written against a newer
// framework version than the running one are skipped, exactly one
// non-secure proxy partition must be present.
func New(cfg Config) (*SPM, error) {
	initMetrics()

	if cfg.HAL == nil {
		return nil, errors.New("missing HAL")
	}

	if err := load.ValidateAll(cfg.Partitions); err != nil {
		return nil, fmt.Errorf("invalid partitions: %w", err)
	}

	capacity := cfg.MaxConnections

	if capacity == 0 {
		capacity = DefaultMaxConnections
	}

	running := cfg.FrameworkVersion

	if running == (semver.Version{}) {
		running = load.RunningFrameworkVersion()
	}

	s := &SPM{
		hal:        cfg.HAL,
		sched:      thread.NewScheduler(),
		conns:      pool.New[connHandle](capacity),
		codec:      newHandleCodec(capacity),
		byPID:      make(map[int32]*Partition),
		byCtx:      make(map[*arch.Context]*Partition),
		services:   make(map[uint32]*Service),
		irqs:       make(map[uint32]irqBinding),
		nsClientID: -1,
		remoteNS:   cfg.RemoteNS,
	}

	s.sched.OnSwitch = s.doSchedule
	s.sched.OnSchedulePoint = s.schedulePoint

	for i, info := range cfg.Partitions {
		if err := info.CheckFrameworkVersion(running); err != nil {
			klog.Warningf("SPM skipping partition %s: %v", info.Name, err)
			continue
		}

		if err := s.load(i, info); err != nil {
			return nil, err
		}
	}

	if s.ns == nil {
		return nil, errors.New("missing non-secure partition")
	}

	return s, nil
}

// load binds a partition boundary and prepares its thread.
func (s *SPM) load(i int, info *load.PartitionInfo) (err error) {
	p := &Partition{Info: info}

	if p.boundary, err = s.hal.BindBoundary(info); err != nil {
		return fmt.Errorf("partition %s: could not bind boundary: %w", info.Name, err)
	}

	p.privileged = s.hal.Privileged(p.boundary)

	base, size := info.StackBase, info.StackSize

	if size == 0 {
		base = defaultStackBase + uint32(i)*defaultStackSize
		size = defaultStackSize
	}

	arch.InitContext(&p.ctx, base, size, p.NonSecure())

	prio := int(info.Priority)

	if p.NonSecure() {
		if s.hal.NSEntryPoint() == nil && !s.remoteNS {
			return errors.New("missing non-secure entry point")
		}

		// the non-secure proxy only runs when no secure thread can
		prio = int(load.PriorityLowest) - 1
		s.ns = p
	}

	p.thread = thread.New(info.Name, prio, &p.ctx, p)

	s.register(p)

	for _, irq := range p.irqs {
		s.hal.IRQClearPending(irq.Source)
		s.hal.IRQEnable(irq.Source)
	}

	klog.Infof("SPM loaded partition %s (id:%d %s priority:%s services:%d irqs:%d)",
		info.Name, info.PID, info.Model, info.Priority, len(info.Services), len(info.IRQs))

	return
}

// Run starts the partition threads and schedules them until the non-secure
// entry point returns and no thread is runnable, ctx is cancelled or a
// fatal error occurs. The fatal error is returned as *FatalError.
func (s *SPM) Run(ctx context.Context) error {
	s.hal.SetPendingHandler(s.sched.Kick)

	for _, p := range s.partitions {
		p := p
		entry := func() { p.Info.Entry() }

		if p.NonSecure() {
			if s.remoteNS {
				continue
			}

			entry = s.hal.NSEntryPoint()
		}

		s.sched.Start(p.thread, entry)
	}

	klog.Infof("SPM running %d partitions", len(s.partitions))

	if s.remoteNS {
		return s.sched.Run(ctx, nil)
	}

	return s.sched.Run(ctx, func() bool {
		return s.ns.thread.State() == thread.Detached
	})
}

// Kick requests a schedule point from another goroutine, it is used by
// peers that queue work for the SPM outside of the interrupt controller.
func (s *SPM) Kick() {
	s.sched.Kick()
}

// panic reports a fatal error: the system is reset and the calling thread
// unwinds, halting the scheduler.
func (s *SPM) panic(p *Partition, format string, args ...any) {
	err := &FatalError{
		PID:    -1,
		Reason: fmt.Sprintf(format, args...),
	}

	if p == nil {
		p = s.running()
	}

	if p != nil {
		err.PID = p.Info.PID
	}

	klog.Errorf("%v", err)
	counterPanics.Inc()

	s.hal.SystemReset()

	panic(err)
}

// SetNSClientID sets the client id used for requests made by the non-secure
// proxy partition, it must be negative.
func (s *SPM) SetNSClientID(id int32) error {
	if !psa.ClientIDIsNS(id) {
		return fmt.Errorf("invalid non-secure client id %d", id)
	}

	s.nsClientID = id

	return nil
}
