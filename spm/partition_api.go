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

// Wait returns the asserted signals of the calling partition within mask.
// With psa.Block it blocks until at least one of them is asserted.
func (s *SPM) Wait(mask psa.Signal, timeout uint32) psa.Signal {
	p, t := s.current()

	timeout &= psa.TimeoutMask

	if mask&p.allowed == 0 {
		s.panic(p, "wait on signals %#x outside of allowed mask %#x", uint32(mask), uint32(p.allowed))
	}

	if timeout == psa.Block && p.asserted&mask == 0 {
		p.waiting = mask
		s.sched.WaitOn(&p.wait, t)
	}

	return p.asserted & mask
}

// Get retrieves the oldest message for a RoT Service signal.
// psa.ErrorDoesNotExist is returned when the signal is asserted with no
// message queued.
func (s *SPM) Get(sig psa.Signal) (psa.Msg, error) {
	p, _ := s.current()

	if !sig.OnlyOneBit() {
		s.panic(p, "get on signal %#x with other than one bit set", uint32(sig))
	}

	if p.asserted&sig == 0 {
		s.panic(p, "get on signal %#x which is not asserted", uint32(sig))
	}

	m := s.msgBySignal(p, sig)

	if m == nil {
		return psa.Msg{}, psa.ErrorDoesNotExist
	}

	if conn, ok := s.conn(m.msg.Handle); !ok || conn.status != statusActive {
		s.panic(p, "queued message %#x without active connection", m.msg.Handle)
	}

	return m.msg, nil
}

// msgFromHandle returns the connection and message of a message handle
// owned by p, foreign or stale handles are fatal.
func (s *SPM) msgFromHandle(p *Partition, h psa.Handle) (*connHandle, *message) {
	conn, ok := s.conn(h)

	if !ok {
		s.panic(p, "invalid message handle %#x", h)
	}

	m := &conn.msg

	if m.magic != msgMagic {
		s.panic(p, "message handle %#x has no pending message", h)
	}

	if m.service == nil || m.service.Partition != p {
		s.panic(p, "message handle %#x not owned by the caller", h)
	}

	return conn, m
}

// SetRHandle associates a reverse handle with the connection of a message.
func (s *SPM) SetRHandle(h psa.Handle, rhandle any) {
	p, _ := s.current()
	conn, m := s.msgFromHandle(p, h)

	if m.service.Info.Stateless {
		s.panic(p, "reverse handle on stateless service %#x", m.service.Info.SID)
	}

	m.msg.RHandle = rhandle
	conn.rhandle = rhandle
}

// requestMsg returns the request message of a handle for vector access.
func (s *SPM) requestMsg(h psa.Handle, idx uint32) (*Partition, *message) {
	p, _ := s.current()
	_, m := s.msgFromHandle(p, h)

	if m.msg.Type < psa.IPCCall {
		s.panic(p, "message %#x of type %d is not a request", h, m.msg.Type)
	}

	if idx >= psa.MaxIOVec {
		s.panic(p, "vector index %d out of range", idx)
	}

	return p, m
}

// Read copies up to len(buf) bytes from an input vector, the unread part of
// the vector shrinks accordingly. It returns the number of bytes copied.
func (s *SPM) Read(h psa.Handle, idx uint32, buf []byte) int {
	p, m := s.requestMsg(h, idx)

	if m.mapped(invecBase + idx) {
		s.panic(p, "read of mapped in vector %d", idx)
	}

	m.setStatus(invecBase+idx, iovecAccessed)

	n := min(uint32(len(buf)), m.msg.InSize[idx])

	if n == 0 {
		return 0
	}

	if err := s.hal.Read(m.invec[idx].Base, buf[:n]); err != nil {
		s.panic(p, "read of in vector %d: %v", idx, err)
	}

	m.invec[idx].Base += n
	m.msg.InSize[idx] -= n

	return int(n)
}

// Skip discards up to n bytes of an input vector and returns the number of
// bytes skipped.
func (s *SPM) Skip(h psa.Handle, idx uint32, n uint32) uint32 {
	p, m := s.requestMsg(h, idx)

	if m.mapped(invecBase + idx) {
		s.panic(p, "skip of mapped in vector %d", idx)
	}

	m.setStatus(invecBase+idx, iovecAccessed)

	n = min(n, m.msg.InSize[idx])

	m.invec[idx].Base += n
	m.msg.InSize[idx] -= n

	return n
}

// Write appends buf to an output vector, writing past the size declared by
// the client is fatal.
func (s *SPM) Write(h psa.Handle, idx uint32, buf []byte) {
	p, m := s.requestMsg(h, idx)

	if uint32(len(buf)) > m.msg.OutSize[idx]-m.outvec[idx].Len {
		s.panic(p, "write of %d bytes overflows out vector %d", len(buf), idx)
	}

	if m.mapped(outvecBase + idx) {
		s.panic(p, "write of mapped out vector %d", idx)
	}

	m.setStatus(outvecBase+idx, iovecAccessed)

	if len(buf) == 0 {
		return
	}

	if err := s.hal.Write(m.outvec[idx].Base+m.outvec[idx].Len, buf); err != nil {
		s.panic(p, "write of out vector %d: %v", idx, err)
	}

	m.outvec[idx].Len += uint32(len(buf))
}

// Reply completes a message with the argument status and resumes the
// client.
func (s *SPM) Reply(h psa.Handle, status psa.Status) {
	p, t := s.current()
	conn, m := s.msgFromHandle(p, h)

	svc := m.service
	free := false

	var ret int32

	switch {
	case m.msg.Type == psa.IPCConnect:
		switch status {
		case psa.Success:
			ret = int32(m.msg.Handle)
		case psa.ErrorConnectionRefused, psa.ErrorConnectionBusy:
			// the client never learns the handle
			free = true
			ret = int32(status)
		default:
			s.panic(p, "invalid connect reply status %s", status)
		}
	case m.msg.Type == psa.IPCDisconnect:
		free = true
	case m.msg.Type >= psa.IPCCall:
		m.unmapAll()

		ret = int32(status)

		for i := range m.callerOut {
			m.callerOut[i].Len = m.outvec[i].Len
		}

		free = svc.Info.Stateless
	default:
		s.panic(p, "invalid message type %d", m.msg.Type)
	}

	switch {
	case psa.Status(ret) == psa.ErrorProgrammerError && psa.ClientIDIsNS(conn.clientID):
		conn.status = statusConnectError
	case psa.Status(ret) == psa.ErrorProgrammerError:
		s.panic(p, "programmer error reply to secure client %d", conn.clientID)
	default:
		conn.status = statusIdle
	}

	klog.V(1).Infof("SPM reply %#x type %d status %d", h, m.msg.Type, ret)

	m.magic = 0
	s.replying(m, ret)

	if free {
		s.freeConn(conn)
	}

	s.sched.Yield(t)
}

// Notify asserts the doorbell signal of a partition.
func (s *SPM) Notify(pid int32) {
	p, t := s.current()
	target, ok := s.byPID[pid]

	if !ok {
		s.panic(p, "notify of unknown partition %d", pid)
	}

	s.assertSignal(target, psa.Doorbell)
	s.sched.Yield(t)
}

// Clear deasserts the doorbell signal of the calling partition.
func (s *SPM) Clear() {
	p, _ := s.current()

	if p.asserted&psa.Doorbell == 0 {
		s.panic(p, "clear of doorbell which is not asserted")
	}

	p.asserted &^= psa.Doorbell
}

// irq returns the IRQ of the calling partition bound to sig.
func (s *SPM) irq(sig psa.Signal) (*Partition, *load.IRQInfo) {
	p, _ := s.current()
	irq := p.irqBySignal(sig)

	if irq == nil {
		s.panic(p, "signal %#x is not an IRQ signal", uint32(sig))
	}

	return p, irq
}

// EOI completes the handling of a second-level interrupt: the signal is
// deasserted and the source re-enabled.
func (s *SPM) EOI(sig psa.Signal) {
	p, irq := s.irq(sig)

	if _, ok := irq.Model.(load.SLIH); !ok {
		s.panic(p, "EOI of first-level IRQ %s", irq.Name)
	}

	if p.asserted&sig == 0 {
		s.panic(p, "EOI of IRQ %s which is not asserted", irq.Name)
	}

	p.asserted &^= sig

	s.hal.IRQClearPending(irq.Source)
	s.hal.IRQEnable(irq.Source)
}

// IRQEnable enables the interrupt bound to sig.
func (s *SPM) IRQEnable(sig psa.Signal) {
	_, irq := s.irq(sig)
	s.hal.IRQEnable(irq.Source)
}

// IRQDisable disables the interrupt bound to sig.
func (s *SPM) IRQDisable(sig psa.Signal) psa.IRQStatus {
	_, irq := s.irq(sig)
	s.hal.IRQDisable(irq.Source)

	return 1
}

// ResetSignal deasserts the signal of a first-level interrupt.
func (s *SPM) ResetSignal(sig psa.Signal) {
	p, irq := s.irq(sig)

	if _, ok := irq.Model.(load.FLIH); !ok {
		s.panic(p, "reset of second-level IRQ %s signal", irq.Name)
	}

	if p.asserted&sig == 0 {
		s.panic(p, "reset of IRQ %s signal which is not asserted", irq.Name)
	}

	p.asserted &^= sig
}

// Panic resets the system on behalf of the calling partition, it does not
// return.
func (s *SPM) Panic() {
	p, _ := s.current()
	s.panic(p, "partition %s requested a system reset", p.Info.Name)
}

// LifecycleState returns the security lifecycle state of the device.
func (s *SPM) LifecycleState() uint32 {
	return psa.LifecycleUnknown
}
