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

	"github.com/transparency-dev/armored-witness-spm/internal/thread"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// messaging delivers a message to the partition owning svc and, for thread
// clients, blocks t until the reply. Mailbox messages return immediately,
// their reply is delivered through the registered RPC operations.
func (s *SPM) messaging(svc *Service, m *message, t *thread.Thread) int32 {
	p := svc.Partition

	p.queue = append(p.queue, m)
	s.assertSignal(p, svc.Info.Signal)

	counterMessages.Inc(msgTypeLabel(m.msg.Type))

	if m.rpc != nil {
		return int32(psa.Success)
	}

	return int32(s.sched.WaitOn(&m.ack, t))
}

// replying delivers the result of a message to its client.
func (s *SPM) replying(m *message, ret int32) {
	counterReplies.Inc(msgTypeLabel(m.msg.Type), statusLabel(ret))

	if m.rpc != nil {
		if s.rpc == nil {
			klog.Warningf("SPM dropping mailbox reply %d, no agent registered", ret)
			return
		}

		s.rpc.Reply(m.rpc, ret)

		return
	}

	s.sched.WakeUp(&m.ack, uint32(ret))
}

// assertSignal asserts signals on a partition and wakes it if it is
// waiting on any of them.
func (s *SPM) assertSignal(p *Partition, sig psa.Signal) {
	if sig&^p.allowed != 0 {
		s.panic(p, "asserting signal %#x outside of allowed mask %#x", uint32(sig), uint32(p.allowed))
	}

	p.asserted |= sig

	if p.waiting&sig != 0 {
		s.sched.WakeUp(&p.wait, uint32(p.asserted&p.waiting))
		p.waiting &^= sig
	}
}

// msgBySignal removes and returns the first queued message for sig, the
// signal is cleared when no further message for it remains.
func (s *SPM) msgBySignal(p *Partition, sig psa.Signal) *message {
	var found *message
	pending := false

	for i := 0; i < len(p.queue); i++ {
		if p.queue[i].service.Info.Signal != sig {
			continue
		}

		if found == nil {
			found = p.queue[i]
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			i--

			continue
		}

		pending = true

		break
	}

	if !pending {
		p.asserted &^= sig
	}

	return found
}
