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
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// Vector status nibbles, in vectors occupy indexes 0-3 and out vectors 4-7.
const (
	iovecMapped   = 1 << 0
	iovecUnmapped = 1 << 1
	iovecAccessed = 1 << 2

	invecBase  = 0
	outvecBase = psa.MaxIOVec
)

func (m *message) status(i uint32) uint32 {
	return (m.iovecStatus >> (i * 4)) & 0xf
}

func (m *message) setStatus(i uint32, st uint32) {
	m.iovecStatus |= st << (i * 4)
}

func (m *message) mapped(i uint32) bool {
	return m.status(i)&iovecMapped != 0
}

func (m *message) unmapped(i uint32) bool {
	return m.status(i)&iovecUnmapped != 0
}

func (m *message) accessed(i uint32) bool {
	return m.status(i)&iovecAccessed != 0
}

// unmapAll removes the mappings left in place by the service, out vectors
// still mapped report that nothing was written.
func (m *message) unmapAll() {
	for i := uint32(0); i < 2*psa.MaxIOVec; i++ {
		if !m.mapped(i) || m.unmapped(i) {
			continue
		}

		m.setStatus(i, iovecUnmapped)

		if i >= outvecBase {
			m.outvec[i-outvecBase].Len = 0
		}
	}
}

// mappable returns the request message of a handle whose vector idx can be
// mapped, any other state is fatal.
func (s *SPM) mappable(h psa.Handle, idx uint32, vec uint32) (*Partition, *message) {
	p, m := s.requestMsg(h, idx)

	switch {
	case !m.service.Info.MMIOVec:
		s.panic(p, "MM-IOVEC not enabled for service %#x", m.service.Info.SID)
	case m.mapped(vec):
		s.panic(p, "vector %d already mapped", vec)
	case m.accessed(vec):
		s.panic(p, "vector %d already accessed", vec)
	}

	return p, m
}

// MapInvec maps an input vector in the address space of the service and
// returns the client buffer.
func (s *SPM) MapInvec(h psa.Handle, idx uint32) []byte {
	p, m := s.mappable(h, idx, invecBase+idx)
	size := m.msg.InSize[idx]

	if size == 0 {
		s.panic(p, "map of empty in vector %d", idx)
	}

	return s.mapVector(p, m, invecBase+idx, m.invec[idx].Base, size, hal.Readable)
}

// MapOutvec maps an output vector in the address space of the service and
// returns the client buffer.
func (s *SPM) MapOutvec(h psa.Handle, idx uint32) []byte {
	p, m := s.mappable(h, idx, outvecBase+idx)
	size := m.msg.OutSize[idx]

	if size == 0 {
		s.panic(p, "map of empty out vector %d", idx)
	}

	return s.mapVector(p, m, outvecBase+idx, m.outvec[idx].Base, size, hal.ReadWrite)
}

func (s *SPM) mapVector(p *Partition, m *message, vec uint32, base uint32, size uint32, attr hal.Access) []byte {
	if !p.privileged {
		attr |= hal.Unprivileged
	}

	if err := s.hal.MemoryHasAccess(base, size, attr); err != nil {
		s.panic(p, "map of vector %d: %v", vec, err)
	}

	buf, err := s.hal.Map(base, size)

	if err != nil {
		s.panic(p, "map of vector %d: %v", vec, err)
	}

	m.setStatus(vec, iovecMapped)

	return buf
}

// unmappable returns the request message of a handle whose vector idx is
// currently mapped.
func (s *SPM) unmappable(h psa.Handle, idx uint32, vec uint32) (*Partition, *message) {
	p, m := s.requestMsg(h, idx)

	switch {
	case !m.service.Info.MMIOVec:
		s.panic(p, "MM-IOVEC not enabled for service %#x", m.service.Info.SID)
	case !m.mapped(vec):
		s.panic(p, "vector %d not mapped", vec)
	case m.unmapped(vec):
		s.panic(p, "vector %d already unmapped", vec)
	}

	return p, m
}

// UnmapInvec releases a mapped input vector.
func (s *SPM) UnmapInvec(h psa.Handle, idx uint32) {
	_, m := s.unmappable(h, idx, invecBase+idx)
	m.setStatus(invecBase+idx, iovecUnmapped)
}

// UnmapOutvec releases a mapped output vector and records that n bytes
// were written to it.
func (s *SPM) UnmapOutvec(h psa.Handle, idx uint32, n uint32) {
	p, m := s.unmappable(h, idx, outvecBase+idx)

	if n > m.msg.OutSize[idx] {
		s.panic(p, "unmap of out vector %d with length %d beyond its size", idx, n)
	}

	m.setStatus(outvecBase+idx, iovecUnmapped)
	m.outvec[idx].Len = n
}
