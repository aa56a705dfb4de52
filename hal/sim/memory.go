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

	"github.com/transparency-dev/armored-witness-spm/hal"
)

const allocAlign = 8

func (p *Platform) region(base uint32, size uint32) (*Region, error) {
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("%w: %#x+%#x overflows", hal.ErrMemoryCheck, base, size)
	}

	for _, r := range p.regions {
		if r.contains(base, size) {
			return r, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x+%#x is not mapped", hal.ErrMemoryCheck, base, size)
}

// MemoryHasAccess implements hal.HAL.
func (p *Platform) MemoryHasAccess(base uint32, size uint32, attr hal.Access) error {
	if size == 0 {
		return nil
	}

	if base == 0 {
		return hal.ErrBadParam
	}

	r, err := p.region(base, size)

	if err != nil {
		return err
	}

	switch {
	case attr&hal.NS != 0 && r.Secure:
		return fmt.Errorf("%w: %s not accessible from non-secure state", hal.ErrMemoryCheck, r.Name)
	case attr&hal.Unprivileged != 0 && !r.Unprivileged:
		return fmt.Errorf("%w: %s requires privileged access", hal.ErrMemoryCheck, r.Name)
	case attr&hal.Writable != 0 && r.ReadOnly:
		return fmt.Errorf("%w: %s is read-only", hal.ErrMemoryCheck, r.Name)
	}

	return nil
}

// Map implements hal.Memory.
func (p *Platform) Map(addr uint32, size uint32) ([]byte, error) {
	r, err := p.region(addr, size)

	if err != nil {
		return nil, err
	}

	off := addr - r.Base

	return r.data[off : off+size : off+size], nil
}

// Read implements hal.Memory.
func (p *Platform) Read(addr uint32, buf []byte) error {
	mem, err := p.Map(addr, uint32(len(buf)))

	if err != nil {
		return err
	}

	copy(buf, mem)

	return nil
}

// Write implements hal.Memory.
func (p *Platform) Write(addr uint32, buf []byte) error {
	mem, err := p.Map(addr, uint32(len(buf)))

	if err != nil {
		return err
	}

	copy(mem, buf)

	return nil
}

// Alloc reserves size bytes in the named region and returns their address.
// Allocations are never released.
func (p *Platform) Alloc(name string, size uint32) (addr uint32, err error) {
	for _, r := range p.regions {
		if r.Name != name {
			continue
		}

		off := (r.next + allocAlign - 1) &^ (allocAlign - 1)

		if r.Base+off == 0 {
			// address 0 is the null pointer
			off = allocAlign
		}

		if uint64(off)+uint64(size) > uint64(r.Size) {
			return 0, fmt.Errorf("region %s exhausted", name)
		}

		r.next = off + size

		return r.Base + off, nil
	}

	return 0, fmt.Errorf("unknown region %s", name)
}
