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

// Package pool implements a fixed capacity arena of slots with at most one
// checkout per slot and a generation counter bumped on every release.
package pool

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// ErrExhausted is returned when no free slot is available.
var ErrExhausted = errors.New("pool exhausted")

// Pool is an arena of capacity elements of type T.
type Pool[T any] struct {
	slots []T
	gen   []uint32
	used  *bitset.BitSet
	// next free slot candidate, allocation scans from here to spread
	// reuse across the arena
	next uint
}

// New returns a pool of the argument capacity.
func New[T any](capacity int) *Pool[T] {
	if capacity <= 0 {
		panic("pool: invalid capacity")
	}

	return &Pool[T]{
		slots: make([]T, capacity),
		gen:   make([]uint32, capacity),
		used:  bitset.New(uint(capacity)),
	}
}

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// InUse returns the number of checked out slots.
func (p *Pool[T]) InUse() int {
	return int(p.used.Count())
}

// Alloc checks out a zeroed slot and returns its index.
func (p *Pool[T]) Alloc() (index int, slot *T, err error) {
	i, ok := p.used.NextClear(p.next)

	if !ok || i >= uint(len(p.slots)) {
		if i, ok = p.used.NextClear(0); !ok || i >= uint(len(p.slots)) {
			return -1, nil, ErrExhausted
		}
	}

	p.used.Set(i)
	p.next = (i + 1) % uint(len(p.slots))

	var zero T
	p.slots[i] = zero

	return int(i), &p.slots[i], nil
}

// Free releases a checked out slot, freeing an index that is outside the
// arena or not checked out is a caller defect and panics.
func (p *Pool[T]) Free(index int) {
	if !p.Valid(index) {
		panic(fmt.Sprintf("pool: free of invalid slot %d", index))
	}

	var zero T

	p.slots[index] = zero
	p.gen[index]++
	p.used.Clear(uint(index))
}

// Valid reports whether index refers to a checked out slot.
func (p *Pool[T]) Valid(index int) bool {
	return index >= 0 && index < len(p.slots) && p.used.Test(uint(index))
}

// Generation returns the number of times a slot has been released.
func (p *Pool[T]) Generation(index int) uint32 {
	if index < 0 || index >= len(p.slots) {
		return 0
	}

	return p.gen[index]
}

// At returns the checked out slot at index, or nil if index is not valid.
func (p *Pool[T]) At(index int) *T {
	if !p.Valid(index) {
		return nil
	}

	return &p.slots[index]
}

// Each invokes fn on every checked out slot in index order.
func (p *Pool[T]) Each(fn func(index int, slot *T)) {
	for i, ok := p.used.NextSet(0); ok && i < uint(len(p.slots)); i, ok = p.used.NextSet(i + 1) {
		fn(int(i), &p.slots[i])
	}
}
