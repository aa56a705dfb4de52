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

package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	owner int
	data  [4]byte
}

func TestAllocUntilExhausted(t *testing.T) {
	p := New[record](16)

	seen := make(map[int]bool)

	for i := 0; i < p.Cap(); i++ {
		idx, r, err := p.Alloc()
		require.NoError(t, err)
		require.False(t, seen[idx], "slot %d checked out twice", idx)
		seen[idx] = true
		r.owner = i
	}

	assert.Equal(t, 16, p.InUse())

	_, _, err := p.Alloc()
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestAtMostOneCheckout(t *testing.T) {
	p := New[record](4)
	live := make(map[int]bool)

	// interleave allocations and releases, no live slot may be returned
	for round := 0; round < 64; round++ {
		idx, _, err := p.Alloc()

		if err != nil {
			for i := range live {
				p.Free(i)
				delete(live, i)
				break
			}
			continue
		}

		require.False(t, live[idx], "round %d: slot %d already live", round, idx)
		live[idx] = true

		if round%3 == 0 {
			p.Free(idx)
			delete(live, idx)
		}
	}
}

func TestFreeBumpsGeneration(t *testing.T) {
	p := New[record](2)

	idx, r, err := p.Alloc()
	require.NoError(t, err)

	r.data = [4]byte{1, 2, 3, 4}
	gen := p.Generation(idx)

	assert.True(t, p.Valid(idx))
	assert.Equal(t, r, p.At(idx))

	p.Free(idx)

	assert.False(t, p.Valid(idx))
	assert.Nil(t, p.At(idx))
	assert.Equal(t, gen+1, p.Generation(idx))
	assert.Equal(t, 0, p.InUse())
}

func TestAllocZeroes(t *testing.T) {
	p := New[record](1)

	_, r, err := p.Alloc()
	require.NoError(t, err)
	r.owner = 42
	p.Free(0)

	_, r, err = p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, record{}, *r)
}

func TestFreeInvalidPanics(t *testing.T) {
	p := New[record](2)

	assert.Panics(t, func() { p.Free(0) }, "never allocated")
	assert.Panics(t, func() { p.Free(-1) }, "below arena")
	assert.Panics(t, func() { p.Free(2) }, "above arena")

	idx, _, err := p.Alloc()
	require.NoError(t, err)
	p.Free(idx)

	assert.Panics(t, func() { p.Free(idx) }, "double free")
}

func TestEach(t *testing.T) {
	p := New[record](8)

	for i := 0; i < 3; i++ {
		_, r, err := p.Alloc()
		require.NoError(t, err)
		r.owner = i
	}

	p.Free(1)

	var owners []int
	p.Each(func(_ int, r *record) { owners = append(owners, r.owner) })

	assert.Equal(t, []int{0, 2}, owners)
}
