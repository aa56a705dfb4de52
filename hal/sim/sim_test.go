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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-spm/hal"
	"github.com/transparency-dev/armored-witness-spm/load"
)

func testPlatform(t *testing.T, level int) *Platform {
	t.Helper()

	p, err := New(Config{
		IsolationLevel: level,
		Regions: []Region{
			{Name: "ns", Base: 0x20000000, Size: 0x1000, Unprivileged: true},
			{Name: "s_priv", Base: 0x30000000, Size: 0x1000, Secure: true},
			{Name: "s_unpriv", Base: 0x30001000, Size: 0x1000, Secure: true, Unprivileged: true},
			{Name: "rom", Base: 0x10000000, Size: 0x100, Secure: true, Unprivileged: true, ReadOnly: true},
		},
	})
	require.NoError(t, err)

	return p
}

func TestNewRejectsOverlap(t *testing.T) {
	_, err := New(Config{
		Regions: []Region{
			{Name: "a", Base: 0x1000, Size: 0x1000},
			{Name: "b", Base: 0x1800, Size: 0x1000},
		},
	})
	assert.Error(t, err)
}

func TestMemoryHasAccess(t *testing.T) {
	p := testPlatform(t, 2)

	for _, test := range []struct {
		name string
		base uint32
		size uint32
		attr hal.Access
		want error
	}{
		{"zero length", 0, 0, hal.ReadWrite, nil},
		{"nil base", 0, 4, hal.Readable, hal.ErrBadParam},
		{"overflow", 0xfffffff0, 0x20, hal.Readable, hal.ErrMemoryCheck},
		{"unmapped", 0x40000000, 4, hal.Readable, hal.ErrMemoryCheck},
		{"straddling", 0x20000ffc, 8, hal.Readable, hal.ErrMemoryCheck},
		{"ns on ns", 0x20000010, 16, hal.ReadWrite | hal.NS | hal.Unprivileged, nil},
		{"ns on secure", 0x30001000, 16, hal.Readable | hal.NS, hal.ErrMemoryCheck},
		{"secure on ns", 0x20000010, 16, hal.ReadWrite, nil},
		{"unprivileged on privileged", 0x30000010, 16, hal.Readable | hal.Unprivileged, hal.ErrMemoryCheck},
		{"unprivileged on unprivileged", 0x30001010, 16, hal.ReadWrite | hal.Unprivileged, nil},
		{"write on rom", 0x10000000, 4, hal.ReadWrite, hal.ErrMemoryCheck},
		{"read on rom", 0x10000000, 4, hal.Readable, nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := p.MemoryHasAccess(test.base, test.size, test.attr)

			if test.want == nil {
				assert.NoError(t, err)
				return
			}

			assert.True(t, errors.Is(err, test.want), "got %v, want %v", err, test.want)
		})
	}
}

func TestAllocReadWrite(t *testing.T) {
	p := testPlatform(t, 1)

	a, err := p.Alloc("ns", 5)
	require.NoError(t, err)

	b, err := p.Alloc("ns", 4)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), a%allocAlign)
	assert.GreaterOrEqual(t, b, a+5)

	require.NoError(t, p.Write(a, []byte("hello")))

	buf := make([]byte, 5)
	require.NoError(t, p.Read(a, buf))
	assert.Equal(t, "hello", string(buf))

	mem, err := p.Map(a, 5)
	require.NoError(t, err)
	mem[0] = 'j'

	require.NoError(t, p.Read(a, buf))
	assert.Equal(t, "jello", string(buf))

	_, err = p.Alloc("ns", 0x1000)
	assert.Error(t, err)

	_, err = p.Alloc("nowhere", 1)
	assert.Error(t, err)
}

func TestIRQController(t *testing.T) {
	p := testPlatform(t, 1)

	kicks := 0
	p.SetPendingHandler(func() { kicks++ })

	p.Trigger(7)
	assert.Equal(t, 0, kicks, "disabled line must not fire")
	assert.True(t, p.IRQPending(7))

	_, ok := p.NextIRQ()
	assert.False(t, ok)

	p.IRQEnable(9)
	p.Trigger(9)
	p.IRQEnable(7)
	assert.Equal(t, 2, kicks)

	line, ok := p.NextIRQ()
	require.True(t, ok)
	assert.Equal(t, uint32(7), line)

	line, ok = p.NextIRQ()
	require.True(t, ok)
	assert.Equal(t, uint32(9), line)

	_, ok = p.NextIRQ()
	assert.False(t, ok)

	p.Trigger(9)
	p.IRQClearPending(9)
	_, ok = p.NextIRQ()
	assert.False(t, ok)

	p.IRQDisable(9)
	assert.False(t, p.IRQEnabled(9))
}

func TestBindBoundary(t *testing.T) {
	ns := &load.PartitionInfo{PID: load.NonSecureID}
	psaRoT := &load.PartitionInfo{PID: 1, Model: load.PSARoT}
	appA := &load.PartitionInfo{PID: 2}
	appB := &load.PartitionInfo{PID: 3}

	for _, test := range []struct {
		level      int
		privileged []bool
		shared     bool
	}{
		{level: 1, privileged: []bool{true, true, true, true}, shared: true},
		{level: 2, privileged: []bool{false, true, false, false}, shared: true},
		{level: 3, privileged: []bool{false, true, false, false}, shared: false},
	} {
		p := testPlatform(t, test.level)

		var bs []hal.Boundary

		for i, info := range []*load.PartitionInfo{ns, psaRoT, appA, appB} {
			b, err := p.BindBoundary(info)
			require.NoError(t, err)
			assert.Equal(t, test.privileged[i], p.Privileged(b), "level %d partition %d", test.level, info.PID)
			bs = append(bs, b)
		}

		assert.Equal(t, test.shared, bs[2] == bs[3], "level %d app boundaries", test.level)

		require.NoError(t, p.ActivateBoundary(appA, bs[2]))
		assert.Equal(t, bs[2], p.ActiveBoundary())
		assert.Equal(t, 1, p.Activations())
	}

	p := testPlatform(t, 3)
	assert.Error(t, p.ActivateBoundary(appA, privileged), "unbound partition")
}

func TestSystemReset(t *testing.T) {
	p := testPlatform(t, 1)
	p.SystemReset()
	p.SystemReset()
	assert.Equal(t, 2, p.Resets())
}
