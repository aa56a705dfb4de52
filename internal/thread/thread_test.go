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

package thread

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-spm/internal/arch"
)

func allDetached(s *Scheduler) func() bool {
	return func() bool {
		for _, t := range s.Threads() {
			if t.State() != Detached {
				return false
			}
		}

		return true
	}
}

func run(t *testing.T, s *Scheduler, stop func() bool) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.Run(ctx, stop)
}

func TestPriorityOrder(t *testing.T) {
	s := NewScheduler()

	var order []string

	for _, th := range []struct {
		name string
		prio int
	}{
		{"low", 1},
		{"high", 3},
		{"normal-a", 2},
		{"normal-b", 2},
	} {
		name := th.name
		s.Start(New(name, th.prio, &arch.Context{}, nil), func() {
			order = append(order, name)
		})
	}

	require.NoError(t, run(t, s, allDetached(s)))
	assert.Equal(t, []string{"high", "normal-a", "normal-b", "low"}, order)
}

func TestWaitWake(t *testing.T) {
	s := NewScheduler()

	var (
		obj   Sync
		order []string
		got   uint32
	)

	server := New("server", 2, &arch.Context{}, nil)
	client := New("client", 1, &arch.Context{}, nil)

	s.Start(server, func() {
		order = append(order, "server wait")
		got = s.WaitOn(&obj, server)
		order = append(order, "server woken")
	})

	s.Start(client, func() {
		order = append(order, "client wake")
		assert.Equal(t, server, obj.Waiter())
		s.WakeUp(&obj, 42)
		assert.Equal(t, Runnable, server.State())
		s.Yield(client)
		order = append(order, "client done")
	})

	require.NoError(t, run(t, s, allDetached(s)))

	assert.Equal(t, uint32(42), got)
	assert.Equal(t, []string{"server wait", "client wake", "server woken", "client done"}, order)
	assert.Nil(t, obj.Waiter())
}

func TestWakeUpWithoutWaiter(t *testing.T) {
	s := NewScheduler()

	var obj Sync

	s.WakeUp(&obj, 1)
	assert.Nil(t, obj.Waiter())
}

func TestSwitchHook(t *testing.T) {
	s := NewScheduler()

	type sw struct{ prev, next string }

	var switches []sw

	s.OnSwitch = func(prev *Thread, next *Thread) {
		p := ""
		if prev != nil {
			p = prev.Name
		}
		switches = append(switches, sw{p, next.Name})
	}

	a := New("a", 2, &arch.Context{}, nil)
	b := New("b", 1, &arch.Context{}, nil)

	s.Start(a, func() {
		assert.Equal(t, a, s.Current())
		assert.Equal(t, a.Ctx, s.CurrentContext())
	})
	s.Start(b, func() {})

	require.NoError(t, run(t, s, allDetached(s)))
	assert.Equal(t, []sw{{"", "a"}, {"a", "b"}}, switches)
}

func TestExternalKick(t *testing.T) {
	s := NewScheduler()

	var (
		obj     Sync
		pending atomic.Bool
		woken   bool
	)

	s.OnSchedulePoint = func() {
		if pending.CompareAndSwap(true, false) {
			s.WakeUp(&obj, 7)
		}
	}

	waiter := New("waiter", 1, &arch.Context{}, nil)

	s.Start(waiter, func() {
		woken = s.WaitOn(&obj, waiter) == 7
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		pending.Store(true)
		s.Kick()
	}()

	require.NoError(t, run(t, s, allDetached(s)))
	assert.True(t, woken)
}

func TestPanicHalts(t *testing.T) {
	s := NewScheduler()

	boom := errors.New("boom")

	var obj Sync

	blocked := New("blocked", 2, &arch.Context{}, nil)
	faulty := New("faulty", 1, &arch.Context{}, nil)

	s.Start(blocked, func() {
		s.WaitOn(&obj, blocked)
		t.Error("blocked thread resumed after halt")
	})
	s.Start(faulty, func() {
		panic(boom)
	})

	err := run(t, s, nil)
	assert.True(t, errors.Is(err, boom), "Run() = %v", err)
}

func TestContextCancel(t *testing.T) {
	s := NewScheduler()

	var obj Sync

	stuck := New("stuck", 1, &arch.Context{}, nil)
	s.Start(stuck, func() {
		s.WaitOn(&obj, stuck)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "Run() = %v", err)
}

func TestLockedBlockingPanics(t *testing.T) {
	s := NewScheduler()

	var obj Sync

	th := New("locked", 1, &arch.Context{}, nil)
	s.Start(th, func() {
		s.Lock()
		s.WaitOn(&obj, th)
	})

	err := run(t, s, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocking with scheduler locked")
}

func TestLockedYieldKeepsBaton(t *testing.T) {
	s := NewScheduler()

	var order []string

	low := New("low", 1, &arch.Context{}, nil)
	high := New("high", 2, &arch.Context{}, nil)

	s.Start(low, func() {
		order = append(order, "low")
		s.Lock()
		s.Start(high, func() { order = append(order, "high") })
		s.Yield(low)
		order = append(order, "low locked")
		s.Unlock()
		s.Yield(low)
		order = append(order, "low done")
	})

	require.NoError(t, run(t, s, allDetached(s)))
	assert.Equal(t, []string{"low", "low locked", "high", "low done"}, order)
}
