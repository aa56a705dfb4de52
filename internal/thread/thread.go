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

// Package thread implements the cooperative, strict priority scheduler of
// the Secure Partition Manager.
//
// Each thread runs in its own goroutine but only the holder of a single
// baton executes: the baton is handed over at schedule points (blocking
// waits, yields and thread exit) and returns to the idle loop in Run when
// no thread is runnable.
package thread

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/internal/arch"
)

// ErrHalted is the halt reason of a scheduler stopped without an error.
var ErrHalted = errors.New("scheduler halted")

// State is the execution state of a thread.
type State int

const (
	Creating State = iota
	Runnable
	Blocked
	Detached
)

func (s State) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Runnable:
		return "RUNNABLE"
	case Blocked:
		return "BLOCKED"
	case Detached:
		return "DETACHED"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Thread is a schedulable context.
type Thread struct {
	Name string
	// Priority is static, higher values are scheduled first.
	Priority int
	Ctx      *arch.Context
	// Owner is the scheduling entity owning the thread.
	Owner any

	state State
	seq   int
	wake  chan struct{}
}

// New returns a thread in Creating state.
func New(name string, priority int, ctx *arch.Context, owner any) *Thread {
	return &Thread{
		Name:     name,
		Priority: priority,
		Ctx:      ctx,
		Owner:    owner,
		wake:     make(chan struct{}, 1),
	}
}

// State returns the thread state.
func (t *Thread) State() State {
	return t.state
}

// Sync is a synchronization object a single thread can block on.
type Sync struct {
	owner *Thread
}

// Waiter returns the thread blocked on the object, if any.
func (s *Sync) Waiter() *Thread {
	return s.owner
}

// Scheduler schedules threads over a single simulated core.
type Scheduler struct {
	// OnSwitch is invoked by the baton holder before control moves from
	// prev, the last thread to run, to next. prev is nil before the first
	// switch.
	OnSwitch func(prev *Thread, next *Thread)
	// OnSchedulePoint is invoked at every unlocked schedule point, before
	// the next thread is selected.
	OnSchedulePoint func()

	threads []*Thread
	seq     int
	current *Thread
	last    *Thread
	ctx     *arch.Context
	locked  int

	idle chan struct{}
	kick chan struct{}

	halted   chan struct{}
	haltOnce sync.Once
	err      error
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		idle:   make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
		halted: make(chan struct{}),
	}
}

// Threads returns the scheduled threads in priority order.
func (s *Scheduler) Threads() []*Thread {
	return s.threads
}

// Current returns the thread holding the baton, nil in the idle loop.
func (s *Scheduler) Current() *Thread {
	return s.current
}

// CurrentContext returns the context marked as current.
func (s *Scheduler) CurrentContext() *arch.Context {
	return s.ctx
}

// SetCurrentContext marks a context as current without scheduling, it is
// used when a handler borrows the context of another thread.
func (s *Scheduler) SetCurrentContext(ctx *arch.Context) {
	s.ctx = ctx
}

// Lock prevents switches at schedule points until Unlock.
func (s *Scheduler) Lock() {
	s.locked++
}

// Unlock reverts Lock.
func (s *Scheduler) Unlock() {
	if s.locked == 0 {
		panic("thread: unlock of unlocked scheduler")
	}

	s.locked--
}

// Locked reports whether the scheduler is locked.
func (s *Scheduler) Locked() bool {
	return s.locked > 0
}

// Kick wakes the idle loop, it can be invoked from any goroutine.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Halt stops the scheduler, threads parked at schedule points unwind. Only
// the first halt reason is retained.
func (s *Scheduler) Halt(err error) {
	s.haltOnce.Do(func() {
		s.err = err
		close(s.halted)
	})
}

// Halted returns a channel closed when the scheduler halts.
func (s *Scheduler) Halted() <-chan struct{} {
	return s.halted
}

func (s *Scheduler) isHalted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// Start makes a thread runnable, entry runs in the thread goroutine once it
// is first scheduled.
func (s *Scheduler) Start(t *Thread, entry func()) {
	t.state = Runnable
	t.seq = s.seq
	s.seq++

	i := 0

	for i < len(s.threads) && s.threads[i].Priority >= t.Priority {
		i++
	}

	s.threads = append(s.threads, nil)
	copy(s.threads[i+1:], s.threads[i:])
	s.threads[i] = t

	go s.run(t, entry)
}

func (s *Scheduler) run(t *Thread, entry func()) {
	select {
	case <-t.wake:
	case <-s.halted:
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)

			if !ok {
				err = fmt.Errorf("thread %s: %v", t.Name, r)
			}

			s.Halt(err)
		}
	}()

	klog.V(2).Infof("thread %s started", t.Name)

	entry()
	s.exit(t)
}

func (s *Scheduler) exit(t *Thread) {
	if s.isHalted() {
		return
	}

	klog.V(2).Infof("thread %s exited", t.Name)

	t.state = Detached
	s.handoff(s.next())
}

// next returns the highest priority runnable thread, earlier started
// threads win among equal priority.
func (s *Scheduler) next() *Thread {
	for _, t := range s.threads {
		if t.state == Runnable {
			return t
		}
	}

	return nil
}

// handoff gives the baton to next, or to the idle loop when next is nil.
func (s *Scheduler) handoff(next *Thread) {
	if next == nil {
		s.current = nil
		s.idle <- struct{}{}
		return
	}

	if s.OnSwitch != nil {
		s.OnSwitch(s.last, next)
	}

	klog.V(2).Infof("thread switch %s", next.Name)

	s.current = next
	s.last = next
	s.ctx = next.Ctx
	next.wake <- struct{}{}
}

func (s *Scheduler) park(t *Thread) {
	select {
	case <-t.wake:
	case <-s.halted:
		runtime.Goexit()
	}
}

// Schedule is a schedule point for the calling thread t, which must hold
// the baton. It returns once t is selected to run again.
func (s *Scheduler) Schedule(t *Thread) {
	if s.isHalted() {
		runtime.Goexit()
	}

	if s.locked > 0 {
		if t.state != Runnable {
			panic(fmt.Sprintf("thread: %s blocking with scheduler locked", t.Name))
		}

		return
	}

	if s.OnSchedulePoint != nil {
		s.OnSchedulePoint()
	}

	next := s.next()

	if next == t {
		return
	}

	s.handoff(next)
	s.park(t)
}

// Yield is a schedule point for a runnable thread.
func (s *Scheduler) Yield(t *Thread) {
	s.Schedule(t)
}

// WaitOn blocks t on the synchronization object until WakeUp and returns
// the wake up value.
func (s *Scheduler) WaitOn(obj *Sync, t *Thread) uint32 {
	if obj.owner != nil {
		panic(fmt.Sprintf("thread: %s waiting on sync object owned by %s", t.Name, obj.owner.Name))
	}

	obj.owner = t
	t.state = Blocked

	s.Schedule(t)

	return t.Ctx.R0
}

// WakeUp makes the thread blocked on the synchronization object runnable
// and sets its wake up value. The caller keeps the baton until its next
// schedule point.
func (s *Scheduler) WakeUp(obj *Sync, ret uint32) {
	t := obj.owner

	if t == nil || t.state != Blocked {
		return
	}

	t.Ctx.R0 = ret
	t.state = Runnable
	obj.owner = nil
}

// Run executes the idle loop: it drains schedule point work, dispatches
// runnable threads and waits for the baton to return. It returns nil once
// stop reports true with no runnable threads, the halt reason if a thread
// halted the scheduler, or the context error.
func (s *Scheduler) Run(ctx context.Context, stop func() bool) error {
	for {
		var next *Thread

		if err := s.protect(func() {
			if s.OnSchedulePoint != nil {
				s.OnSchedulePoint()
			}

			if next = s.next(); next != nil {
				s.handoff(next)
			}
		}); err != nil {
			return err
		}

		var wait <-chan struct{}

		switch {
		case next != nil:
			wait = s.idle
		case stop != nil && stop():
			s.Halt(nil)
			return nil
		default:
			wait = s.kick
		}

		select {
		case <-wait:
		case <-s.halted:
			return s.err
		case <-ctx.Done():
			s.Halt(ctx.Err())
			return ctx.Err()
		}
	}
}

// protect runs fn in the idle loop, a panic halts the scheduler.
func (s *Scheduler) protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool

			if err, ok = r.(error); !ok {
				err = fmt.Errorf("idle: %v", r)
			}

			s.Halt(err)
		}
	}()

	if s.isHalted() {
		if s.err != nil {
			return s.err
		}

		return ErrHalted
	}

	fn()

	return
}
