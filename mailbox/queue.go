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

// Package mailbox implements the channel between PSA clients running on a
// non-secure core and the SPM running on the secure core.
//
// Both sides share a Queue of request slots. The Client, on the
// non-secure core, writes a request frame into a free slot, marks it
// pending and raises the mailbox interrupt. The Agent, on the secure core,
// dispatches pending slots to the SPM and writes the reply frame back
// once the RoT Service replies.
package mailbox

import (
	"errors"
	"math/bits"
)

// NumSlots is the number of request slots of a queue.
const NumSlots = 4

const allSlots = 1<<NumSlots - 1

// ErrQueueFull is returned when every slot of the queue is in use.
var ErrQueueFull = errors.New("mailbox queue full")

// Critical is a critical section shared by both cores.
type Critical interface {
	EnterCritical()
	ExitCritical()
}

type slot struct {
	req   []byte
	reply []byte
	done  chan struct{}
	// abandoned slots are released on reply
	abandoned bool
}

// Queue is the memory shared by the two sides of the mailbox, the slot
// status bitmasks are only accessed within the critical section.
type Queue struct {
	cs Critical

	empty   uint32
	pend    uint32
	replied uint32

	slots [NumSlots]slot
}

// NewQueue returns an empty queue guarded by cs.
func NewQueue(cs Critical) *Queue {
	q := &Queue{
		cs:    cs,
		empty: allSlots,
	}

	for i := range q.slots {
		q.slots[i].done = make(chan struct{}, 1)
	}

	return q
}

// acquire reserves a free slot.
func (q *Queue) acquire() (int, error) {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	for i := 0; i < NumSlots; i++ {
		if q.empty&(1<<i) != 0 {
			q.empty &^= 1 << i
			return i, nil
		}
	}

	return -1, ErrQueueFull
}

// submit stores a request frame in a reserved slot and marks it pending.
func (q *Queue) submit(i int, req []byte) {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	q.slots[i].req = req
	q.pend |= 1 << i
}

// takePending returns and clears the pending slot mask.
func (q *Queue) takePending() (mask uint32) {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	mask, q.pend = q.pend, 0

	return
}

// Pending reports whether any request waits to be dispatched.
func (q *Queue) Pending() bool {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	return q.pend != 0
}

func (q *Queue) request(i int) []byte {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	return q.slots[i].req
}

// complete stores the reply frame of a slot and notifies the waiting
// client, a slot abandoned by its client is released instead.
func (q *Queue) complete(i int, reply []byte) {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	s := &q.slots[i]

	if s.abandoned {
		q.release(i)
		return
	}

	s.reply = reply
	q.replied |= 1 << i

	select {
	case s.done <- struct{}{}:
	default:
	}
}

// done returns the channel notified when slot i is replied.
func (q *Queue) done(i int) <-chan struct{} {
	return q.slots[i].done
}

// result returns the reply frame of a slot and frees it.
func (q *Queue) result(i int) []byte {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	reply := q.slots[i].reply
	q.release(i)

	return reply
}

// abandon gives up waiting for slot i, the slot is freed as soon as its
// reply arrives.
func (q *Queue) abandon(i int) {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	if q.replied&(1<<i) != 0 {
		q.release(i)
		return
	}

	q.slots[i].abandoned = true
}

// release must be called within the critical section.
func (q *Queue) release(i int) {
	s := &q.slots[i]

	s.req = nil
	s.reply = nil
	s.abandoned = false

	select {
	case <-s.done:
	default:
	}

	q.replied &^= 1 << i
	q.pend &^= 1 << i
	q.empty |= 1 << i
}

// InUse returns the number of slots not free.
func (q *Queue) InUse() int {
	q.cs.EnterCritical()
	defer q.cs.ExitCritical()

	return bits.OnesCount32(^q.empty & allSlots)
}
