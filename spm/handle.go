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
	"math/bits"

	"github.com/transparency-dev/armored-witness-spm/internal/thread"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// DefaultMaxConnections is the default connection handle pool capacity.
const DefaultMaxConnections = 16

// msgMagic marks a live message body.
const msgMagic = 0x15154343

// user handle encoding
const (
	handleMin     = 1
	handleRolling = 8
	rollingBits   = 3
	// the encoded value stays below the static handle indicator
	handleBits = 29
)

type handleStatus int

const (
	statusIdle handleStatus = iota
	statusActive
	statusConnectError
)

func (h handleStatus) String() string {
	switch h {
	case statusActive:
		return "ACTIVE"
	case statusConnectError:
		return "CONNECT_ERROR"
	}

	return "IDLE"
}

// message is the body of a request delivered to a RoT Service.
type message struct {
	magic   uint32
	service *Service
	// client is the calling partition, nil for mailbox requests
	client *Partition
	ack    thread.Sync

	msg    psa.Msg
	invec  [psa.MaxIOVec]psa.InVec
	outvec [psa.MaxIOVec]psa.OutVec
	// callerOut receives the written lengths on completion
	callerOut []psa.OutVec

	iovecStatus uint32

	// rpc is the mailbox caller data, nil for thread clients
	rpc any
}

// connHandle is the connection state kept in the handle pool.
type connHandle struct {
	status   handleStatus
	clientID int32
	rhandle  any
	// user is the handle value issued for this slot
	user psa.Handle
	msg  message
}

// handleCodec converts pool slots to user handles and back. The user handle
// carries the slot index, the slot generation and a rolling counter so that
// stale and forged handles are rejected.
type handleCodec struct {
	slotBits uint
	genMask  uint32
	rolling  uint32
}

func newHandleCodec(capacity int) handleCodec {
	slotBits := uint(bits.Len(uint(capacity - 1)))

	if slotBits == 0 {
		slotBits = 1
	}

	return handleCodec{
		slotBits: slotBits,
		genMask:  1<<(handleBits-rollingBits-slotBits) - 1,
	}
}

func (c *handleCodec) encode(slot int, gen uint32) psa.Handle {
	v := (gen&c.genMask)<<c.slotBits | uint32(slot)
	h := psa.Handle(handleMin + v<<rollingBits + c.rolling)

	c.rolling = (c.rolling + 1) % handleRolling

	return h
}

// decode returns the slot index and generation a handle refers to, the
// caller still has to compare the handle with the one issued for the slot.
func (c *handleCodec) decode(h psa.Handle) (slot int, gen uint32, ok bool) {
	if h < handleMin || h.IsStatic() {
		return -1, 0, false
	}

	v := uint32(h-handleMin) >> rollingBits

	return int(v & (1<<c.slotBits - 1)), v >> c.slotBits, true
}

// newConn allocates a connection handle for a client of svc.
func (s *SPM) newConn(svc *Service, clientID int32) (*connHandle, error) {
	slot, conn, err := s.conns.Alloc()

	if err != nil {
		return nil, err
	}

	conn.status = statusIdle
	conn.clientID = clientID
	conn.user = s.codec.encode(slot, s.conns.Generation(slot))
	conn.msg.service = svc

	gaugeConnections.Set(float64(s.conns.InUse()))

	return conn, nil
}

// conn returns the live connection issued as h.
func (s *SPM) conn(h psa.Handle) (*connHandle, bool) {
	slot, gen, ok := s.codec.decode(h)

	if !ok || gen != s.conns.Generation(slot)&s.codec.genMask {
		return nil, false
	}

	conn := s.conns.At(slot)

	if conn == nil || conn.user != h {
		return nil, false
	}

	return conn, true
}

func (s *SPM) freeConn(conn *connHandle) {
	if slot, _, ok := s.codec.decode(conn.user); ok && s.conns.At(slot) == conn {
		s.conns.Free(slot)
	}

	gaugeConnections.Set(float64(s.conns.InUse()))
}
