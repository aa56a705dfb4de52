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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/hal"
	"github.com/transparency-dev/armored-witness-spm/internal/thread"
	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// caller identifies the originator of a client request.
type caller struct {
	// client is the calling partition, nil for mailbox requests
	client     *Partition
	thread     *thread.Thread
	clientID   int32
	ns         bool
	privileged bool
	// rpc is the mailbox caller data, requests carrying it do not block
	rpc any
}

// threadCaller returns the caller of a client API function invoked by a
// partition thread.
func (s *SPM) threadCaller() caller {
	p, t := s.current()

	c := caller{
		client:     p,
		thread:     t,
		clientID:   p.Info.PID,
		privileged: p.privileged,
	}

	if p.NonSecure() {
		c.ns = true
		c.clientID = s.nsClientID
	}

	return c
}

func (c caller) memoryAccess(attr hal.Access) hal.Access {
	if !c.privileged {
		attr |= hal.Unprivileged
	}

	if c.ns {
		attr |= hal.NS
	}

	return attr
}

// authorize checks that the caller may reach svc: non-secure callers need
// an NS accessible service, secure callers a declared dependency.
func (s *SPM) authorize(c caller, svc *Service) error {
	if c.ns {
		if !svc.Info.NSAccessible {
			return fmt.Errorf("SID %#x not accessible to non-secure clients: %w", svc.Info.SID, ErrNotAuthorized)
		}

		return nil
	}

	if c.client == nil || !c.client.dependsOn(svc.Info.SID) {
		return fmt.Errorf("SID %#x not a dependency of client %d: %w", svc.Info.SID, c.clientID, ErrNotAuthorized)
	}

	return nil
}

// checkVersion matches a requested version against the service version
// policy.
func checkVersion(svc *Service, version uint32) error {
	switch svc.Info.Policy {
	case load.Relaxed:
		if version > svc.Info.Version {
			return fmt.Errorf("SID %#x version %d requested, %d available: %w", svc.Info.SID, version, svc.Info.Version, ErrVersion)
		}
	default:
		if version != svc.Info.Version {
			return fmt.Errorf("SID %#x version %d requested, %d required: %w", svc.Info.SID, version, svc.Info.Version, ErrVersion)
		}
	}

	return nil
}

// FrameworkVersion returns the PSA Firmware Framework version implemented by
// the SPM.
func (s *SPM) FrameworkVersion() uint32 {
	return psa.FrameworkVersion
}

// Version returns the version of a RoT Service, or psa.VersionNone if the
// service does not exist or the non-secure caller is not allowed to reach
// it.
func (s *SPM) Version(sid uint32) uint32 {
	return s.version(s.threadCaller(), sid)
}

func (s *SPM) version(c caller, sid uint32) uint32 {
	svc, ok := s.services[sid]

	if !ok || (c.ns && !svc.Info.NSAccessible) {
		return psa.VersionNone
	}

	return svc.Info.Version
}

// Connect establishes a connection to a connection based RoT Service and
// returns its handle, the calling thread blocks until the service replies.
func (s *SPM) Connect(sid uint32, version uint32) (psa.Handle, error) {
	c := s.threadCaller()

	ret, err := s.connect(c, sid, version)

	if err != nil {
		return psa.NullHandle, err
	}

	return connectResult(sid, ret)
}

func (s *SPM) connect(c caller, sid uint32, version uint32) (ret int32, err error) {
	svc, ok := s.services[sid]

	if !ok {
		return 0, fmt.Errorf("connect %#x: %w", sid, ErrServiceNotFound)
	}

	if svc.Info.Stateless {
		return 0, fmt.Errorf("connect %#x: stateless service: %w", sid, ErrProgrammer)
	}

	if err = s.authorize(c, svc); err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}

	if err = checkVersion(svc, version); err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}

	conn, err := s.newConn(svc, c.clientID)

	if err != nil {
		return 0, fmt.Errorf("connect %#x: %v: %w", sid, err, ErrConnectionBusy)
	}

	m := &conn.msg
	s.fillMsg(m, svc, conn.user, psa.IPCConnect, c, nil, nil)
	conn.status = statusActive

	klog.V(1).Infof("SPM connect %#x from client %d handle %#x", sid, c.clientID, conn.user)

	return s.messaging(svc, m, c.thread), nil
}

// connectResult maps a connect reply to the handle or error returned to
// the client.
func connectResult(sid uint32, ret int32) (psa.Handle, error) {
	switch psa.Status(ret) {
	case psa.ErrorConnectionRefused:
		return psa.NullHandle, fmt.Errorf("connect %#x: %w", sid, ErrRefused)
	case psa.ErrorConnectionBusy:
		return psa.NullHandle, fmt.Errorf("connect %#x: %w", sid, ErrConnectionBusy)
	}

	if ret < 0 {
		return psa.NullHandle, fmt.Errorf("connect %#x: %w", sid, psa.Status(ret))
	}

	return psa.Handle(ret), nil
}

// Call issues a request on a connection or static handle. ctrl packs the
// request type and the number of in and out vectors taken from in and out,
// on return the out vector lengths hold the number of bytes written by the
// service. The returned status is the one replied by the service, SPM
// level failures are returned as error.
func (s *SPM) Call(h psa.Handle, ctrl uint32, in []psa.InVec, out []psa.OutVec) (psa.Status, error) {
	ret, err := s.call(s.threadCaller(), h, ctrl, in, out)

	switch {
	case err != nil:
		return psa.StatusOf(err), err
	case psa.Status(ret) == psa.ErrorProgrammerError:
		return psa.ErrorProgrammerError, fmt.Errorf("call %#x: connection terminated by the service: %w", h, ErrProgrammer)
	}

	return psa.Status(ret), nil
}

func (s *SPM) call(c caller, h psa.Handle, ctrl uint32, in []psa.InVec, out []psa.OutVec) (int32, error) {
	typ, inLen, outLen := psa.UnpackCtrl(ctrl)

	switch {
	case typ < psa.IPCCall:
		return 0, fmt.Errorf("call: invalid type %d: %w", typ, ErrProgrammer)
	case inLen > psa.MaxIOVec || outLen > psa.MaxIOVec || inLen+outLen > psa.MaxIOVec:
		return 0, fmt.Errorf("call: too many vectors (%d in, %d out): %w", inLen, outLen, ErrProgrammer)
	case len(in) < inLen || len(out) < outLen:
		return 0, fmt.Errorf("call: vector count exceeds arguments: %w", ErrProgrammer)
	case h == psa.NullHandle:
		return 0, fmt.Errorf("call: null handle: %w", ErrProgrammer)
	}

	var conn *connHandle
	var svc *Service
	var err error

	if h.IsStatic() {
		if svc = s.statelessService(h.StaticIndex()); svc == nil {
			return 0, fmt.Errorf("call: no stateless service at index %d: %w", h.StaticIndex(), ErrProgrammer)
		}

		if err = s.authorize(c, svc); err != nil {
			return 0, fmt.Errorf("call: %w", err)
		}

		if err = checkVersion(svc, h.StaticVersion()); err != nil {
			return 0, fmt.Errorf("call: %v: %w", err, ErrProgrammer)
		}

		if conn, err = s.newConn(svc, c.clientID); err != nil {
			return 0, fmt.Errorf("call %#x: %v: %w", svc.Info.SID, err, ErrConnectionBusy)
		}

		h = conn.user
	} else {
		var ok bool

		if conn, ok = s.conn(h); !ok || conn.clientID != c.clientID {
			if !c.ns {
				s.panic(c.client, "call with invalid handle %#x", h)
			}

			return 0, fmt.Errorf("call: invalid handle %#x: %w", h, ErrProgrammer)
		}

		switch conn.status {
		case statusActive:
			return 0, fmt.Errorf("call: handle %#x busy with a request: %w", h, ErrProgrammer)
		case statusConnectError:
			return 0, fmt.Errorf("call: handle %#x terminated by the service: %w", h, ErrProgrammer)
		}

		if svc = conn.msg.service; svc == nil {
			s.panic(nil, "connection %#x without service", h)
		}
	}

	// descriptors are copied before use
	var invecs [psa.MaxIOVec]psa.InVec
	var outvecs [psa.MaxIOVec]psa.OutVec

	copy(invecs[:], in[:inLen])
	copy(outvecs[:], out[:outLen])

	if err = s.checkVectors(c, invecs[:inLen], outvecs[:outLen]); err != nil {
		if svc.Info.Stateless {
			s.freeConn(conn)
		}

		return 0, fmt.Errorf("call %#x: %w", svc.Info.SID, err)
	}

	m := &conn.msg
	s.fillMsg(m, svc, h, typ, c, invecs[:inLen], outvecs[:outLen])
	m.callerOut = out[:outLen]
	conn.status = statusActive

	if !svc.Info.Stateless {
		m.msg.RHandle = conn.rhandle
	}

	klog.V(1).Infof("SPM call %#x type %d from client %d handle %#x", svc.Info.SID, typ, c.clientID, h)

	return s.messaging(svc, m, c.thread), nil
}

// checkVectors validates the client buffers: input vectors must be readable
// and must not overlap each other, output vectors must be writable.
func (s *SPM) checkVectors(c caller, in []psa.InVec, out []psa.OutVec) error {
	for i, v := range in {
		if err := s.hal.MemoryHasAccess(v.Base, v.Len, c.memoryAccess(hal.Readable)); err != nil {
			return fmt.Errorf("in vector %d: %v: %w", i, err, ErrProgrammer)
		}
	}

	for i := 0; i+1 < len(in); i++ {
		for j := i + 1; j < len(in); j++ {
			if overlap(in[i], in[j]) {
				return fmt.Errorf("in vectors %d and %d overlap: %w", i, j, ErrProgrammer)
			}
		}
	}

	for i, v := range out {
		if err := s.hal.MemoryHasAccess(v.Base, v.Len, c.memoryAccess(hal.ReadWrite)); err != nil {
			return fmt.Errorf("out vector %d: %v: %w", i, err, ErrProgrammer)
		}
	}

	return nil
}

func overlap(a psa.InVec, b psa.InVec) bool {
	if a.Len == 0 || b.Len == 0 {
		return false
	}

	return uint64(b.Base)+uint64(b.Len) > uint64(a.Base) &&
		uint64(b.Base) < uint64(a.Base)+uint64(a.Len)
}

// Close terminates a connection, the calling thread blocks until the
// service handles the disconnection. Closing the null handle is a no-op.
func (s *SPM) Close(h psa.Handle) error {
	return s.close(s.threadCaller(), h)
}

func (s *SPM) close(c caller, h psa.Handle) error {
	if h == psa.NullHandle {
		return nil
	}

	if h.IsStatic() {
		return fmt.Errorf("close: static handle %#x: %w", h, ErrProgrammer)
	}

	conn, ok := s.conn(h)

	if !ok || conn.clientID != c.clientID {
		if !c.ns {
			s.panic(c.client, "close of invalid handle %#x", h)
		}

		return fmt.Errorf("close: invalid handle %#x: %w", h, ErrProgrammer)
	}

	if conn.status == statusActive {
		return fmt.Errorf("close: handle %#x busy with a request: %w", h, ErrProgrammer)
	}

	svc := conn.msg.service

	if svc == nil {
		s.panic(nil, "connection %#x without service", h)
	}

	m := &conn.msg
	s.fillMsg(m, svc, h, psa.IPCDisconnect, c, nil, nil)
	m.msg.RHandle = conn.rhandle
	conn.status = statusActive

	klog.V(1).Infof("SPM close %#x from client %d handle %#x", svc.Info.SID, c.clientID, h)

	s.messaging(svc, m, c.thread)

	return nil
}

// fillMsg prepares the message body of a request.
func (s *SPM) fillMsg(m *message, svc *Service, h psa.Handle, typ int32, c caller, in []psa.InVec, out []psa.OutVec) {
	*m = message{
		magic:   msgMagic,
		service: svc,
		client:  c.client,
		rpc:     c.rpc,
		msg: psa.Msg{
			Type:     typ,
			Handle:   h,
			ClientID: c.clientID,
		},
	}

	for i, v := range in {
		m.invec[i] = v
		m.msg.InSize[i] = v.Len
	}

	for i, v := range out {
		m.outvec[i] = psa.OutVec{Base: v.Base}
		m.msg.OutSize[i] = v.Len
	}
}
