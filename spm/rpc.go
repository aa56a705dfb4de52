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
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-spm/psa"
)

// ErrRPCConflict is returned when registering RPC operations while another
// set is registered.
var ErrRPCConflict = errors.New("RPC operations already registered")

// RPCOps are the operations of a mailbox agent serving clients running on
// another core.
type RPCOps interface {
	// HandleRequests is invoked at schedule points to dispatch pending
	// requests through the RPC client functions of the SPM.
	HandleRequests()
	// Reply delivers the result of a request, owner is the caller data
	// passed with the request.
	Reply(owner any, ret int32)
}

// RegisterRPC installs the mailbox agent operations.
func (s *SPM) RegisterRPC(ops RPCOps) error {
	if s.rpc != nil {
		return ErrRPCConflict
	}

	s.rpc = ops

	return nil
}

// UnregisterRPC removes the mailbox agent operations.
func (s *SPM) UnregisterRPC() {
	s.rpc = nil
}

// rpcCaller returns the caller of a mailbox request.
func rpcCaller(clientID int32, owner any) (caller, error) {
	if !psa.ClientIDIsNS(clientID) {
		return caller{}, fmt.Errorf("mailbox client id %d is not non-secure: %w", clientID, ErrProgrammer)
	}

	if owner == nil {
		return caller{}, fmt.Errorf("mailbox request without caller data: %w", ErrProgrammer)
	}

	return caller{
		clientID: clientID,
		ns:       true,
		rpc:      owner,
	}, nil
}

// RPCFrameworkVersion serves a framework version query of a mailbox client.
func (s *SPM) RPCFrameworkVersion() uint32 {
	return psa.FrameworkVersion
}

// RPCVersion serves a service version query of a mailbox client.
func (s *SPM) RPCVersion(sid uint32) uint32 {
	return s.version(caller{ns: true}, sid)
}

// RPCConnect queues a connection request of a mailbox client. On success
// the handle or connect failure is delivered later through
// RPCOps.Reply, an error means that no request was queued.
func (s *SPM) RPCConnect(sid uint32, version uint32, clientID int32, owner any) error {
	c, err := rpcCaller(clientID, owner)

	if err != nil {
		return err
	}

	_, err = s.connect(c, sid, version)

	return err
}

// RPCCall queues a request of a mailbox client, out is updated with the
// written lengths before the reply is delivered.
func (s *SPM) RPCCall(h psa.Handle, ctrl uint32, in []psa.InVec, out []psa.OutVec, clientID int32, owner any) error {
	c, err := rpcCaller(clientID, owner)

	if err != nil {
		return err
	}

	_, err = s.call(c, h, ctrl, in, out)

	return err
}

// RPCClose queues the disconnection of a mailbox client connection.
func (s *SPM) RPCClose(h psa.Handle, clientID int32, owner any) error {
	c, err := rpcCaller(clientID, owner)

	if err != nil {
		return err
	}

	if h == psa.NullHandle {
		return fmt.Errorf("close: null handle: %w", ErrProgrammer)
	}

	return s.close(c, h)
}
