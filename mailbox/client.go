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

package mailbox

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/api"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// Error is a mailbox error code returned by the agent.
type Error int32

func (e Error) Error() string {
	switch int32(e) {
	case api.ErrorQueueFull:
		return "mailbox: queue full"
	case api.ErrorInvalParams:
		return "mailbox: invalid parameters"
	case api.ErrorNoPerms:
		return "mailbox: no permission"
	case api.ErrorChanBusy:
		return "mailbox: channel busy"
	}

	return fmt.Sprintf("mailbox: error %#x", uint32(e))
}

// Client issues PSA client calls from the non-secure core.
type Client struct {
	q        *Queue
	clientID int32
	raise    func()
}

// NewClient returns a client issuing requests as clientID, raise is
// invoked after each request to interrupt the secure core.
func NewClient(q *Queue, clientID int32, raise func()) (*Client, error) {
	if !psa.ClientIDIsNS(clientID) {
		return nil, fmt.Errorf("client id %d is not non-secure", clientID)
	}

	return &Client{
		q:        q,
		clientID: clientID,
		raise:    raise,
	}, nil
}

// request submits a request and waits for its reply, cancellation of ctx
// abandons the wait but not the request.
func (c *Client) request(ctx context.Context, req *api.Request) (*api.Response, error) {
	req.ClientID = c.clientID

	i, err := c.q.acquire()

	if err != nil {
		return nil, err
	}

	klog.V(2).Infof("mailbox client: slot %d: %s", i, req)

	c.q.submit(i, req.Bytes())

	if c.raise != nil {
		c.raise()
	}

	select {
	case <-c.q.done(i):
	case <-ctx.Done():
		c.q.abandon(i)
		return nil, ctx.Err()
	}

	res := &api.Response{}

	if err = res.Parse(c.q.result(i)); err != nil {
		return nil, err
	}

	if api.IsMailboxError(res.Return) {
		return nil, Error(res.Return)
	}

	return res, nil
}

// FrameworkVersion returns the PSA framework version of the SPM.
func (c *Client) FrameworkVersion(ctx context.Context) (uint32, error) {
	res, err := c.request(ctx, &api.Request{Type: api.CallFrameworkVersion})

	if err != nil {
		return 0, err
	}

	return uint32(res.Return), nil
}

// Version returns the version of a RoT Service, psa.VersionNone if it
// does not exist or is not accessible.
func (c *Client) Version(ctx context.Context, sid uint32) (uint32, error) {
	res, err := c.request(ctx, &api.Request{Type: api.CallVersion, SID: sid})

	if err != nil {
		return 0, err
	}

	return uint32(res.Return), nil
}

// Connect opens a connection to a RoT Service, refused connections return
// the PSA status as error.
func (c *Client) Connect(ctx context.Context, sid uint32, version uint32) (psa.Handle, error) {
	res, err := c.request(ctx, &api.Request{Type: api.CallConnect, SID: sid, Version: version})

	if err != nil {
		return psa.NullHandle, err
	}

	if res.Return < 0 {
		return psa.NullHandle, psa.Status(res.Return)
	}

	return psa.Handle(res.Return), nil
}

// Call issues a request on a connection or stateless handle. The returned
// status is the one replied by the RoT Service or the SPM, out is updated
// with the written lengths. Errors are only returned for requests that
// did not complete.
func (c *Client) Call(ctx context.Context, h psa.Handle, typ int32, in []psa.InVec, out []psa.OutVec) (psa.Status, error) {
	if len(in) > psa.MaxIOVec || len(out) > psa.MaxIOVec {
		return psa.ErrorProgrammerError, Error(api.ErrorInvalParams)
	}

	req := &api.Request{
		Type:   api.CallCall,
		Handle: int32(h),
		Ctrl:   psa.PackCtrl(typ, len(in), len(out)),
	}

	for _, v := range in {
		req.In = append(req.In, api.Vec{Base: v.Base, Len: v.Len})
	}

	for _, v := range out {
		req.Out = append(req.Out, api.Vec{Base: v.Base, Len: v.Len})
	}

	res, err := c.request(ctx, req)

	if err != nil {
		return psa.ErrorCommunicationFailure, err
	}

	for i := range out {
		if i < len(res.OutLens) {
			out[i].Len = res.OutLens[i]
		}
	}

	return psa.Status(res.Return), nil
}

// Close closes a connection.
func (c *Client) Close(ctx context.Context, h psa.Handle) error {
	res, err := c.request(ctx, &api.Request{Type: api.CallClose, Handle: int32(h)})

	if err != nil {
		return err
	}

	if res.Return < 0 {
		return psa.Status(res.Return)
	}

	return nil
}
