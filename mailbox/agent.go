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
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/api"
	"github.com/transparency-dev/armored-witness-spm/internal/monitoring"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

var (
	metricsOnce sync.Once

	counterRequests monitoring.Counter
	counterRejected monitoring.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		mf := monitoring.GetMetricFactory()

		counterRequests = mf.NewCounter("mailbox_requests", "Mailbox requests dispatched by call type", "type")
		counterRejected = mf.NewCounter("mailbox_rejected", "Mailbox requests rejected before reaching a RoT Service", "type")
	})
}

// Dispatcher is the RPC client interface of the SPM.
type Dispatcher interface {
	RPCFrameworkVersion() uint32
	RPCVersion(sid uint32) uint32
	RPCConnect(sid uint32, version uint32, clientID int32, owner any) error
	RPCCall(h psa.Handle, ctrl uint32, in []psa.InVec, out []psa.OutVec, clientID int32, owner any) error
	RPCClose(h psa.Handle, clientID int32, owner any) error
}

// request is the caller data of a dispatched mailbox request.
type request struct {
	slot int
	out  []psa.OutVec
}

// Agent serves mailbox requests on the secure core, it implements
// spm.RPCOps.
type Agent struct {
	q *Queue
	d Dispatcher

	// Notify, when set, is invoked after every reply to signal the
	// non-secure core.
	Notify func()
}

// NewAgent returns an agent dispatching the requests queued in q.
func NewAgent(q *Queue, d Dispatcher) *Agent {
	initMetrics()

	return &Agent{
		q: q,
		d: d,
	}
}

// HandleRequests dispatches every pending request, it never blocks.
func (a *Agent) HandleRequests() {
	mask := a.q.takePending()

	for i := 0; i < NumSlots; i++ {
		if mask&(1<<i) != 0 {
			a.dispatch(i)
		}
	}
}

func (a *Agent) dispatch(i int) {
	req := &api.Request{}

	if err := req.Parse(a.q.request(i)); err != nil {
		klog.Warningf("mailbox: slot %d: %v", i, err)
		counterRejected.Inc("invalid")
		a.reply(i, api.ErrorInvalParams, nil)
		return
	}

	klog.V(1).Infof("mailbox: slot %d: %s", i, req)

	counterRequests.Inc(req.Type.String())

	owner := &request{slot: i}

	var err error

	switch req.Type {
	case api.CallFrameworkVersion:
		a.reply(i, int32(a.d.RPCFrameworkVersion()), nil)
	case api.CallVersion:
		a.reply(i, int32(a.d.RPCVersion(req.SID)), nil)
	case api.CallConnect:
		err = a.d.RPCConnect(req.SID, req.Version, req.ClientID, owner)
	case api.CallCall:
		in, out, ok := vectors(req)

		if !ok {
			counterRejected.Inc(req.Type.String())
			a.reply(i, api.ErrorInvalParams, nil)
			return
		}

		owner.out = out
		err = a.d.RPCCall(psa.Handle(req.Handle), req.Ctrl, in, out, req.ClientID, owner)
	case api.CallClose:
		err = a.d.RPCClose(psa.Handle(req.Handle), req.ClientID, owner)
	default:
		counterRejected.Inc("invalid")
		a.reply(i, api.ErrorInvalParams, nil)
		return
	}

	if err != nil {
		klog.V(1).Infof("mailbox: slot %d: %s rejected: %v", i, req.Type, err)
		counterRejected.Inc(req.Type.String())
		a.reply(i, int32(psa.StatusOf(err)), nil)
	}
}

func vectors(req *api.Request) (in []psa.InVec, out []psa.OutVec, ok bool) {
	if len(req.In) > psa.MaxIOVec || len(req.Out) > psa.MaxIOVec {
		return nil, nil, false
	}

	for _, v := range req.In {
		in = append(in, psa.InVec{Base: v.Base, Len: v.Len})
	}

	for _, v := range req.Out {
		out = append(out, psa.OutVec{Base: v.Base, Len: v.Len})
	}

	return in, out, true
}

// Reply implements spm.RPCOps.
func (a *Agent) Reply(owner any, ret int32) {
	r, ok := owner.(*request)

	if !ok {
		klog.Errorf("mailbox: reply %d for unknown caller data %T", ret, owner)
		return
	}

	a.reply(r.slot, ret, r.out)
}

func (a *Agent) reply(i int, ret int32, out []psa.OutVec) {
	res := &api.Response{Return: ret}

	for _, v := range out {
		res.OutLens = append(res.OutLens, v.Len)
	}

	a.q.complete(i, res.Bytes())

	if a.Notify != nil {
		a.Notify()
	}
}

// Waiter is the part of the partition API used by the agent partition.
type Waiter interface {
	Wait(mask psa.Signal, timeout uint32) psa.Signal
	EOI(sig psa.Signal)
}

// Serve is the entry point of the partition owning the mailbox interrupt,
// handled as a SLIH asserting sig. It never returns.
func (a *Agent) Serve(w Waiter, sig psa.Signal) {
	for {
		if w.Wait(sig, psa.Block)&sig == 0 {
			continue
		}

		a.HandleRequests()
		w.EOI(sig)
	}
}
