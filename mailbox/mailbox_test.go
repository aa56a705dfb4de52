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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-spm/api"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

type mutexCS struct {
	sync.Mutex
}

func (m *mutexCS) EnterCritical() { m.Lock() }
func (m *mutexCS) ExitCritical()  { m.Unlock() }

// fakeSPM records dispatched requests. Unless hold is set, requests are
// replied as soon as they are queued.
type fakeSPM struct {
	agent *Agent
	hold  bool
	err   error

	mu     sync.Mutex
	calls  []string
	owners []any
}

func (f *fakeSPM) queued(call string, owner any, ret int32) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)

	if f.err != nil || f.hold {
		if f.err == nil {
			f.owners = append(f.owners, owner)
		}

		f.mu.Unlock()

		return f.err
	}

	f.mu.Unlock()
	f.agent.Reply(owner, ret)

	return nil
}

func (f *fakeSPM) held() []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]any(nil), f.owners...)
}

func (f *fakeSPM) RPCFrameworkVersion() uint32 {
	return psa.FrameworkVersion
}

func (f *fakeSPM) RPCVersion(sid uint32) uint32 {
	if sid == 0x1000 {
		return 3
	}

	return psa.VersionNone
}

func (f *fakeSPM) RPCConnect(sid uint32, version uint32, clientID int32, owner any) error {
	return f.queued(fmt.Sprintf("connect %#x v%d from %d", sid, version, clientID), owner, 0x4001)
}

func (f *fakeSPM) RPCCall(h psa.Handle, ctrl uint32, in []psa.InVec, out []psa.OutVec, clientID int32, owner any) error {
	typ, inLen, outLen := psa.UnpackCtrl(ctrl)

	if len(out) > 0 {
		out[0].Len = 3
	}

	return f.queued(fmt.Sprintf("call %#x type %d in:%d out:%d from %d", h, typ, inLen, outLen, clientID), owner, 7)
}

func (f *fakeSPM) RPCClose(h psa.Handle, clientID int32, owner any) error {
	return f.queued(fmt.Sprintf("close %#x from %d", h, clientID), owner, 0)
}

func newTestClient(t *testing.T, d *fakeSPM) (*Queue, *Agent, *Client) {
	t.Helper()

	q := NewQueue(&mutexCS{})
	a := NewAgent(q, d)
	d.agent = a

	c, err := NewClient(q, -7, a.HandleRequests)
	require.NoError(t, err)

	return q, a, c
}

func TestClientRequests(t *testing.T) {
	d := &fakeSPM{}
	q, a, c := newTestClient(t, d)
	ctx := context.Background()

	notified := 0
	a.Notify = func() { notified++ }

	v, err := c.FrameworkVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(psa.FrameworkVersion), v)

	v, err = c.Version(ctx, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)

	h, err := c.Connect(ctx, 0x1000, 1)
	require.NoError(t, err)
	assert.Equal(t, psa.Handle(0x4001), h)

	out := []psa.OutVec{{Base: 0x20000100, Len: 16}}
	status, err := c.Call(ctx, h, 2, []psa.InVec{{Base: 0x20000010, Len: 4}}, out)
	require.NoError(t, err)
	assert.Equal(t, psa.Status(7), status)
	assert.Equal(t, uint32(3), out[0].Len)

	require.NoError(t, c.Close(ctx, h))

	want := []string{
		"connect 0x1000 v1 from -7",
		"call 0x4001 type 2 in:1 out:1 from -7",
		"close 0x4001 from -7",
	}

	if diff := cmp.Diff(want, d.calls); diff != "" {
		t.Errorf("dispatched requests mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 5, notified)
	assert.Equal(t, 0, q.InUse())
}

func TestRejectedRequest(t *testing.T) {
	d := &fakeSPM{err: fmt.Errorf("no such service: %w", psa.ErrorConnectionRefused)}
	q, _, c := newTestClient(t, d)

	_, err := c.Connect(context.Background(), 0x2000, 1)
	assert.True(t, errors.Is(err, psa.ErrorConnectionRefused), "got %v", err)

	d.err = fmt.Errorf("bad vectors: %w", psa.ErrorProgrammerError)

	status, err := c.Call(context.Background(), 5, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, psa.ErrorProgrammerError, status)

	assert.Equal(t, 0, q.InUse())
}

func TestQueueFull(t *testing.T) {
	d := &fakeSPM{hold: true}
	q, a, c := newTestClient(t, d)

	var wg sync.WaitGroup

	handles := make([]psa.Handle, NumSlots)

	for i := 0; i < NumSlots; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			h, err := c.Connect(context.Background(), 0x1000, 1)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}

	require.Eventually(t, func() bool { return q.InUse() == NumSlots }, 5*time.Second, time.Millisecond)

	_, err := c.FrameworkVersion(context.Background())
	assert.ErrorIs(t, err, ErrQueueFull)

	// replies are delivered from another goroutine, as RoT Services do
	require.Eventually(t, func() bool { return len(d.held()) == NumSlots }, 5*time.Second, time.Millisecond)

	for _, owner := range d.held() {
		a.Reply(owner, 0x4001)
	}

	wg.Wait()

	assert.Equal(t, []psa.Handle{0x4001, 0x4001, 0x4001, 0x4001}, handles)
	assert.Equal(t, 0, q.InUse())
}

func TestAbandonedRequest(t *testing.T) {
	d := &fakeSPM{hold: true}
	q, a, c := newTestClient(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Connect(ctx, 0x1000, 1)
	assert.ErrorIs(t, err, context.Canceled)

	// the slot stays in use until the SPM replies
	require.Len(t, d.held(), 1)
	assert.Equal(t, 1, q.InUse())

	a.Reply(d.held()[0], 0x4001)
	assert.Equal(t, 0, q.InUse())
}

func TestInvalidFrames(t *testing.T) {
	d := &fakeSPM{}
	q, a, _ := newTestClient(t, d)

	for _, test := range []struct {
		name string
		req  []byte
	}{
		{"malformed", []byte{0x80}},
		{"unknown call", (&api.Request{Type: 42, ClientID: -1}).Bytes()},
		{"too many vectors", (&api.Request{Type: api.CallCall, ClientID: -1, In: make([]api.Vec, 5)}).Bytes()},
	} {
		t.Run(test.name, func(t *testing.T) {
			i, err := q.acquire()
			require.NoError(t, err)

			q.submit(i, test.req)
			a.HandleRequests()

			<-q.done(i)

			res := &api.Response{}
			require.NoError(t, res.Parse(q.result(i)))
			assert.Equal(t, api.ErrorInvalParams, res.Return)
		})
	}

	assert.Empty(t, d.calls)
}

func TestUnknownOwnerReply(t *testing.T) {
	q, a, _ := newTestClient(t, &fakeSPM{})

	a.Reply("not a request", 0)
	assert.Equal(t, 0, q.InUse())
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(NewQueue(&mutexCS{}), 1, nil)
	assert.Error(t, err)

	c, err := NewClient(NewQueue(&mutexCS{}), -1, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), 1, 0, make([]psa.InVec, 5), nil)
	assert.ErrorIs(t, err, Error(api.ErrorInvalParams))
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, "mailbox: queue full", Error(api.ErrorQueueFull).Error())
	assert.Equal(t, "mailbox: error 0x80000008", Error(api.ErrorGeneric).Error())
}
