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

package mailbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-spm/hal/sim"
	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/mailbox"
	"github.com/transparency-dev/armored-witness-spm/psa"
	"github.com/transparency-dev/armored-witness-spm/spm"
)

const (
	mailboxLine   = 100
	mailboxSignal = psa.Signal(1 << 5)

	upperSID    = 0x2000
	upperSignal = psa.Signal(1 << 4)
)

// upperPartition serves a RoT Service converting in vector 0 to upper case
// in out vector 0.
func upperPartition(s **spm.SPM) *load.PartitionInfo {
	return &load.PartitionInfo{
		PID:      1,
		Name:     "upper",
		Priority: load.PriorityNormal,
		Services: []load.ServiceInfo{{
			Name:         "upper",
			SID:          upperSID,
			Signal:       upperSignal,
			Version:      1,
			NSAccessible: true,
		}},
		Entry: func() {
			for {
				(*s).Wait(upperSignal, psa.Block)

				msg, err := (*s).Get(upperSignal)

				if err != nil {
					continue
				}

				if msg.Type < psa.IPCCall {
					(*s).Reply(msg.Handle, psa.Success)
					continue
				}

				buf := make([]byte, msg.InSize[0])
				n := (*s).Read(msg.Handle, 0, buf)

				for i := range buf[:n] {
					if buf[i] >= 'a' && buf[i] <= 'z' {
						buf[i] -= 'a' - 'A'
					}
				}

				(*s).Write(msg.Handle, 0, buf[:n])
				(*s).Reply(msg.Handle, psa.Success)
			}
		},
	}
}

func TestMailboxThroughSPM(t *testing.T) {
	plat, err := sim.New(sim.Config{
		IsolationLevel: 2,
		Regions: []sim.Region{
			{Name: "ns", Base: 0x20000000, Size: 0x1000, Unprivileged: true},
		},
	})
	require.NoError(t, err)

	q := mailbox.NewQueue(plat)

	var s *spm.SPM
	var agent *mailbox.Agent

	s, err = spm.New(spm.Config{
		HAL:      plat,
		RemoteNS: true,
		Partitions: []*load.PartitionInfo{
			{PID: load.NonSecureID, Name: "ns", Priority: load.PriorityLowest},
			upperPartition(&s),
			{
				PID:      2,
				Name:     "ns_agent_mailbox",
				Model:    load.PSARoT,
				Priority: load.PriorityHigh,
				IRQs: []load.IRQInfo{{
					Name:   "mailbox",
					Source: mailboxLine,
					Signal: mailboxSignal,
					Model:  load.SLIH{},
					PID:    2,
				}},
				Entry: func() { agent.Serve(s, mailboxSignal) },
			},
		},
	})
	require.NoError(t, err)

	agent = mailbox.NewAgent(q, s)
	require.NoError(t, s.RegisterRPC(agent))

	client, err := mailbox.NewClient(q, -3, func() { plat.Trigger(mailboxLine) })
	require.NoError(t, err)

	in, err := plat.Alloc("ns", 5)
	require.NoError(t, err)
	require.NoError(t, plat.Write(in, []byte("hello")))

	out, err := plat.Alloc("ns", 16)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx)
	}()

	v, err := client.FrameworkVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(psa.FrameworkVersion), v)

	v, err = client.Version(ctx, upperSID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	_, err = client.Connect(ctx, 0x9999, 1)
	assert.True(t, errors.Is(err, psa.ErrorConnectionRefused), "got %v", err)

	h, err := client.Connect(ctx, upperSID, 1)
	require.NoError(t, err)
	assert.Greater(t, int32(h), int32(0))

	outvec := []psa.OutVec{{Base: out, Len: 16}}
	status, err := client.Call(ctx, h, psa.IPCCall, []psa.InVec{{Base: in, Len: 5}}, outvec)
	require.NoError(t, err)
	assert.Equal(t, psa.Success, status)
	assert.Equal(t, uint32(5), outvec[0].Len)

	buf := make([]byte, 5)
	require.NoError(t, plat.Read(out, buf))
	assert.Equal(t, "HELLO", string(buf))

	// out vectors in secure memory are rejected by the SPM
	status, err = client.Call(ctx, h, psa.IPCCall, nil, []psa.OutVec{{Base: 0x40000000, Len: 4}})
	require.NoError(t, err)
	assert.Equal(t, psa.ErrorProgrammerError, status)

	require.NoError(t, client.Close(ctx, h))

	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, q.InUse())
}
