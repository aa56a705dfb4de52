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

package main

import (
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

// RoT Services and interrupts of the built-in manifest list.
const (
	itsSID    = 0x70
	itsSignal = psa.Signal(0x10)

	// ITS request types
	itsSet int32 = 1
	itsGet int32 = 2

	hashSignal = psa.Signal(0x10)
	hashIndex  = 1

	timerSignal  = psa.Signal(0x100)
	timerLine    = 3
	timerDivider = 4

	mailboxSignal = psa.Signal(0x20)
	mailboxLine   = 100
)

// symbols binds the manifest entry points and FLIH handlers.
func (fw *firmware) symbols() load.Symbols {
	return load.Symbols{
		Entries: map[string]load.Entry{
			"its_main":     fw.itsMain,
			"hash_main":    fw.hashMain,
			"timer_main":   fw.timerMain,
			"mailbox_main": fw.mailboxMain,
		},
		FLIH: map[string]func() psa.FLIHResult{
			"timer_flih": fw.timerFLIH,
		},
	}
}

// session is the reverse handle of an ITS connection.
type session struct {
	requests int
}

// itsMain serves a connection based key/value store: SET stores in vector
// 1 under the key in vector 0, GET returns it in out vector 0.
func (fw *firmware) itsMain() {
	s := fw.spm
	out := &console{name: "its"}

	for {
		s.Wait(itsSignal, psa.Block)

		msg, err := s.Get(itsSignal)

		if err != nil {
			continue
		}

		switch msg.Type {
		case psa.IPCConnect:
			s.SetRHandle(msg.Handle, &session{})
			s.Reply(msg.Handle, psa.Success)
		case psa.IPCDisconnect:
			if sess, ok := msg.RHandle.(*session); ok {
				fmt.Fprintf(out, "client %d disconnected after %d requests\n", msg.ClientID, sess.requests)
			}

			s.Reply(msg.Handle, psa.Success)
		default:
			s.Reply(msg.Handle, fw.itsRequest(msg))
		}
	}
}

func (fw *firmware) itsRequest(msg psa.Msg) psa.Status {
	s := fw.spm

	if sess, ok := msg.RHandle.(*session); ok {
		sess.requests++
	}

	key := make([]byte, msg.InSize[0])
	key = key[:s.Read(msg.Handle, 0, key)]

	switch msg.Type {
	case itsSet:
		val := make([]byte, msg.InSize[1])
		fw.store[string(key)] = val[:s.Read(msg.Handle, 1, val)]

		return psa.Success
	case itsGet:
		val, ok := fw.store[string(key)]

		switch {
		case !ok:
			return psa.ErrorDoesNotExist
		case uint32(len(val)) > msg.OutSize[0]:
			return psa.ErrorBufferTooSmall
		}

		s.Write(msg.Handle, 0, val)

		return psa.Success
	}

	return psa.ErrorNotSupported
}

// hashMain serves a stateless SHA-256 service, vectors are accessed in
// place.
func (fw *firmware) hashMain() {
	s := fw.spm

	for {
		s.Wait(hashSignal, psa.Block)

		msg, err := s.Get(hashSignal)

		if err != nil {
			continue
		}

		if msg.OutSize[0] < sha256.Size {
			s.Reply(msg.Handle, psa.ErrorBufferTooSmall)
			continue
		}

		h := sha256.New()

		if msg.InSize[0] > 0 {
			h.Write(s.MapInvec(msg.Handle, 0))
			s.UnmapInvec(msg.Handle, 0)
		}

		copy(s.MapOutvec(msg.Handle, 0), h.Sum(nil))
		s.UnmapOutvec(msg.Handle, 0, sha256.Size)

		s.Reply(msg.Handle, psa.Success)
	}
}

// timerFLIH counts timer ticks and signals the timer partition every
// timerDivider ticks.
func (fw *firmware) timerFLIH() psa.FLIHResult {
	fw.ticks++

	if fw.ticks%timerDivider != 0 {
		return psa.FLIHNoSignal
	}

	return psa.FLIHSignal
}

// timerMain records the tick count in the ITS as a secure client.
func (fw *firmware) timerMain() {
	s := fw.spm
	out := &console{name: "timer"}

	h, err := s.Connect(itsSID, 1)

	if err != nil {
		fmt.Fprintf(out, "ITS unavailable, %v\n", err)
	}

	for {
		s.Wait(timerSignal, psa.Block)
		s.ResetSignal(timerSignal)

		if h == psa.NullHandle {
			continue
		}

		val := []byte(strconv.FormatUint(uint64(fw.ticks), 10))

		if err = fw.plat.Write(fw.timerValue, val); err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}

		in := []psa.InVec{
			{Base: fw.timerKey, Len: uint32(len(timerKey))},
			{Base: fw.timerValue, Len: uint32(len(val))},
		}

		if status, err := s.Call(h, psa.PackCtrl(itsSet, len(in), 0), in, nil); err != nil || status != psa.Success {
			fmt.Fprintf(out, "could not record ticks, %v %v\n", status, err)
		}
	}
}

// mailboxMain serves requests of the non-secure core.
func (fw *firmware) mailboxMain() {
	fw.agent.Serve(fw.spm, mailboxSignal)
}
