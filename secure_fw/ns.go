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
	"context"
	"encoding/hex"
	"fmt"

	"github.com/transparency-dev/armored-witness-spm/hal/sim"
	"github.com/transparency-dev/armored-witness-spm/mailbox"
	"github.com/transparency-dev/armored-witness-spm/psa"
	"github.com/transparency-dev/armored-witness-spm/spm"
)

// client is the PSA client API of the non-secure application, served by
// the SPM directly or through the mailbox.
type client interface {
	Connect(sid uint32, version uint32) (psa.Handle, error)
	Call(h psa.Handle, typ int32, in []psa.InVec, out []psa.OutVec) (psa.Status, error)
	Close(h psa.Handle) error
}

type localClient struct {
	s *spm.SPM
}

func (c localClient) Connect(sid uint32, version uint32) (psa.Handle, error) {
	return c.s.Connect(sid, version)
}

func (c localClient) Call(h psa.Handle, typ int32, in []psa.InVec, out []psa.OutVec) (psa.Status, error) {
	return c.s.Call(h, psa.PackCtrl(typ, len(in), len(out)), in, out)
}

func (c localClient) Close(h psa.Handle) error {
	return c.s.Close(h)
}

type remoteClient struct {
	ctx context.Context
	c   *mailbox.Client
}

func (c remoteClient) Connect(sid uint32, version uint32) (psa.Handle, error) {
	return c.c.Connect(c.ctx, sid, version)
}

func (c remoteClient) Call(h psa.Handle, typ int32, in []psa.InVec, out []psa.OutVec) (psa.Status, error) {
	return c.c.Call(c.ctx, h, typ, in, out)
}

func (c remoteClient) Close(h psa.Handle) error {
	return c.c.Close(c.ctx, h)
}

const (
	nsKey     = "greeting"
	nsValue   = "hello from the non-secure world"
	nsOutSize = 64
)

// nsApp is the non-secure application, its buffers live in non-secure
// memory.
type nsApp struct {
	plat *sim.Platform
	out  *console

	key    uint32
	value  uint32
	buf    uint32
	digest uint32

	// results
	readBack string
	sum      string
}

func newNSApp(plat *sim.Platform) (app *nsApp, err error) {
	app = &nsApp{
		plat: plat,
		out:  &console{name: "ns"},
	}

	for _, b := range []struct {
		addr *uint32
		data []byte
		size uint32
	}{
		{&app.key, []byte(nsKey), uint32(len(nsKey))},
		{&app.value, []byte(nsValue), uint32(len(nsValue))},
		{&app.buf, nil, nsOutSize},
		{&app.digest, nil, nsOutSize},
	} {
		if *b.addr, err = plat.Alloc("ns", b.size); err != nil {
			return nil, err
		}

		if err = plat.Write(*b.addr, b.data); err != nil {
			return nil, err
		}
	}

	return
}

func check(what string, status psa.Status, err error) error {
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", what, err)
	case status != psa.Success:
		return fmt.Errorf("%s: %w", what, status)
	}

	return nil
}

// run stores a record in the ITS, reads it back and hashes it with the
// stateless hash service.
func (app *nsApp) run(c client) (err error) {
	h, err := c.Connect(itsSID, 1)

	if err != nil {
		return fmt.Errorf("ITS connect: %w", err)
	}

	defer func() {
		if e := c.Close(h); e != nil && err == nil {
			err = fmt.Errorf("ITS close: %w", e)
		}
	}()

	key := psa.InVec{Base: app.key, Len: uint32(len(nsKey))}
	value := psa.InVec{Base: app.value, Len: uint32(len(nsValue))}

	status, err := c.Call(h, itsSet, []psa.InVec{key, value}, nil)

	if err = check("ITS set", status, err); err != nil {
		return
	}

	out := []psa.OutVec{{Base: app.buf, Len: nsOutSize}}
	status, err = c.Call(h, itsGet, []psa.InVec{key}, out)

	if err = check("ITS get", status, err); err != nil {
		return
	}

	buf := make([]byte, out[0].Len)

	if err = app.plat.Read(app.buf, buf); err != nil {
		return
	}

	app.readBack = string(buf)
	fmt.Fprintf(app.out, "ITS %s: %q\n", nsKey, app.readBack)

	out = []psa.OutVec{{Base: app.digest, Len: nsOutSize}}
	status, err = c.Call(psa.StaticHandle(hashIndex, 1), psa.IPCCall, []psa.InVec{value}, out)

	if err = check("hash", status, err); err != nil {
		return
	}

	buf = make([]byte, out[0].Len)

	if err = app.plat.Read(app.digest, buf); err != nil {
		return
	}

	app.sum = hex.EncodeToString(buf)
	fmt.Fprintf(app.out, "SHA-256 %q: %s\n", nsValue, app.sum)

	return
}
