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

// Package api defines the frames exchanged through the mailbox between the
// non-secure core and the secure mailbox agent.
//
// Frames are encoded with the protobuf wire format, unknown fields are
// skipped on decoding so that either side can be extended independently.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// CallType identifies the PSA client function requested through the
// mailbox.
type CallType uint32

// Mailbox call types
const (
	CallFrameworkVersion CallType = iota + 1
	CallVersion
	CallConnect
	CallCall
	CallClose
)

func (t CallType) String() string {
	switch t {
	case CallFrameworkVersion:
		return "FRAMEWORK_VERSION"
	case CallVersion:
		return "VERSION"
	case CallConnect:
		return "CONNECT"
	case CallCall:
		return "CALL"
	case CallClose:
		return "CLOSE"
	}

	return fmt.Sprintf("CallType(%d)", uint32(t))
}

// Mailbox error codes, returned in place of a PSA status when a request
// cannot be delivered to the SPM.
const (
	ErrorQueueFull int32 = math.MinInt32 + iota + 1
	ErrorInvalParams
	ErrorNoPerms
	ErrorNoPendEvent
	ErrorChanBusy
	ErrorCallbackReg
	ErrorInit
	ErrorGeneric
)

// IsMailboxError reports whether a return value is a mailbox error code
// rather than a PSA return value.
func IsMailboxError(ret int32) bool {
	return ret >= ErrorQueueFull && ret <= ErrorGeneric
}

// ErrMalformed is returned when decoding an invalid frame.
var ErrMalformed = errors.New("malformed mailbox frame")

// Request field numbers
const (
	reqType     protowire.Number = 1
	reqClientID protowire.Number = 2
	reqSID      protowire.Number = 3
	reqVersion  protowire.Number = 4
	reqHandle   protowire.Number = 5
	reqCtrl     protowire.Number = 6
	reqIn       protowire.Number = 7
	reqOut      protowire.Number = 8
)

// Response field numbers
const (
	resReturn  protowire.Number = 1
	resOutLens protowire.Number = 2
)

// Vec field numbers
const (
	vecBase protowire.Number = 1
	vecLen  protowire.Number = 2
)

// Vec describes a client buffer in the non-secure address space.
type Vec struct {
	Base uint32
	Len  uint32
}

// Request is a PSA client call issued by the non-secure core.
type Request struct {
	Type     CallType
	ClientID int32

	// CONNECT and VERSION parameters
	SID     uint32
	Version uint32

	// CALL and CLOSE parameters
	Handle int32
	Ctrl   uint32
	In     []Vec
	Out    []Vec
}

// Response carries the return value of a mailbox request.
type Response struct {
	Return int32
	// OutLens holds the written length of each out vector of a CALL.
	OutLens []uint32
}

// ErrorResponse converts a mailbox error code in a serialized response.
func ErrorResponse(code int32) []byte {
	return (&Response{Return: code}).Bytes()
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, uint64(v))
}

func appendVecs(b []byte, num protowire.Number, vecs []Vec) []byte {
	for _, v := range vecs {
		var buf []byte

		buf = appendUint32(buf, vecBase, v.Base)
		buf = appendUint32(buf, vecLen, v.Len)

		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, buf)
	}

	return b
}

// Bytes serializes a mailbox request.
func (r *Request) Bytes() (buf []byte) {
	buf = appendUint32(buf, reqType, uint32(r.Type))
	buf = appendInt32(buf, reqClientID, r.ClientID)
	buf = appendUint32(buf, reqSID, r.SID)
	buf = appendUint32(buf, reqVersion, r.Version)
	buf = appendInt32(buf, reqHandle, r.Handle)
	buf = appendUint32(buf, reqCtrl, r.Ctrl)
	buf = appendVecs(buf, reqIn, r.In)
	buf = appendVecs(buf, reqOut, r.Out)

	return
}

// Bytes serializes a mailbox response.
func (r *Response) Bytes() (buf []byte) {
	buf = appendInt32(buf, resReturn, r.Return)

	if len(r.OutLens) == 0 {
		return
	}

	var packed []byte

	for _, l := range r.OutLens {
		packed = protowire.AppendVarint(packed, uint64(l))
	}

	buf = protowire.AppendTag(buf, resOutLens, protowire.BytesType)
	buf = protowire.AppendBytes(buf, packed)

	return
}

// field is invoked for every field of a frame and returns the number of
// value bytes it consumed, zero skips an unknown field.
type field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func parse(buf []byte, fn field) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)

		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}

		buf = buf[n:]

		n, err := fn(num, typ, buf)

		if err != nil {
			return err
		}

		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}

		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}

		buf = buf[n:]
	}

	return nil
}

func consumeVarint(typ protowire.Type, b []byte, v *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}

	x, n := protowire.ConsumeVarint(b)

	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}

	*v = x

	return n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	buf, n := protowire.ConsumeBytes(b)

	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}

	return buf, n, nil
}

func consumeVec(typ protowire.Type, b []byte, vecs *[]Vec) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}

	buf, n, err := consumeBytes(b)

	if err != nil {
		return 0, err
	}

	var v Vec

	err = parse(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var x uint64

		switch num {
		case vecBase:
			n, err := consumeVarint(typ, b, &x)
			v.Base = uint32(x)
			return n, err
		case vecLen:
			n, err := consumeVarint(typ, b, &x)
			v.Len = uint32(x)
			return n, err
		}

		return 0, nil
	})

	if err != nil {
		return 0, err
	}

	*vecs = append(*vecs, v)

	return n, nil
}

// Parse deserializes a mailbox request.
func (r *Request) Parse(buf []byte) error {
	*r = Request{}

	return parse(buf, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var x uint64

		switch num {
		case reqType:
			n, err = consumeVarint(typ, b, &x)
			r.Type = CallType(x)
		case reqClientID:
			n, err = consumeVarint(typ, b, &x)
			r.ClientID = int32(x)
		case reqSID:
			n, err = consumeVarint(typ, b, &x)
			r.SID = uint32(x)
		case reqVersion:
			n, err = consumeVarint(typ, b, &x)
			r.Version = uint32(x)
		case reqHandle:
			n, err = consumeVarint(typ, b, &x)
			r.Handle = int32(x)
		case reqCtrl:
			n, err = consumeVarint(typ, b, &x)
			r.Ctrl = uint32(x)
		case reqIn:
			n, err = consumeVec(typ, b, &r.In)
		case reqOut:
			n, err = consumeVec(typ, b, &r.Out)
		}

		return
	})
}

// Parse deserializes a mailbox response.
func (r *Response) Parse(buf []byte) error {
	*r = Response{}

	return parse(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var x uint64

		switch {
		case num == resReturn:
			n, err := consumeVarint(typ, b, &x)
			r.Return = int32(x)
			return n, err
		case num == resOutLens && typ == protowire.BytesType:
			packed, n, err := consumeBytes(b)

			if err != nil {
				return 0, err
			}

			for len(packed) > 0 {
				l, m := protowire.ConsumeVarint(packed)

				if m < 0 {
					return 0, fmt.Errorf("%w: out lengths: %v", ErrMalformed, protowire.ParseError(m))
				}

				r.OutLens = append(r.OutLens, uint32(l))
				packed = packed[m:]
			}

			return n, nil
		}

		return 0, nil
	})
}

// String returns the request in textual format.
func (r *Request) String() string {
	var req bytes.Buffer

	fmt.Fprintf(&req, "%s client:%d", r.Type, r.ClientID)

	switch r.Type {
	case CallVersion:
		fmt.Fprintf(&req, " sid:%#x", r.SID)
	case CallConnect:
		fmt.Fprintf(&req, " sid:%#x version:%d", r.SID, r.Version)
	case CallCall:
		fmt.Fprintf(&req, " handle:%#x ctrl:%#x in:%v out:%v", r.Handle, r.Ctrl, r.In, r.Out)
	case CallClose:
		fmt.Fprintf(&req, " handle:%#x", r.Handle)
	}

	return req.String()
}
