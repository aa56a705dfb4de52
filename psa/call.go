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

package psa

// Handle is a psa_handle_t, either a connection handle, a static handle for
// a stateless RoT Service or a message handle.
type Handle int32

// NullHandle is the reserved "no handle" value.
const NullHandle Handle = 0

// Static handle layout for stateless RoT Services.
const (
	staticIndicatorOffset = 30
	staticIndexMask       = 0xff
	staticVersionOffset   = 8
	staticVersionMask     = 0xff

	// StaticHandleLimit bounds the stateless handle index.
	StaticHandleLimit = 32
)

// StaticHandle returns the static handle of the stateless service with the
// argument index and requested version.
func StaticHandle(index uint32, version uint32) Handle {
	return Handle(1<<staticIndicatorOffset |
		(version&staticVersionMask)<<staticVersionOffset |
		index&staticIndexMask)
}

// IsStatic reports whether the handle refers to a stateless service.
func (h Handle) IsStatic() bool {
	return h > 0 && uint32(h)&(1<<staticIndicatorOffset) != 0
}

// StaticIndex returns the stateless service index of a static handle.
func (h Handle) StaticIndex() uint32 {
	return uint32(h) & staticIndexMask
}

// StaticVersion returns the requested service version of a static handle.
func (h Handle) StaticVersion() uint32 {
	return (uint32(h) >> staticVersionOffset) & staticVersionMask
}

// Control word layout of psa_call, bit exact with the TF-M ABI.
const (
	typeOffset   = 16
	typeMask     = 0xffff << typeOffset
	inLenOffset  = 8
	inLenMask    = 0xff << inLenOffset
	outLenOffset = 0
	outLenMask   = 0xff << outLenOffset
)

// PackCtrl packs a request type and vector counts into a call control word.
func PackCtrl(typ int32, inLen int, outLen int) uint32 {
	return uint32(typ)<<typeOffset&typeMask |
		uint32(inLen)<<inLenOffset&inLenMask |
		uint32(outLen)<<outLenOffset&outLenMask
}

// UnpackCtrl returns the request type, sign extended from 16 bits, and the
// vector counts of a call control word.
func UnpackCtrl(ctrl uint32) (typ int32, inLen int, outLen int) {
	typ = int32(int16((ctrl & typeMask) >> typeOffset))
	inLen = int((ctrl & inLenMask) >> inLenOffset)
	outLen = int((ctrl & outLenMask) >> outLenOffset)
	return
}

// InVec describes a client input buffer by address and length.
type InVec struct {
	Base uint32
	Len  uint32
}

// OutVec describes a client output buffer. On call completion Len is
// updated with the number of bytes written by the RoT Service.
type OutVec struct {
	Base uint32
	Len  uint32
}

// Msg is the psa_msg_t delivered to a RoT Service by Get.
type Msg struct {
	Type     int32
	Handle   Handle
	ClientID int32
	RHandle  any
	InSize   [MaxIOVec]uint32
	OutSize  [MaxIOVec]uint32
}

// ClientIDIsNS reports whether a client id identifies a non-secure client.
func ClientIDIsNS(id int32) bool {
	return id < 0
}
