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

// Package psa defines the PSA Firmware Framework IPC calling convention
// shared by the Secure Partition Manager, secure partitions and the
// non-secure clients: status codes, signals, message types, handles, the
// bit-packed call control word and the input/output vector descriptors.
package psa

import (
	"errors"
	"fmt"
)

// FrameworkVersion is the PSA Firmware Framework version implemented by the
// SPM, major in the upper byte and minor in the lower byte.
const FrameworkVersion = 0x0101

// VersionNone is returned by a version query for an unknown or inaccessible
// RoT Service.
const VersionNone = 0

// MaxIOVec is the maximum total number of input and output vectors of a
// single call.
const MaxIOVec = 4

// Status is a psa_status_t value. Negative values are errors.
type Status int32

// p. 13, PSA Firmware Framework 1.1, status codes
const (
	Success Status = 0

	ErrorProgrammerError      Status = -129
	ErrorConnectionRefused    Status = -130
	ErrorConnectionBusy       Status = -131
	ErrorGenericError         Status = -132
	ErrorNotPermitted         Status = -133
	ErrorNotSupported         Status = -134
	ErrorInvalidArgument      Status = -135
	ErrorInvalidHandle        Status = -136
	ErrorBadState             Status = -137
	ErrorBufferTooSmall       Status = -138
	ErrorAlreadyExists        Status = -139
	ErrorDoesNotExist         Status = -140
	ErrorInsufficientMemory   Status = -141
	ErrorInsufficientStorage  Status = -142
	ErrorInsufficientData     Status = -143
	ErrorServiceFailure       Status = -144
	ErrorCommunicationFailure Status = -145
	ErrorStorageFailure       Status = -146
	ErrorHardwareFailure      Status = -147
	ErrorInvalidSignature     Status = -149
)

var statusNames = map[Status]string{
	Success:                   "PSA_SUCCESS",
	ErrorProgrammerError:      "PSA_ERROR_PROGRAMMER_ERROR",
	ErrorConnectionRefused:    "PSA_ERROR_CONNECTION_REFUSED",
	ErrorConnectionBusy:       "PSA_ERROR_CONNECTION_BUSY",
	ErrorGenericError:         "PSA_ERROR_GENERIC_ERROR",
	ErrorNotPermitted:         "PSA_ERROR_NOT_PERMITTED",
	ErrorNotSupported:         "PSA_ERROR_NOT_SUPPORTED",
	ErrorInvalidArgument:      "PSA_ERROR_INVALID_ARGUMENT",
	ErrorInvalidHandle:        "PSA_ERROR_INVALID_HANDLE",
	ErrorBadState:             "PSA_ERROR_BAD_STATE",
	ErrorBufferTooSmall:       "PSA_ERROR_BUFFER_TOO_SMALL",
	ErrorAlreadyExists:        "PSA_ERROR_ALREADY_EXISTS",
	ErrorDoesNotExist:         "PSA_ERROR_DOES_NOT_EXIST",
	ErrorInsufficientMemory:   "PSA_ERROR_INSUFFICIENT_MEMORY",
	ErrorInsufficientStorage:  "PSA_ERROR_INSUFFICIENT_STORAGE",
	ErrorInsufficientData:     "PSA_ERROR_INSUFFICIENT_DATA",
	ErrorServiceFailure:       "PSA_ERROR_SERVICE_FAILURE",
	ErrorCommunicationFailure: "PSA_ERROR_COMMUNICATION_FAILURE",
	ErrorStorageFailure:       "PSA_ERROR_STORAGE_FAILURE",
	ErrorHardwareFailure:      "PSA_ERROR_HARDWARE_FAILURE",
	ErrorInvalidSignature:     "PSA_ERROR_INVALID_SIGNATURE",
}

// String returns the PSA name of the status code.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("psa_status_t(%d)", int32(s))
}

// Error allows a Status to be returned as an error.
func (s Status) Error() string {
	return s.String()
}

// StatusOf maps an error to the PSA status code it carries, nil errors map to
// Success and errors not carrying a status map to ErrorGenericError.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}

	var s Status

	if errors.As(err, &s) {
		return s
	}

	return ErrorGenericError
}

// Message types, values greater or equal to IPCCall are service defined
// request types.
const (
	IPCConnect    int32 = -1
	IPCCall       int32 = 0
	IPCDisconnect int32 = -2
)

// Signal is a psa_signal_t bitmask.
type Signal uint32

const (
	// WaitAny waits on all signals of the calling partition.
	WaitAny Signal = 0xffffffff
	// Doorbell is the signal asserted by Notify.
	Doorbell Signal = 1 << 3
)

// Timeout values for Wait, bits 30:0 are reserved.
const (
	Poll        uint32 = 0x00000000
	Block       uint32 = 0x80000000
	TimeoutMask uint32 = Block
)

// OnlyOneBit reports whether exactly one bit of the signal is set.
func (s Signal) OnlyOneBit() bool {
	return s != 0 && s&(s-1) == 0
}

// FLIHResult is the return value of a first-level interrupt handler.
type FLIHResult uint32

const (
	// FLIHNoSignal completes interrupt handling in the handler.
	FLIHNoSignal FLIHResult = 0
	// FLIHSignal asserts the interrupt signal for later retrieval.
	FLIHSignal FLIHResult = 1
)

// IRQStatus is returned by IRQ disable requests.
type IRQStatus uint32

// Lifecycle states (PSA Security Model).
const (
	LifecycleUnknown uint32 = 0x0000
)
