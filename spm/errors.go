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
	"fmt"

	"github.com/transparency-dev/armored-witness-spm/psa"
)

// Error is a caller error returned by the client API, it carries the PSA
// status reported to the client.
type Error struct {
	Status psa.Status
	msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s)", e.msg, e.Status)
}

// Unwrap allows errors.Is and errors.As to match the PSA status.
func (e *Error) Unwrap() error {
	return e.Status
}

// Caller errors.
var (
	ErrServiceNotFound = &Error{Status: psa.ErrorConnectionRefused, msg: "service not found"}
	ErrNotAuthorized   = &Error{Status: psa.ErrorConnectionRefused, msg: "caller not authorized"}
	ErrVersion         = &Error{Status: psa.ErrorConnectionRefused, msg: "version not supported"}
	ErrRefused         = &Error{Status: psa.ErrorConnectionRefused, msg: "connection refused by service"}
	ErrConnectionBusy  = &Error{Status: psa.ErrorConnectionBusy, msg: "connection busy"}
	ErrProgrammer      = &Error{Status: psa.ErrorProgrammerError, msg: "programmer error"}
)

// FatalError describes a protection violation or an internal inconsistency.
// It is never returned to the violating caller: the system is reset and the
// scheduler halts with it.
type FatalError struct {
	// PID is the running partition, -1 when unknown.
	PID    int32
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("SPM panic (partition %d): %s", e.PID, e.Reason)
}
