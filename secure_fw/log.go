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
	"bytes"
	"sync"

	"k8s.io/klog/v2"
)

const (
	outputLimit = 1024
	flushChr    = 0x0a // \n
)

// console buffers partition output and logs it one line at a time, so
// that output of concurrently running partitions does not interleave.
type console struct {
	sync.Mutex

	name string
	buf  bytes.Buffer
}

func (c *console) Write(p []byte) (int, error) {
	c.Lock()
	defer c.Unlock()

	for _, b := range p {
		c.buf.WriteByte(b)

		if b == flushChr || c.buf.Len() > outputLimit {
			c.flush()
		}
	}

	return len(p), nil
}

// flush must be called with c locked.
func (c *console) flush() {
	line := bytes.TrimRight(c.buf.Bytes(), "\n")

	if len(line) > 0 {
		klog.InfoDepth(2, c.name+": "+string(line))
	}

	c.buf.Reset()
}
