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
	"sync"

	"github.com/transparency-dev/armored-witness-spm/internal/monitoring"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

var (
	metricsOnce sync.Once

	counterMessages  monitoring.Counter
	counterReplies   monitoring.Counter
	counterSwitches  monitoring.Counter
	counterIRQs      monitoring.Counter
	counterPanics    monitoring.Counter
	gaugeConnections monitoring.Gauge
)

// initMetrics creates the SPM metrics with the metric factory installed at
// the time the first SPM is created.
func initMetrics() {
	metricsOnce.Do(func() {
		mf := monitoring.GetMetricFactory()

		counterMessages = mf.NewCounter("spm_messages", "Messages delivered to RoT Services by type", "type")
		counterReplies = mf.NewCounter("spm_replies", "Replies by message type and status class", "type", "status")
		counterSwitches = mf.NewCounter("spm_switches", "Partition context switches")
		counterIRQs = mf.NewCounter("spm_irqs", "Interrupts dispatched to partitions by handling model", "model")
		counterPanics = mf.NewCounter("spm_panics", "Fatal errors")
		gaugeConnections = mf.NewGauge("spm_connections", "Connection handles in use")
	})
}

func msgTypeLabel(typ int32) string {
	switch {
	case typ == psa.IPCConnect:
		return "connect"
	case typ == psa.IPCDisconnect:
		return "disconnect"
	case typ >= psa.IPCCall:
		return "call"
	}

	return "unknown"
}

func statusLabel(ret int32) string {
	if ret < 0 {
		return "error"
	}

	return "ok"
}
