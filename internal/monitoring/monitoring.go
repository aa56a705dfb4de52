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

// Package monitoring provides counters and gauges behind a swappable metric
// factory, inert unless a backend is installed.
package monitoring

import (
	"sync"
)

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc(labelVals ...string)
	Add(v float64, labelVals ...string)
}

// Gauge is a metric which can go up and down.
type Gauge interface {
	Set(v float64, labelVals ...string)
	Inc(labelVals ...string)
	Dec(labelVals ...string)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	NewCounter(name string, help string, labelNames ...string) Counter
	NewGauge(name string, help string, labelNames ...string) Gauge
}

var (
	mu      sync.Mutex
	factory MetricFactory = InertMetricFactory{}
)

// SetMetricFactory installs the factory returned by GetMetricFactory.
func SetMetricFactory(mf MetricFactory) {
	mu.Lock()
	defer mu.Unlock()

	factory = mf
}

// GetMetricFactory returns the installed factory.
func GetMetricFactory() MetricFactory {
	mu.Lock()
	defer mu.Unlock()

	return factory
}

// InertMetricFactory creates metrics that record nothing.
type InertMetricFactory struct{}

type inert struct{}

func (inert) Inc(...string)          {}
func (inert) Dec(...string)          {}
func (inert) Add(float64, ...string) {}
func (inert) Set(float64, ...string) {}

// NewCounter implements MetricFactory.
func (InertMetricFactory) NewCounter(string, string, ...string) Counter {
	return inert{}
}

// NewGauge implements MetricFactory.
func (InertMetricFactory) NewGauge(string, string, ...string) Gauge {
	return inert{}
}
