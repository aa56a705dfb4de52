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

package monitoring

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// PrometheusFactory creates metrics registered with a prometheus registerer.
type PrometheusFactory struct {
	Prefix string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (pf PrometheusFactory) register(c prometheus.Collector) {
	r := pf.Registerer

	if r == nil {
		r = prometheus.DefaultRegisterer
	}

	if err := r.Register(c); err != nil {
		klog.Warningf("metric registration failed: %v", err)
	}
}

// NewCounter implements MetricFactory.
func (pf PrometheusFactory) NewCounter(name string, help string, labelNames ...string) Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pf.Prefix + name,
		Help: help,
	}, labelNames)

	pf.register(vec)

	return &promCounter{labels: labelNames, vec: vec}
}

// NewGauge implements MetricFactory.
func (pf PrometheusFactory) NewGauge(name string, help string, labelNames ...string) Gauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: pf.Prefix + name,
		Help: help,
	}, labelNames)

	pf.register(vec)

	return &promGauge{labels: labelNames, vec: vec}
}

func labelsFor(names []string, vals []string) (prometheus.Labels, error) {
	if len(names) != len(vals) {
		return nil, fmt.Errorf("got %d label values for %d labels", len(vals), len(names))
	}

	labels := make(prometheus.Labels, len(names))

	for i, name := range names {
		labels[name] = vals[i]
	}

	return labels, nil
}

type promCounter struct {
	labels []string
	vec    *prometheus.CounterVec
}

func (m *promCounter) Inc(labelVals ...string) {
	m.Add(1, labelVals...)
}

func (m *promCounter) Add(v float64, labelVals ...string) {
	labels, err := labelsFor(m.labels, labelVals)

	if err != nil {
		klog.Error(err)
		return
	}

	m.vec.With(labels).Add(v)
}

type promGauge struct {
	labels []string
	vec    *prometheus.GaugeVec
}

func (m *promGauge) with(labelVals []string) prometheus.Gauge {
	labels, err := labelsFor(m.labels, labelVals)

	if err != nil {
		klog.Error(err)
		return nil
	}

	return m.vec.With(labels)
}

func (m *promGauge) Set(v float64, labelVals ...string) {
	if g := m.with(labelVals); g != nil {
		g.Set(v)
	}
}

func (m *promGauge) Inc(labelVals ...string) {
	if g := m.with(labelVals); g != nil {
		g.Inc()
	}
}

func (m *promGauge) Dec(labelVals ...string) {
	if g := m.with(labelVals); g != nil {
		g.Dec()
	}
}
