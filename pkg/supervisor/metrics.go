/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package supervisor

import (
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the supervisor Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Runs         *prometheus.CounterVec
	Tests        *prometheus.CounterVec
	TestDuration *prometheus.HistogramVec
	Restores     prometheus.Counter
	StepRetries  prometheus.Counter
	ActiveRuns   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmconform_runs_total",
			Help: "Total number of finished runs by status",
		}, []string{"status"}),
		Tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmconform_tests_total",
			Help: "Total number of recorded test results by outcome and modality",
		}, []string{"outcome", "modality"}),
		TestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vmconform_test_duration_seconds",
			Help:    "Duration of executed test cases",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"modality"}),
		Restores: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmconform_snapshot_restores_total",
			Help: "Total number of snapshot restores performed before a test case",
		}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmconform_step_retries_total",
			Help: "Total number of errored test cases that were restored and re-run",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmconform_active_runs",
			Help: "Number of runs currently holding a VM",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Tests, m.TestDuration, m.Restores, m.StepRetries, m.ActiveRuns)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.ActiveRuns.Inc()
	}
}

func (m *Metrics) runFinished(status report.Status) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.Runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) recorded(r report.TestResult) {
	if m == nil {
		return
	}
	m.Tests.WithLabelValues(string(r.Outcome), r.Modality).Inc()
	if r.Outcome != report.OutcomeSkipped {
		m.TestDuration.WithLabelValues(r.Modality).Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) restored() {
	if m != nil {
		m.Restores.Inc()
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.StepRetries.Inc()
	}
}
