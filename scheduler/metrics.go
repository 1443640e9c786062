// Copyright 2025 Blink Labs Software
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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "goarchive"
	metricsSubsystem = "scheduler"
)

// Metrics holds the Prometheus metrics of a scheduler
type Metrics struct {
	PingsReceived     *prometheus.CounterVec
	WorkersRegistered prometheus.Gauge
	WorkersActive     prometheus.Gauge
	WorkersJailed     prometheus.Gauge
	Rebalances        prometheus.Counter
	QueriesSubmitted  prometheus.Counter
	QueriesFinished   *prometheus.CounterVec
	QueriesTimedOut   prometheus.Counter
	QueryExecDuration prometheus.Histogram
	ProtocolErrors    prometheus.Counter
}

// NewMetrics creates the scheduler metrics and registers them with reg. A nil
// registerer leaves the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PingsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "pings_received_total",
				Help:      "Total number of verified pings, by pong status",
			},
			[]string{"status"},
		),
		WorkersRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "workers_registered",
				Help:      "Number of registered workers",
			},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "workers_active",
				Help:      "Number of workers included in the current assignment",
			},
		),
		WorkersJailed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "workers_jailed",
				Help:      "Number of jailed workers",
			},
		),
		Rebalances: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "rebalances_total",
				Help:      "Total number of assignment recomputations",
			},
		),
		QueriesSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "queries_submitted_total",
				Help:      "Total number of queries reported as submitted by workers",
			},
		),
		QueriesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "queries_finished_total",
				Help:      "Total number of queries reported as finished, by outcome",
			},
			[]string{"outcome"},
		),
		QueriesTimedOut: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "queries_timed_out_total",
				Help:      "Total number of submitted queries never reported as finished",
			},
		),
		QueryExecDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "query_exec_duration_seconds",
				Help:      "Query execution time as reported by workers",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			},
		),
		ProtocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "protocol_errors_total",
				Help:      "Total number of malformed, unauthenticated or unexpected messages dropped",
			},
		),
	}
}
