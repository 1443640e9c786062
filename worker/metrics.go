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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "goarchive"

// Metrics holds the Prometheus metrics of a worker node
type Metrics struct {
	QueriesReceived    prometheus.Counter
	QueriesDropped     *prometheus.CounterVec
	QueriesResolved    *prometheus.CounterVec
	QueryExecDuration  prometheus.Histogram
	QueryQueueDepth    prometheus.Gauge
	PingsSent          prometheus.Counter
	PongsReceived      *prometheus.CounterVec
	LogsPending        prometheus.Gauge
	LogsDropped        prometheus.Counter
	LogBatchesSent     prometheus.Counter
	LogBatchErrors     prometheus.Counter
	ProtocolErrors     prometheus.Counter
	StoredBytes        prometheus.Gauge
	AssignmentsApplied prometheus.Counter
}

// NewMetrics creates the worker metrics and registers them with reg. A nil
// registerer leaves the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "queries_received_total",
				Help:      "Total number of query messages received",
			},
		),
		QueriesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "queries_dropped_total",
				Help:      "Total number of queries dropped without a reply",
			},
			[]string{"reason"},
		),
		QueriesResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "queries_resolved_total",
				Help:      "Total number of queries resolved, by outcome",
			},
			[]string{"outcome"},
		),
		QueryExecDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "query_exec_duration_seconds",
				Help:      "Time spent executing queries",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			},
		),
		QueryQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "query_queue_depth",
				Help:      "Number of queries waiting for an executor",
			},
		),
		PingsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "pings_sent_total",
				Help:      "Total number of pings sent",
			},
		),
		PongsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "pongs_received_total",
				Help:      "Total number of pongs received, by status",
			},
			[]string{"status"},
		),
		LogsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "query_logs_pending",
				Help:      "Number of query audit records waiting for collection",
			},
		),
		LogsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "query_logs_dropped_total",
				Help:      "Total number of query audit records dropped on buffer overflow",
			},
		),
		LogBatchesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "query_log_batches_sent_total",
				Help:      "Total number of query log batches sent to the collector",
			},
		),
		LogBatchErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "query_log_batch_errors_total",
				Help:      "Total number of query log batches that could not be sent",
			},
		),
		ProtocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "protocol_errors_total",
				Help:      "Total number of malformed or unexpected messages dropped",
			},
		),
		StoredBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "stored_bytes",
				Help:      "Bytes held by the storage layer, as last reported in a ping",
			},
		),
		AssignmentsApplied: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "assignments_applied_total",
				Help:      "Total number of assignment changes applied",
			},
		),
	}
}
