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

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "goarchive"
	metricsSubsystem = "collector"
)

// Metrics holds the Prometheus metrics of a logs collector
type Metrics struct {
	BatchesReceived  prometheus.Counter
	BatchesRejected  *prometheus.CounterVec
	RecordsCollected prometheus.Counter
	RecordsDuplicate prometheus.Counter
	ArchiveErrors    prometheus.Counter
	ProtocolErrors   prometheus.Counter
}

// NewMetrics creates the collector metrics and registers them with reg. A nil
// registerer leaves the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "batches_received_total",
				Help:      "Total number of query log batches received",
			},
		),
		BatchesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "batches_rejected_total",
				Help:      "Total number of query log batches rejected, by reason",
			},
			[]string{"reason"},
		),
		RecordsCollected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "records_collected_total",
				Help:      "Total number of query audit records archived",
			},
		),
		RecordsDuplicate: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "records_duplicate_total",
				Help:      "Total number of query audit records at or below the watermark",
			},
		),
		ArchiveErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "archive_errors_total",
				Help:      "Total number of failed archive reads and writes",
			},
		),
		ProtocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "protocol_errors_total",
				Help:      "Total number of malformed or unexpected messages dropped",
			},
		),
	}
}
