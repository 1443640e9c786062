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
	"log/slog"
	"runtime"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Version is the protocol version reported in pings
	Version = "0.1.1"

	DefaultQueueSize     = 100
	DefaultFlushInterval = 30 * time.Second
	DefaultSendTimeout   = 10 * time.Second
)

type Config struct {
	// SchedulerId receives QuerySubmitted/QueryFinished events and direct pings
	SchedulerId string
	// CollectorId receives query log batches. LogsCollected is only accepted from this peer
	CollectorId string
	WorkerUrl   string
	Version     string
	// PingDirect sends pings to the scheduler instead of publishing them on the ping topic
	PingDirect     bool
	PingPeriod     time.Duration
	MaxMissedPongs uint
	// QueryTimeout bounds the time from receiving a query to its result
	QueryTimeout time.Duration
	NumWorkers   int
	QueueSize    int
	// RequireQuerySignature drops unsigned queries
	RequireQuerySignature bool
	FlushInterval         time.Duration
	FlushThreshold        int
	MaxBufferSize         int
	MaxBatchRecords       int
	SendTimeout           time.Duration
	SpanFunc              query.SpanFunc
	Verifier              common.Verifier
	Logger                *slog.Logger
	Registerer            prometheus.Registerer
}

// WorkerOptionFunc is a function that modifies a Config
type WorkerOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...WorkerOptionFunc) Config {
	c := Config{
		Version:         Version,
		PingPeriod:      10 * time.Second,
		MaxMissedPongs:  3,
		QueryTimeout:    query.DefaultQueryTimeout * time.Second,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       DefaultQueueSize,
		FlushInterval:   DefaultFlushInterval,
		FlushThreshold:  100,
		MaxBufferSize:   10000,
		MaxBatchRecords: 1000,
		SendTimeout:     DefaultSendTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithSchedulerId(schedulerId string) WorkerOptionFunc {
	return func(c *Config) {
		c.SchedulerId = schedulerId
	}
}

func WithCollectorId(collectorId string) WorkerOptionFunc {
	return func(c *Config) {
		c.CollectorId = collectorId
	}
}

func WithWorkerUrl(workerUrl string) WorkerOptionFunc {
	return func(c *Config) {
		c.WorkerUrl = workerUrl
	}
}

func WithVersion(version string) WorkerOptionFunc {
	return func(c *Config) {
		c.Version = version
	}
}

func WithPingDirect(pingDirect bool) WorkerOptionFunc {
	return func(c *Config) {
		c.PingDirect = pingDirect
	}
}

func WithPingPeriod(period time.Duration) WorkerOptionFunc {
	return func(c *Config) {
		c.PingPeriod = period
	}
}

func WithMaxMissedPongs(maxMissedPongs uint) WorkerOptionFunc {
	return func(c *Config) {
		c.MaxMissedPongs = maxMissedPongs
	}
}

func WithQueryTimeout(timeout time.Duration) WorkerOptionFunc {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}

func WithNumWorkers(numWorkers int) WorkerOptionFunc {
	return func(c *Config) {
		if numWorkers > 0 {
			c.NumWorkers = numWorkers
		}
	}
}

// WithQueueSize sets how many queries may wait for an executor. Values
// below 1 are ignored.
func WithQueueSize(queueSize int) WorkerOptionFunc {
	return func(c *Config) {
		if queueSize > 0 {
			c.QueueSize = queueSize
		}
	}
}

func WithRequireQuerySignature(require bool) WorkerOptionFunc {
	return func(c *Config) {
		c.RequireQuerySignature = require
	}
}

func WithFlushInterval(interval time.Duration) WorkerOptionFunc {
	return func(c *Config) {
		c.FlushInterval = interval
	}
}

func WithFlushThreshold(threshold int) WorkerOptionFunc {
	return func(c *Config) {
		c.FlushThreshold = threshold
	}
}

func WithMaxBufferSize(maxBufferSize int) WorkerOptionFunc {
	return func(c *Config) {
		c.MaxBufferSize = maxBufferSize
	}
}

func WithMaxBatchRecords(maxBatchRecords int) WorkerOptionFunc {
	return func(c *Config) {
		c.MaxBatchRecords = maxBatchRecords
	}
}

func WithSendTimeout(timeout time.Duration) WorkerOptionFunc {
	return func(c *Config) {
		c.SendTimeout = timeout
	}
}

func WithSpanFunc(spanFunc query.SpanFunc) WorkerOptionFunc {
	return func(c *Config) {
		c.SpanFunc = spanFunc
	}
}

// WithVerifier specifies the verifier for query signatures. By default the
// key is derived from the client's peer ID.
func WithVerifier(verifier common.Verifier) WorkerOptionFunc {
	return func(c *Config) {
		c.Verifier = verifier
	}
}

func WithLogger(logger *slog.Logger) WorkerOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) WorkerOptionFunc {
	return func(c *Config) {
		c.Registerer = reg
	}
}
