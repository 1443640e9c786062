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
	"log/slog"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultWorkerInactiveTimeout      = 60 * time.Second
	DefaultJailAfterMissedAssignments = 10
	DefaultSendTimeout                = 10 * time.Second
)

type Config struct {
	// AutoRegister registers unknown workers on their first valid ping
	AutoRegister bool
	// MinVersion is the lowest accepted worker version. Empty accepts all.
	MinVersion string
	// JailAfterMissedAssignments jails a worker after this many consecutive
	// pings that do not cover its assignment. Zero disables automatic jailing.
	JailAfterMissedAssignments uint
	// WorkerInactiveTimeout removes workers from the assignment when they
	// have not pinged for this long
	WorkerInactiveTimeout time.Duration
	Datasets              map[string]rangeset.Range
	Assigner              Assigner
	// QueryTimeout bounds the time between a worker's QuerySubmitted and QueryFinished
	QueryTimeout time.Duration
	SendTimeout  time.Duration
	Verifier     common.Verifier
	Logger       *slog.Logger
	Registerer   prometheus.Registerer
}

// SchedulerOptionFunc is a function that modifies a Config
type SchedulerOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...SchedulerOptionFunc) Config {
	c := Config{
		JailAfterMissedAssignments: DefaultJailAfterMissedAssignments,
		WorkerInactiveTimeout:      DefaultWorkerInactiveTimeout,
		Datasets:                   make(map[string]rangeset.Range),
		QueryTimeout:               query.DefaultQueryTimeout * time.Second,
		SendTimeout:                DefaultSendTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	if c.Assigner == nil {
		c.Assigner = NewRendezvousAssigner(DefaultChunkSize, DefaultReplication)
	}
	return c
}

func WithAutoRegister(autoRegister bool) SchedulerOptionFunc {
	return func(c *Config) {
		c.AutoRegister = autoRegister
	}
}

func WithMinVersion(minVersion string) SchedulerOptionFunc {
	return func(c *Config) {
		c.MinVersion = minVersion
	}
}

func WithJailAfterMissedAssignments(count uint) SchedulerOptionFunc {
	return func(c *Config) {
		c.JailAfterMissedAssignments = count
	}
}

func WithWorkerInactiveTimeout(timeout time.Duration) SchedulerOptionFunc {
	return func(c *Config) {
		c.WorkerInactiveTimeout = timeout
	}
}

// WithDataset adds a dataset and the block range it covers
func WithDataset(dataset string, blocks rangeset.Range) SchedulerOptionFunc {
	return func(c *Config) {
		if c.Datasets == nil {
			c.Datasets = make(map[string]rangeset.Range)
		}
		c.Datasets[dataset] = blocks
	}
}

func WithAssigner(assigner Assigner) SchedulerOptionFunc {
	return func(c *Config) {
		c.Assigner = assigner
	}
}

func WithQueryTimeout(timeout time.Duration) SchedulerOptionFunc {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}

func WithSendTimeout(timeout time.Duration) SchedulerOptionFunc {
	return func(c *Config) {
		c.SendTimeout = timeout
	}
}

func WithVerifier(verifier common.Verifier) SchedulerOptionFunc {
	return func(c *Config) {
		c.Verifier = verifier
	}
}

func WithLogger(logger *slog.Logger) SchedulerOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) SchedulerOptionFunc {
	return func(c *Config) {
		c.Registerer = reg
	}
}
