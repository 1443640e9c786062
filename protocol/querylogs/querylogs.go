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

// Package querylogs implements signed batching of query audit records and
// their acknowledgement by a logs collector through sequence number
// watermarks.
package querylogs

import (
	"log/slog"
)

const (
	ProtocolName = "query-logs"
	// DefaultMaxBufferSize is the default number of pending records kept
	// before the oldest ones are dropped
	DefaultMaxBufferSize = 10000
	// DefaultFlushThreshold is the default number of pending records that
	// triggers a flush without waiting for the flush interval
	DefaultFlushThreshold = 100
	// DefaultMaxBatchRecords is the default number of records per batch
	DefaultMaxBatchRecords = 1000
)

type Config struct {
	MaxBufferSize   int
	FlushThreshold  int
	MaxBatchRecords int
	DroppedFunc     DroppedFunc
	Logger          *slog.Logger
}

// DroppedFunc is called with the number of records dropped on overflow
type DroppedFunc func(uint64)

// QueryLogsOptionFunc is a function that modifies a Config
type QueryLogsOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...QueryLogsOptionFunc) Config {
	c := Config{
		MaxBufferSize:   DefaultMaxBufferSize,
		FlushThreshold:  DefaultFlushThreshold,
		MaxBatchRecords: DefaultMaxBatchRecords,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithMaxBufferSize(maxBufferSize int) QueryLogsOptionFunc {
	return func(c *Config) {
		c.MaxBufferSize = maxBufferSize
	}
}

func WithFlushThreshold(flushThreshold int) QueryLogsOptionFunc {
	return func(c *Config) {
		c.FlushThreshold = flushThreshold
	}
}

func WithMaxBatchRecords(maxBatchRecords int) QueryLogsOptionFunc {
	return func(c *Config) {
		c.MaxBatchRecords = maxBatchRecords
	}
}

func WithDroppedFunc(droppedFunc DroppedFunc) QueryLogsOptionFunc {
	return func(c *Config) {
		c.DroppedFunc = droppedFunc
	}
}

func WithLogger(logger *slog.Logger) QueryLogsOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}
