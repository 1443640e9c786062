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
	"log/slog"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/blob"
)

const DefaultSendTimeout = 10 * time.Second

type Config struct {
	// Bucket receives the archived records. An in-memory bucket is used when nil.
	Bucket      *blob.Bucket
	Prefix      string
	SendTimeout time.Duration
	Verifier    common.Verifier
	Logger      *slog.Logger
	Registerer  prometheus.Registerer
}

// CollectorOptionFunc is a function that modifies a Config
type CollectorOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...CollectorOptionFunc) Config {
	c := Config{
		Prefix:      DefaultPrefix,
		SendTimeout: DefaultSendTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithBucket(bucket *blob.Bucket) CollectorOptionFunc {
	return func(c *Config) {
		c.Bucket = bucket
	}
}

func WithPrefix(prefix string) CollectorOptionFunc {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

func WithSendTimeout(timeout time.Duration) CollectorOptionFunc {
	return func(c *Config) {
		c.SendTimeout = timeout
	}
}

func WithVerifier(verifier common.Verifier) CollectorOptionFunc {
	return func(c *Config) {
		c.Verifier = verifier
	}
}

func WithLogger(logger *slog.Logger) CollectorOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) CollectorOptionFunc {
	return func(c *Config) {
		c.Registerer = reg
	}
}
