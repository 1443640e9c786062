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

package client

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/query"
)

const DefaultSendTimeout = 10 * time.Second

type Config struct {
	// Timeout is how long Query waits for a result
	Timeout time.Duration
	// SignQueries attaches the client's signature to every query
	SignQueries bool
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// ClientOptionFunc is a function that modifies a Config
type ClientOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...ClientOptionFunc) Config {
	c := Config{
		Timeout:     query.DefaultQueryTimeout * time.Second,
		SignQueries: true,
		SendTimeout: DefaultSendTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithTimeout(timeout time.Duration) ClientOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

func WithSignQueries(signQueries bool) ClientOptionFunc {
	return func(c *Config) {
		c.SignQueries = signQueries
	}
}

func WithSendTimeout(timeout time.Duration) ClientOptionFunc {
	return func(c *Config) {
		c.SendTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) ClientOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}
