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

// Package transport moves opaque envelope bytes between peers. It provides
// direct sends to a peer ID and topic publication, plus an in-memory hub and
// a TCP implementation.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
)

const (
	DefaultQueueSize        = 1000
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrHandshake     = errors.New("handshake failed")
)

// Inbound is a message received from a peer. Topic is empty for direct sends.
type Inbound struct {
	PeerId string
	Topic  string
	Data   []byte
}

// Transport is the network boundary used by workers, schedulers, collectors and clients
type Transport interface {
	LocalPeerId() string
	Send(ctx context.Context, peerId string, data []byte) error
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) error
	Messages() <-chan Inbound
	Close() error
}

type Config struct {
	ListenAddress    string
	PeerAddresses    map[string]string
	MaxFrameSize     uint32
	QueueSize        int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	Verifier         common.Verifier
	Logger           *slog.Logger
}

// TransportOptionFunc is a function that modifies a Config
type TransportOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...TransportOptionFunc) Config {
	c := Config{
		PeerAddresses:    make(map[string]string),
		MaxFrameSize:     DefaultMaxFrameSize,
		QueueSize:        DefaultQueueSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
		DialTimeout:      DefaultDialTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithListenAddress specifies the TCP address to accept connections on
func WithListenAddress(address string) TransportOptionFunc {
	return func(c *Config) {
		c.ListenAddress = address
	}
}

// WithPeerAddress specifies the address used to reach a peer that is not yet connected
func WithPeerAddress(peerId string, address string) TransportOptionFunc {
	return func(c *Config) {
		if c.PeerAddresses == nil {
			c.PeerAddresses = make(map[string]string)
		}
		c.PeerAddresses[peerId] = address
	}
}

func WithMaxFrameSize(maxFrameSize uint32) TransportOptionFunc {
	return func(c *Config) {
		c.MaxFrameSize = maxFrameSize
	}
}

func WithQueueSize(queueSize int) TransportOptionFunc {
	return func(c *Config) {
		c.QueueSize = queueSize
	}
}

func WithHandshakeTimeout(timeout time.Duration) TransportOptionFunc {
	return func(c *Config) {
		c.HandshakeTimeout = timeout
	}
}

func WithDialTimeout(timeout time.Duration) TransportOptionFunc {
	return func(c *Config) {
		c.DialTimeout = timeout
	}
}

// WithVerifier specifies the verifier used to authenticate connecting peers.
// By default the key is derived from the peer ID.
func WithVerifier(verifier common.Verifier) TransportOptionFunc {
	return func(c *Config) {
		c.Verifier = verifier
	}
}

func WithLogger(logger *slog.Logger) TransportOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
