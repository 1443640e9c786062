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

// Package ping implements the liveness and assignment protocol between a
// worker and the scheduler. The worker periodically reports its signed state
// and the scheduler replies with its registration status and authoritative
// assignment.
package ping

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

const (
	ProtocolName = "ping"
	// Topic is the gossip topic pings are broadcast on
	Topic = "worker_ping"
	// DefaultPingPeriod is the default interval between pings, in seconds
	DefaultPingPeriod = 10
	// DefaultMaxMissedPongs is the number of consecutive unanswered pings
	// after which the worker reports itself degraded
	DefaultMaxMissedPongs = 3
)

var (
	StateStarting           = protocol.NewState(1, "Starting")
	StateNotRegistered      = protocol.NewState(2, "NotRegistered")
	StateActive             = protocol.NewState(3, "Active")
	StateJailed             = protocol.NewState(4, "Jailed")
	StateUnsupportedVersion = protocol.NewState(5, "UnsupportedVersion")
)

func pongStatusIs(status PongStatus) protocol.StateTransitionMatchFunc {
	return func(msg protocol.Message) bool {
		pong, ok := msg.(*MsgPong)
		return ok && pong.Result.Status == status
	}
}

func pongTransition(
	status PongStatus,
	newState protocol.State,
) protocol.StateTransition {
	return protocol.StateTransition{
		MsgType:   MessageTypePong,
		NewState:  newState,
		MatchFunc: pongStatusIs(status),
	}
}

// StateMap defines the valid worker-side state transitions. Every state
// except UnsupportedVersion awaits the scheduler's next Pong.
var StateMap = protocol.StateMap{
	StateStarting: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			pongTransition(PongStatusNotRegistered, StateNotRegistered),
			pongTransition(PongStatusUnsupportedVersion, StateUnsupportedVersion),
			pongTransition(PongStatusJailed, StateJailed),
			pongTransition(PongStatusActive, StateActive),
		},
	},
	StateNotRegistered: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			pongTransition(PongStatusNotRegistered, StateNotRegistered),
			pongTransition(PongStatusUnsupportedVersion, StateUnsupportedVersion),
			pongTransition(PongStatusJailed, StateJailed),
			pongTransition(PongStatusActive, StateActive),
		},
	},
	StateActive: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			pongTransition(PongStatusActive, StateActive),
			pongTransition(PongStatusNotRegistered, StateNotRegistered),
			pongTransition(PongStatusUnsupportedVersion, StateUnsupportedVersion),
			pongTransition(PongStatusJailed, StateJailed),
		},
	},
	// Only the scheduler's verdict leaves the jail: reinstatement,
	// deregistration or a version it no longer supports
	StateJailed: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			pongTransition(PongStatusJailed, StateJailed),
			pongTransition(PongStatusActive, StateActive),
			pongTransition(PongStatusNotRegistered, StateNotRegistered),
			pongTransition(PongStatusUnsupportedVersion, StateUnsupportedVersion),
		},
	},
	StateUnsupportedVersion: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// Ping provides both client and server implementations of the ping protocol
type Ping struct {
	Client *Client
	Server *Server
}

type Config struct {
	WorkerUrl      string
	Version        string
	Period         time.Duration
	MaxMissedPongs uint
	StateFunc      StateFunc
	AssignmentFunc AssignmentFunc
	StatusFunc     StatusFunc
	DegradedFunc   DegradedFunc
	PingFunc       PingFunc
}

// CallbackContext provides context information to ping protocol callbacks
type CallbackContext struct {
	PeerId string
	Client *Client
	Server *Server
}

// StateFunc returns the worker's current local state and stored byte count
type StateFunc func() (common.WorkerState, uint64)

// AssignmentFunc receives the scheduler's authoritative assignment
type AssignmentFunc func(CallbackContext, common.WorkerState) error

// StatusFunc is called when the worker's registration state changes
type StatusFunc func(CallbackContext, protocol.State, PongResult)

// DegradedFunc is called when too many consecutive pings went unanswered
type DegradedFunc func(CallbackContext, uint)

// PingFunc decides the scheduler's reply to a verified ping
type PingFunc func(CallbackContext, *MsgPing) (PongResult, error)

// New returns a Ping with both sides configured from the same options
func New(
	protoOptions protocol.ProtocolOptions,
	cfg *Config,
	signer common.Signer,
	verifier common.Verifier,
) *Ping {
	return &Ping{
		Client: NewClient(protoOptions, cfg, signer),
		Server: NewServer(protoOptions, cfg, verifier),
	}
}

// PingOptionFunc is a function that modifies a Config
type PingOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...PingOptionFunc) Config {
	c := Config{
		Period:         DefaultPingPeriod * time.Second,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithWorkerUrl(workerUrl string) PingOptionFunc {
	return func(c *Config) {
		c.WorkerUrl = workerUrl
	}
}

func WithVersion(version string) PingOptionFunc {
	return func(c *Config) {
		c.Version = version
	}
}

func WithPeriod(period time.Duration) PingOptionFunc {
	return func(c *Config) {
		c.Period = period
	}
}

func WithMaxMissedPongs(maxMissedPongs uint) PingOptionFunc {
	return func(c *Config) {
		c.MaxMissedPongs = maxMissedPongs
	}
}

func WithStateFunc(stateFunc StateFunc) PingOptionFunc {
	return func(c *Config) {
		c.StateFunc = stateFunc
	}
}

func WithAssignmentFunc(assignmentFunc AssignmentFunc) PingOptionFunc {
	return func(c *Config) {
		c.AssignmentFunc = assignmentFunc
	}
}

func WithStatusFunc(statusFunc StatusFunc) PingOptionFunc {
	return func(c *Config) {
		c.StatusFunc = statusFunc
	}
}

func WithDegradedFunc(degradedFunc DegradedFunc) PingOptionFunc {
	return func(c *Config) {
		c.DegradedFunc = degradedFunc
	}
}

func WithPingFunc(pingFunc PingFunc) PingOptionFunc {
	return func(c *Config) {
		c.PingFunc = pingFunc
	}
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
