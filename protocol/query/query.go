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

// Package query implements the query lifecycle: the messages exchanged
// between client, worker and scheduler for a single query, and a tracker
// that drives one state machine per query.
package query

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/goarchive/protocol"
)

const (
	ProtocolName = "query"
	// DefaultQueryTimeout is the default deadline for a query result, in seconds
	DefaultQueryTimeout = 60
)

var (
	StateSubmitted    = protocol.NewState(1, "Submitted")
	StateExecuting    = protocol.NewState(2, "Executing")
	StateOk           = protocol.NewState(3, "Ok")
	StateBadRequest   = protocol.NewState(4, "BadRequest")
	StateServerError  = protocol.NewState(5, "ServerError")
	StateTimeout      = protocol.NewState(6, "Timeout")
	StateNoAllocation = protocol.NewState(7, "NoAllocation")
)

func outcomeIs(kind OutcomeKind) protocol.StateTransitionMatchFunc {
	return func(msg protocol.Message) bool {
		res, ok := msg.(*MsgQueryResult)
		return ok && res.Outcome.Kind == kind
	}
}

func resultTransition(
	kind OutcomeKind,
	newState protocol.State,
) protocol.StateTransition {
	return protocol.StateTransition{
		MsgType:   MessageTypeQueryResult,
		NewState:  newState,
		MatchFunc: outcomeIs(kind),
	}
}

// StateMap defines the per-query lifecycle. Execution starts when the
// worker announces the query with QuerySubmitted, and a QueryResult
// outcome resolves it. All outcomes are terminal.
var StateMap = protocol.StateMap{
	StateSubmitted: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeQuerySubmitted,
				NewState: StateExecuting,
			},
			resultTransition(OutcomeNoAllocation, StateNoAllocation),
			resultTransition(OutcomeTimeout, StateTimeout),
		},
	},
	StateExecuting: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			resultTransition(OutcomeOk, StateOk),
			resultTransition(OutcomeBadRequest, StateBadRequest),
			resultTransition(OutcomeServerError, StateServerError),
			resultTransition(OutcomeTimeout, StateTimeout),
		},
	},
	StateOk:           protocol.StateMapEntry{Agency: protocol.AgencyNone},
	StateBadRequest:   protocol.StateMapEntry{Agency: protocol.AgencyNone},
	StateServerError:  protocol.StateMapEntry{Agency: protocol.AgencyNone},
	StateTimeout:      protocol.StateMapEntry{Agency: protocol.AgencyNone},
	StateNoAllocation: protocol.StateMapEntry{Agency: protocol.AgencyNone},
}

type Config struct {
	Timeout     time.Duration
	TimeoutFunc TimeoutFunc
	SpanFunc    SpanFunc
	Logger      *slog.Logger
}

// TimeoutFunc is called after a query was resolved by its deadline
type TimeoutFunc func(Resolution)

// QueryOptionFunc is a function that modifies a Config
type QueryOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions
func NewConfig(options ...QueryOptionFunc) Config {
	c := Config{
		Timeout:  DefaultQueryTimeout * time.Second,
		SpanFunc: ParseBlockSpan,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithTimeout sets the per-query deadline. Zero disables deadlines.
func WithTimeout(timeout time.Duration) QueryOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

func WithTimeoutFunc(timeoutFunc TimeoutFunc) QueryOptionFunc {
	return func(c *Config) {
		c.TimeoutFunc = timeoutFunc
	}
}

func WithSpanFunc(spanFunc SpanFunc) QueryOptionFunc {
	return func(c *Config) {
		c.SpanFunc = spanFunc
	}
}

func WithLogger(logger *slog.Logger) QueryOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}
