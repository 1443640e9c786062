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

package ping

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

// ErrStalePong is returned for a Pong that does not answer the most recently sent Ping
var ErrStalePong = errors.New("stale pong")

// Client is the worker side of the ping protocol
type Client struct {
	config          *Config
	logger          *slog.Logger
	sendFunc        protocol.SendFunc
	signer          common.Signer
	callbackContext CallbackContext
	stateMachine    *protocol.StateMachine
	timer           *time.Timer
	timerMutex      sync.Mutex
	onceStart       sync.Once
	onceStop        sync.Once
	stopped         bool
	// protects the fields below
	mu           sync.Mutex
	lastPingHash common.Blake2b256
	awaitingPong bool
	missedPongs  uint
	degraded     bool
	assignment   *common.WorkerState
}

func NewClient(
	protoOptions protocol.ProtocolOptions,
	cfg *Config,
	signer common.Signer,
) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &Client{
		config:       cfg,
		sendFunc:     protoOptions.SendFunc,
		signer:       signer,
		stateMachine: protocol.NewStateMachine(ProtocolName, StateStarting, StateMap),
	}
	c.logger = loggerOrDefault(protoOptions.Logger).With(
		"component", "network",
		"protocol", ProtocolName,
		"role", "client",
		"peer_id", signer.PeerId(),
	)
	c.callbackContext = CallbackContext{
		Client: c,
		PeerId: signer.PeerId(),
	}
	return c
}

// Start sends the first ping and schedules the following ones
func (c *Client) Start() {
	c.onceStart.Do(func() {
		c.logger.Debug("starting client protocol")
		c.sendPing()
	})
}

// Stop cancels the ping timer. The last known assignment is kept.
func (c *Client) Stop() {
	c.onceStop.Do(func() {
		c.logger.Debug("stopping client protocol")
		c.timerMutex.Lock()
		defer c.timerMutex.Unlock()
		c.stopped = true
		if c.timer != nil {
			c.timer.Stop()
		}
	})
}

// State returns the current registration state
func (c *Client) State() protocol.State {
	return c.stateMachine.Current()
}

// Assignment returns the last assignment received from the scheduler, if any
func (c *Client) Assignment() (common.WorkerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignment == nil {
		return common.WorkerState{}, false
	}
	return c.assignment.Clone(), true
}

// Degraded reports whether too many consecutive pings went unanswered
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Client) MissedPongs() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedPongs
}

func (c *Client) buildPing() (*MsgPing, error) {
	state := common.NewWorkerState()
	var storedBytes uint64
	if c.config.StateFunc != nil {
		state, storedBytes = c.config.StateFunc()
	}
	msg := NewMsgPing(
		c.signer.PeerId(),
		c.config.WorkerUrl,
		c.config.Version,
		storedBytes,
		state,
	)
	if err := msg.Sign(c.signer); err != nil {
		return nil, fmt.Errorf("%s: sign ping: %w", ProtocolName, err)
	}
	return msg, nil
}

func (c *Client) sendPing() {
	msg, err := c.buildPing()
	if err != nil {
		c.logger.Error("failed to build ping", "error", err)
		c.startTimer()
		return
	}
	hash, err := msg.Hash()
	if err != nil {
		c.logger.Error("failed to hash ping", "error", err)
		c.startTimer()
		return
	}
	var degradedNow bool
	c.mu.Lock()
	if c.awaitingPong {
		// The previous ping was never answered, so the assignment is left as-is
		c.missedPongs++
		if c.config.MaxMissedPongs > 0 &&
			c.missedPongs >= c.config.MaxMissedPongs &&
			!c.degraded {
			c.degraded = true
			degradedNow = true
		}
	}
	c.lastPingHash = hash
	c.awaitingPong = true
	missed := c.missedPongs
	c.mu.Unlock()
	if degradedNow {
		c.logger.Warn(
			"no pong received for consecutive pings, marking degraded",
			"missed_pongs", missed,
		)
		if c.config.DegradedFunc != nil {
			c.config.DegradedFunc(c.callbackContext, missed)
		}
	}
	if c.sendFunc != nil {
		if err := c.sendFunc(msg); err != nil {
			c.logger.Warn("failed to send ping", "error", err)
		}
	}
	c.startTimer()
}

func (c *Client) startTimer() {
	c.timerMutex.Lock()
	defer c.timerMutex.Unlock()
	if c.stopped || c.stateMachine.IsDone() {
		return
	}
	// Stop any existing timer
	if c.timer != nil {
		c.timer.Stop()
	}
	// Create new timer
	c.timer = time.AfterFunc(c.config.Period, c.sendPing)
}

// HandlePong processes a Pong from the scheduler. A Pong that does not
// answer the most recently sent Ping returns ErrStalePong and changes nothing.
func (c *Client) HandlePong(msg *MsgPong) error {
	c.mu.Lock()
	if !c.awaitingPong || msg.PingHash != c.lastPingHash {
		c.mu.Unlock()
		c.logger.Debug(
			"ignoring stale pong",
			"ping_hash", msg.PingHash.String(),
		)
		return fmt.Errorf(
			"%s: %w: %s",
			ProtocolName,
			ErrStalePong,
			msg.PingHash.String(),
		)
	}
	// The scheduler answered, whether or not the verdict is acceptable
	c.awaitingPong = false
	c.missedPongs = 0
	recovered := c.degraded
	c.degraded = false
	prevState := c.stateMachine.Current()
	newState, err := c.stateMachine.Transition(msg)
	if err != nil {
		c.mu.Unlock()
		if recovered {
			c.logger.Info("pong received, no longer degraded")
		}
		return err
	}
	if msg.Result.Status == PongStatusActive {
		assignment := msg.Result.State.Clone()
		c.assignment = &assignment
	}
	c.mu.Unlock()
	if recovered {
		c.logger.Info("pong received, no longer degraded")
	}
	if newState != prevState {
		logArgs := []any{"from", prevState.String(), "to", newState.String()}
		if msg.Result.Status == PongStatusJailed {
			logArgs = append(logArgs, "reason", msg.Result.Reason)
		}
		if newState == StateUnsupportedVersion {
			c.logger.Error("worker version not supported by scheduler", "version", c.config.Version)
			// No further pings are useful
			c.Stop()
		} else {
			c.logger.Info("registration state changed", logArgs...)
		}
		if c.config.StatusFunc != nil {
			c.config.StatusFunc(c.callbackContext, newState, msg.Result)
		}
	}
	if msg.Result.Status == PongStatusActive && c.config.AssignmentFunc != nil {
		return c.config.AssignmentFunc(c.callbackContext, msg.Result.State.Clone())
	}
	return nil
}
