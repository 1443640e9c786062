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

package query

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
)

// Key identifies a query. Query IDs are only unique per client.
type Key struct {
	ClientId string
	QueryId  string
}

func (k Key) String() string {
	return k.ClientId + "/" + k.QueryId
}

// Resolution is handed to the single winner of a query's terminal transition
type Resolution struct {
	Key         Key
	Query       common.Query
	Outcome     QueryOutcome
	State       protocol.State
	SubmittedAt time.Time
	ExecTimeMs  uint64
}

type trackedQuery struct {
	key          Key
	query        common.Query
	stateMachine *protocol.StateMachine
	submittedAt  time.Time
	startedAt    time.Time
	timer        *time.Timer
}

// Tracker drives one lifecycle state machine per in-flight query. Queries
// are independent of each other, and each one is resolved exactly once.
type Tracker struct {
	config  *Config
	logger  *slog.Logger
	mu      sync.Mutex
	queries map[Key]*trackedQuery
	stopped bool
}

func NewTracker(cfg *Config) *Tracker {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		config: cfg,
		logger: logger.With(
			"component", "query",
			"protocol", ProtocolName,
		),
		queries: make(map[Key]*trackedQuery),
	}
}

// Submit starts tracking a query in the Submitted state and arms its
// deadline, if one is configured
func (t *Tracker) Submit(clientId string, query common.Query) error {
	key := Key{ClientId: clientId, QueryId: query.QueryId}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return protocol.ErrShuttingDown
	}
	if _, ok := t.queries[key]; ok {
		return fmt.Errorf("%s: %w: %s", ProtocolName, ErrDuplicateQuery, key)
	}
	tq := &trackedQuery{
		key:   key,
		query: query,
		stateMachine: protocol.NewStateMachine(
			ProtocolName,
			StateSubmitted,
			StateMap,
		),
		submittedAt: time.Now(),
	}
	if t.config.Timeout > 0 {
		tq.timer = time.AfterFunc(t.config.Timeout, func() {
			t.expire(key)
		})
	}
	t.queries[key] = tq
	t.logger.Debug(
		"query submitted",
		"client_id", clientId,
		"query_id", query.QueryId,
		"dataset", query.Dataset,
	)
	return nil
}

// Start moves a submitted query to Executing and records its start time
func (t *Tracker) Start(key Key, workerId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tq, ok := t.queries[key]
	if !ok {
		return fmt.Errorf("%s: %w: %s", ProtocolName, ErrUnknownQuery, key)
	}
	msg := NewMsgQuerySubmitted(key.ClientId, workerId, tq.query)
	if _, err := tq.stateMachine.Transition(msg); err != nil {
		return err
	}
	tq.startedAt = time.Now()
	return nil
}

// Resolve applies a terminal outcome. Only the first resolver of a query
// gets a Resolution; the others get ErrQueryResolved or ErrUnknownQuery.
func (t *Tracker) Resolve(key Key, outcome QueryOutcome) (Resolution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tq, ok := t.queries[key]
	if !ok {
		return Resolution{}, fmt.Errorf("%s: %w: %s", ProtocolName, ErrUnknownQuery, key)
	}
	if tq.stateMachine.IsDone() {
		return Resolution{}, fmt.Errorf("%s: %w: %s", ProtocolName, ErrQueryResolved, key)
	}
	newState, err := tq.stateMachine.Transition(
		NewMsgQueryResult(key.QueryId, outcome),
	)
	if err != nil {
		return Resolution{}, err
	}
	delete(t.queries, key)
	if tq.timer != nil {
		tq.timer.Stop()
	}
	res := Resolution{
		Key:         key,
		Query:       tq.query,
		Outcome:     outcome,
		State:       newState,
		SubmittedAt: tq.submittedAt,
	}
	if !tq.startedAt.IsZero() {
		res.ExecTimeMs = uint64(time.Since(tq.startedAt).Milliseconds())
	}
	t.logger.Debug(
		"query resolved",
		"client_id", key.ClientId,
		"query_id", key.QueryId,
		"outcome", outcome.Kind.String(),
		"exec_time_ms", res.ExecTimeMs,
	)
	return res, nil
}

func (t *Tracker) expire(key Key) {
	res, err := t.Resolve(key, NewOutcomeTimeout())
	if err != nil {
		// Resolved by someone else in the meantime
		return
	}
	t.logger.Warn(
		"query timed out",
		"client_id", key.ClientId,
		"query_id", key.QueryId,
	)
	if t.config.TimeoutFunc != nil {
		t.config.TimeoutFunc(res)
	}
}

// State returns the current state of an in-flight query
func (t *Tracker) State(key Key) (protocol.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tq, ok := t.queries[key]
	if !ok {
		return protocol.State{}, false
	}
	return tq.stateMachine.Current(), true
}

// Len returns the number of in-flight queries
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries)
}

// Span returns the block span requested by a query
func (t *Tracker) Span(query common.Query) (rangeset.Range, error) {
	spanFunc := t.config.SpanFunc
	if spanFunc == nil {
		spanFunc = ParseBlockSpan
	}
	return spanFunc(query.Query)
}

// Stop cancels all deadlines and rejects further submissions. In-flight
// queries can still be resolved.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, tq := range t.queries {
		if tq.timer != nil {
			tq.timer.Stop()
		}
	}
}
