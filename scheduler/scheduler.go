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

// Package scheduler implements the scheduler node. It keeps the worker
// registry, answers pings with each worker's status and assignment, and
// observes query lifecycle events reported by workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/blinklabs-io/goarchive/envelope"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/ping"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/transport"
	"golang.org/x/mod/semver"
)

// Scheduler is a scheduler node bound to one transport
type Scheduler struct {
	config    Config
	logger    *slog.Logger
	transport transport.Transport
	ping      *ping.Server
	tracker   *query.Tracker
	metrics   *Metrics
	mutex     sync.Mutex
	workers   map[string]*WorkerInfo
	datasets  map[string]rangeset.Range
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

func New(tr transport.Transport, cfg Config) (*Scheduler, error) {
	if tr == nil {
		return nil, errors.New("scheduler: transport is required")
	}
	if cfg.Assigner == nil {
		cfg.Assigner = NewRendezvousAssigner(DefaultChunkSize, DefaultReplication)
	}
	if cfg.MinVersion != "" && !semver.IsValid(canonicalVersion(cfg.MinVersion)) {
		return nil, fmt.Errorf("scheduler: invalid minimum version %q", cfg.MinVersion)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		config:    cfg,
		transport: tr,
		metrics:   NewMetrics(cfg.Registerer),
		workers:   make(map[string]*WorkerInfo),
		datasets:  maps.Clone(cfg.Datasets),
	}
	if s.datasets == nil {
		s.datasets = make(map[string]rangeset.Range)
	}
	s.logger = logger.With(
		"component", "scheduler",
		"role", "scheduler",
		"peer_id", tr.LocalPeerId(),
	)
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = common.NewKeyRing(logger)
	}
	pingConfig := ping.NewConfig(
		ping.WithPingFunc(s.handlePing),
	)
	s.ping = ping.NewServer(
		protocol.ProtocolOptions{Logger: logger},
		&pingConfig,
		verifier,
	)
	queryConfig := query.NewConfig(
		query.WithTimeout(cfg.QueryTimeout),
		query.WithTimeoutFunc(s.handleQueryTimeout),
		query.WithLogger(logger),
	)
	s.tracker = query.NewTracker(&queryConfig)
	if err := tr.Subscribe(ping.Topic); err != nil {
		return nil, fmt.Errorf("scheduler: subscribe to %s: %w", ping.Topic, err)
	}
	return s, nil
}

// Start launches the receive loop and the inactive worker sweep
func (s *Scheduler) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.waitGroup.Add(2)
		go s.receiveLoop(ctx)
		go s.sweepLoop(ctx)
		s.logger.Info(
			"scheduler started",
			"datasets", len(s.datasets),
			"min_version", s.config.MinVersion,
		)
	})
}

func (s *Scheduler) Stop() {
	s.onceStop.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.waitGroup.Wait()
		s.tracker.Stop()
		s.logger.Info("scheduler stopped")
	})
}

// Metrics returns the scheduler's metrics
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// QueryState returns the observed lifecycle state of a query on a worker
func (s *Scheduler) QueryState(workerId, clientId, queryId string) (protocol.State, bool) {
	return s.tracker.State(observerKey(workerId, clientId, queryId))
}

func (s *Scheduler) receiveLoop(ctx context.Context) {
	defer s.waitGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-s.transport.Messages():
			if !ok {
				return
			}
			s.handleInbound(ctx, inbound)
		}
	}
}

func (s *Scheduler) handleInbound(ctx context.Context, inbound transport.Inbound) {
	msg, err := envelope.Decode(inbound.Data)
	if err != nil {
		s.metrics.ProtocolErrors.Inc()
		s.logger.Debug(
			"dropping malformed message",
			"remote_peer_id", inbound.PeerId,
			"error", err,
		)
		return
	}
	switch m := msg.(type) {
	case *ping.MsgPing:
		pong, err := s.ping.HandlePing(inbound.PeerId, m)
		if err != nil {
			s.metrics.ProtocolErrors.Inc()
			s.logger.Debug(
				"dropping ping",
				"remote_peer_id", inbound.PeerId,
				"error", err,
			)
			return
		}
		s.metrics.PingsReceived.WithLabelValues(pong.Result.Status.String()).Inc()
		if err := s.send(ctx, inbound.PeerId, pong); err != nil {
			s.logger.Warn(
				"failed to send pong",
				"worker_id", inbound.PeerId,
				"error", err,
			)
		}
	case *query.MsgQuerySubmitted:
		s.handleQuerySubmitted(inbound.PeerId, m)
	case *query.MsgQueryFinished:
		s.handleQueryFinished(inbound.PeerId, m)
	default:
		s.dropUnexpected(inbound.PeerId, msg)
	}
}

func (s *Scheduler) dropUnexpected(peerId string, msg protocol.Message) {
	s.metrics.ProtocolErrors.Inc()
	s.logger.Debug(
		"dropping unexpected message",
		"remote_peer_id", peerId,
		"type", fmt.Sprintf("%T", msg),
	)
}

func (s *Scheduler) send(ctx context.Context, peerId string, msg protocol.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	if s.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SendTimeout)
		defer cancel()
	}
	return s.transport.Send(ctx, peerId, data)
}

// handlePing decides the reply to a verified ping and updates the registry
func (s *Scheduler) handlePing(_ ping.CallbackContext, msg *ping.MsgPing) (ping.PongResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	w, ok := s.workers[msg.WorkerId]
	if !ok {
		if !s.config.AutoRegister {
			return ping.NewPongNotRegistered(), nil
		}
		w = newWorkerInfo(msg.WorkerId)
		s.workers[msg.WorkerId] = w
		s.logger.Info("worker auto-registered", "worker_id", msg.WorkerId)
	}
	w.LastPing = time.Now()
	w.Version = msg.Version
	w.StoredBytes = msg.StoredBytes
	w.Reported = msg.ReportedState()
	if msg.WorkerUrl != nil {
		w.WorkerUrl = *msg.WorkerUrl
	}
	if !s.versionSupported(msg.Version) {
		s.deactivateLocked(w)
		s.updateGaugesLocked()
		return ping.NewPongUnsupportedVersion(), nil
	}
	if w.Jailed {
		return ping.NewPongJailed(w.JailReason), nil
	}
	if !w.Active {
		w.Active = true
		w.MissedAssignments = 0
		s.rebalanceLocked()
		s.logger.Info("worker active", "worker_id", w.WorkerId, "version", w.Version)
	} else if s.config.JailAfterMissedAssignments > 0 {
		// The previous pong carried the current assignment
		if coversAssignment(w.Reported, w.Assignment) {
			w.MissedAssignments = 0
		} else {
			w.MissedAssignments++
			if w.MissedAssignments >= s.config.JailAfterMissedAssignments {
				s.jailLocked(
					w,
					fmt.Sprintf(
						"assignment not downloaded after %d pings",
						w.MissedAssignments,
					),
				)
				return ping.NewPongJailed(w.JailReason), nil
			}
		}
	}
	s.updateGaugesLocked()
	return ping.NewPongActive(w.Assignment.Clone()), nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.waitGroup.Done()
	if s.config.WorkerInactiveTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.WorkerInactiveTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep removes workers that stopped pinging from the assignment
func (s *Scheduler) sweep(now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	changed := false
	for id, w := range s.workers {
		if !w.Active || now.Sub(w.LastPing) <= s.config.WorkerInactiveTimeout {
			continue
		}
		w.Active = false
		changed = true
		s.logger.Info(
			"worker inactive",
			"worker_id", id,
			"last_ping", w.LastPing,
		)
	}
	if changed {
		s.rebalanceLocked()
	}
}

// observerKey tracks events per worker, since a client may send the same
// query to several workers
func observerKey(workerId, clientId, queryId string) query.Key {
	return query.Key{
		ClientId: workerId + "/" + clientId,
		QueryId:  queryId,
	}
}

func (s *Scheduler) handleQuerySubmitted(peerId string, m *query.MsgQuerySubmitted) {
	if m.WorkerId != peerId {
		s.dropUnexpected(peerId, m)
		return
	}
	key := observerKey(m.WorkerId, m.ClientId, m.QueryId)
	err := s.tracker.Submit(
		key.ClientId,
		common.Query{QueryId: m.QueryId, Dataset: m.Dataset},
	)
	if err != nil {
		s.logger.Debug(
			"ignoring query submission",
			"worker_id", m.WorkerId,
			"client_id", m.ClientId,
			"query_id", m.QueryId,
			"error", err,
		)
		return
	}
	s.metrics.QueriesSubmitted.Inc()
}

func (s *Scheduler) handleQueryFinished(peerId string, m *query.MsgQueryFinished) {
	if m.WorkerId != peerId {
		s.dropUnexpected(peerId, m)
		return
	}
	var outcome query.QueryOutcome
	executed := true
	switch m.Status {
	case query.OutcomeOk:
		outcome = query.NewOutcomeOk(nil, nil)
	case query.OutcomeBadRequest:
		outcome = query.NewOutcomeBadRequest("")
	case query.OutcomeServerError:
		outcome = query.NewOutcomeServerError("")
	case query.OutcomeNoAllocation:
		outcome = query.NewOutcomeNoAllocation()
		executed = false
	case query.OutcomeTimeout:
		outcome = query.NewOutcomeTimeout()
		executed = false
	default:
		s.dropUnexpected(peerId, m)
		return
	}
	key := observerKey(m.WorkerId, m.ClientId, m.QueryId)
	if executed {
		// Unknown queries fail again in Resolve below
		_ = s.tracker.Start(key, m.WorkerId)
	}
	if _, err := s.tracker.Resolve(key, outcome); err != nil {
		s.logger.Debug(
			"ignoring query completion",
			"worker_id", m.WorkerId,
			"client_id", m.ClientId,
			"query_id", m.QueryId,
			"error", err,
		)
		return
	}
	s.metrics.QueriesFinished.WithLabelValues(m.Status.String()).Inc()
	if executed {
		s.metrics.QueryExecDuration.Observe(float64(m.ExecTimeMs) / 1000)
	}
}

func (s *Scheduler) handleQueryTimeout(res query.Resolution) {
	s.metrics.QueriesTimedOut.Inc()
	s.logger.Warn(
		"worker did not report query completion",
		"key", res.Key.String(),
		"dataset", res.Query.Dataset,
	)
}
