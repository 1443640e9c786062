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

// Package worker implements a worker node. It reports its stored block
// ranges to the scheduler, executes queries against its storage for ranges
// it is assigned, and ships signed audit records to the logs collector.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/goarchive/envelope"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/ping"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/protocol/querylogs"
	"github.com/blinklabs-io/goarchive/transport"
	"github.com/blinklabs-io/goarchive/workerstate"
)

// Node is a worker node bound to one transport and one storage layer
type Node struct {
	config    Config
	logger    *slog.Logger
	signer    common.Signer
	verifier  common.Verifier
	transport transport.Transport
	storage   Storage
	state     *workerstate.WorkerState
	ping      *ping.Client
	tracker   *query.Tracker
	logs      *querylogs.Buffer
	pool      *queryPool
	metrics   *Metrics
	flushChan chan struct{}
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

func New(
	signer common.Signer,
	tr transport.Transport,
	storage Storage,
	cfg Config,
) (*Node, error) {
	if signer == nil || tr == nil || storage == nil {
		return nil, errors.New("worker: signer, transport and storage are required")
	}
	if tr.LocalPeerId() != signer.PeerId() {
		return nil, fmt.Errorf(
			"worker: transport peer ID %s does not match signer %s",
			tr.LocalPeerId(),
			signer.PeerId(),
		)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		config:    cfg,
		signer:    signer,
		transport: tr,
		storage:   storage,
		metrics:   NewMetrics(cfg.Registerer),
		flushChan: make(chan struct{}, 1),
	}
	n.logger = logger.With(
		"component", "worker",
		"role", "worker",
		"peer_id", signer.PeerId(),
	)
	n.verifier = cfg.Verifier
	if n.verifier == nil {
		n.verifier = common.NewKeyRing(logger)
	}
	n.state = workerstate.New(logger)
	n.state.ReplaceLocal(storage.LocalRanges())
	pingConfig := ping.NewConfig(
		ping.WithWorkerUrl(cfg.WorkerUrl),
		ping.WithVersion(cfg.Version),
		ping.WithPeriod(cfg.PingPeriod),
		ping.WithMaxMissedPongs(cfg.MaxMissedPongs),
		ping.WithStateFunc(n.pingState),
		ping.WithAssignmentFunc(n.handleAssignment),
	)
	n.ping = ping.NewClient(
		protocol.ProtocolOptions{
			Logger:   logger,
			SendFunc: n.sendPing,
		},
		&pingConfig,
		signer,
	)
	queryConfig := query.NewConfig(
		// Results are bounded by the execution deadline rather than a tracker timer
		query.WithTimeout(0),
		query.WithSpanFunc(cfg.SpanFunc),
		query.WithLogger(logger),
	)
	n.tracker = query.NewTracker(&queryConfig)
	logsConfig := querylogs.NewConfig(
		querylogs.WithMaxBufferSize(cfg.MaxBufferSize),
		querylogs.WithFlushThreshold(cfg.FlushThreshold),
		querylogs.WithMaxBatchRecords(cfg.MaxBatchRecords),
		querylogs.WithDroppedFunc(func(count uint64) {
			n.metrics.LogsDropped.Add(float64(count))
		}),
		querylogs.WithLogger(logger),
	)
	n.logs = querylogs.NewBuffer(&logsConfig, signer)
	n.pool = newQueryPool(queryPoolConfig{
		NumWorkers: cfg.NumWorkers,
		QueueSize:  cfg.QueueSize,
		Exec:       n.execute,
		DepthFunc: func(depth int) {
			n.metrics.QueryQueueDepth.Set(float64(depth))
		},
	})
	return n, nil
}

// Start launches the receive, ping and flush loops and the query executors
func (n *Node) Start(ctx context.Context) {
	n.onceStart.Do(func() {
		ctx, n.cancel = context.WithCancel(ctx)
		n.pool.Start(ctx)
		n.waitGroup.Add(2)
		go n.receiveLoop(ctx)
		go n.flushLoop(ctx)
		// Sync the audit log sequence with the collector before any record
		// is sent
		n.requestFlush()
		n.ping.Start()
		n.logger.Info(
			"worker started",
			"version", n.config.Version,
			"scheduler_id", n.config.SchedulerId,
			"collector_id", n.config.CollectorId,
		)
	})
}

// Stop halts all loops. Queries still waiting for an executor are resolved
// as server errors. Pending audit records are flushed once more.
func (n *Node) Stop() {
	n.onceStop.Do(func() {
		n.ping.Stop()
		if n.cancel != nil {
			n.cancel()
		}
		for _, job := range n.pool.Stop() {
			n.resolve(
				context.Background(),
				job.key,
				query.NewOutcomeServerError("worker shutting down"),
				0,
			)
		}
		n.waitGroup.Wait()
		n.tracker.Stop()
		if err := n.flush(context.Background()); err != nil {
			n.logger.Warn("final log flush failed", "error", err)
		}
		n.logger.Info("worker stopped")
	})
}

// State returns the worker's range state
func (n *Node) State() *workerstate.WorkerState {
	return n.state
}

// PingState returns the worker's registration state with the scheduler
func (n *Node) PingState() protocol.State {
	return n.ping.State()
}

// Logs returns the audit record buffer
func (n *Node) Logs() *querylogs.Buffer {
	return n.logs
}

// Metrics returns the worker's metrics
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// RefreshLocal reloads the stored ranges from the storage layer
func (n *Node) RefreshLocal() {
	n.state.ReplaceLocal(n.storage.LocalRanges())
}

func (n *Node) pingState() (common.WorkerState, uint64) {
	n.RefreshLocal()
	storedBytes := n.storage.StoredBytes()
	n.metrics.StoredBytes.Set(float64(storedBytes))
	return n.state.Snapshot(), storedBytes
}

func (n *Node) handleAssignment(_ ping.CallbackContext, assignment common.WorkerState) error {
	if n.state.Assign(assignment) {
		n.metrics.AssignmentsApplied.Inc()
	}
	return nil
}

func (n *Node) sendPing(msg protocol.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.SendTimeout)
	defer cancel()
	if n.config.PingDirect {
		if n.config.SchedulerId == "" {
			return errors.New("no scheduler configured for direct pings")
		}
		err = n.transport.Send(ctx, n.config.SchedulerId, data)
	} else {
		err = n.transport.Publish(ctx, ping.Topic, data)
	}
	if err != nil {
		return err
	}
	n.metrics.PingsSent.Inc()
	return nil
}

func (n *Node) send(ctx context.Context, peerId string, msg protocol.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()
	return n.transport.Send(ctx, peerId, data)
}

func (n *Node) receiveLoop(ctx context.Context) {
	defer n.waitGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-n.transport.Messages():
			if !ok {
				return
			}
			n.handleInbound(ctx, inbound)
		}
	}
}

func (n *Node) handleInbound(ctx context.Context, inbound transport.Inbound) {
	msg, err := envelope.Decode(inbound.Data)
	if err != nil {
		n.metrics.ProtocolErrors.Inc()
		n.logger.Debug(
			"dropping malformed message",
			"remote_peer_id", inbound.PeerId,
			"error", err,
		)
		return
	}
	switch m := msg.(type) {
	case *query.MsgQuery:
		n.handleQuery(ctx, inbound.PeerId, m.Query)
	case *ping.MsgPong:
		if inbound.PeerId != n.config.SchedulerId {
			n.dropUnexpected(inbound.PeerId, msg)
			return
		}
		n.metrics.PongsReceived.WithLabelValues(m.Result.Status.String()).Inc()
		if err := n.ping.HandlePong(m); err != nil {
			n.logger.Debug("pong not applied", "error", err)
		}
	case *querylogs.MsgLogsCollected:
		if n.config.CollectorId == "" || inbound.PeerId != n.config.CollectorId {
			n.dropUnexpected(inbound.PeerId, msg)
			return
		}
		synced := n.logs.Synced()
		if err := n.logs.Ack(m); err != nil {
			n.logger.Warn("failed to apply logs acknowledgement", "error", err)
		}
		pending := n.logs.Pending()
		n.metrics.LogsPending.Set(float64(pending))
		if !synced && pending > 0 {
			n.requestFlush()
		}
	case *ping.MsgPing:
		// Other workers' pings are relayed on the shared topic
	default:
		n.dropUnexpected(inbound.PeerId, msg)
	}
}

func (n *Node) dropUnexpected(peerId string, msg protocol.Message) {
	n.metrics.ProtocolErrors.Inc()
	n.logger.Debug(
		"dropping unexpected message",
		"remote_peer_id", peerId,
		"type", fmt.Sprintf("%T", msg),
	)
}

func (n *Node) flushLoop(ctx context.Context) {
	defer n.waitGroup.Done()
	var tickChan <-chan time.Time
	if n.config.FlushInterval > 0 {
		ticker := time.NewTicker(n.config.FlushInterval)
		defer ticker.Stop()
		tickChan = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tickChan:
		case <-n.flushChan:
		}
		if err := n.flush(ctx); err != nil {
			n.logger.Warn("failed to send query logs", "error", err)
		}
	}
}

func (n *Node) requestFlush() {
	select {
	case n.flushChan <- struct{}{}:
	default:
	}
}

// flush sends the oldest pending audit records to the collector. Records
// stay buffered until the collector acknowledges them.
func (n *Node) flush(ctx context.Context) error {
	if n.config.CollectorId == "" {
		return nil
	}
	batch, err := n.logs.Batch()
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	if err := n.send(ctx, n.config.CollectorId, batch); err != nil {
		n.metrics.LogBatchErrors.Inc()
		return err
	}
	n.metrics.LogBatchesSent.Inc()
	n.logger.Debug("sent query logs", "records", len(batch.QueriesExecuted))
	return nil
}
