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

// Package collector implements the logs collector node. It accepts signed
// query log batches from workers, archives new records and acknowledges
// them with per-client watermarks.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/blinklabs-io/goarchive/envelope"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/protocol/querylogs"
	"github.com/blinklabs-io/goarchive/transport"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

// Collector is a logs collector bound to one transport and one archive
type Collector struct {
	config     Config
	logger     *slog.Logger
	transport  transport.Transport
	verifier   common.Verifier
	bucket     *blob.Bucket
	ownsBucket bool
	archive    *Archive
	metrics    *Metrics
	// Watermarks are the highest archived sequence number per worker and client
	mutex      sync.Mutex
	watermarks map[string]map[string]uint64
	cancel     context.CancelFunc
	waitGroup  sync.WaitGroup
	onceStart  sync.Once
	onceStop   sync.Once
}

func New(tr transport.Transport, cfg Config) (*Collector, error) {
	if tr == nil {
		return nil, errors.New("collector: transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		config:     cfg,
		transport:  tr,
		bucket:     cfg.Bucket,
		metrics:    NewMetrics(cfg.Registerer),
		watermarks: make(map[string]map[string]uint64),
	}
	c.logger = logger.With(
		"component", "collector",
		"role", "collector",
		"peer_id", tr.LocalPeerId(),
	)
	c.verifier = cfg.Verifier
	if c.verifier == nil {
		c.verifier = common.NewKeyRing(logger)
	}
	if c.bucket == nil {
		c.bucket = memblob.OpenBucket(nil)
		c.ownsBucket = true
	}
	archive, err := NewArchive(c.bucket, cfg.Prefix)
	if err != nil {
		if c.ownsBucket {
			_ = c.bucket.Close()
		}
		return nil, fmt.Errorf("collector: %w", err)
	}
	c.archive = archive
	return c, nil
}

func (c *Collector) Start(ctx context.Context) {
	c.onceStart.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.waitGroup.Add(1)
		go c.receiveLoop(ctx)
		c.logger.Info("collector started", "prefix", c.config.Prefix)
	})
}

func (c *Collector) Stop() {
	c.onceStop.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.waitGroup.Wait()
		if err := c.archive.Close(); err != nil {
			c.logger.Warn("failed to close archive", "error", err)
		}
		if c.ownsBucket {
			if err := c.bucket.Close(); err != nil {
				c.logger.Warn("failed to close bucket", "error", err)
			}
		}
		c.logger.Info("collector stopped")
	})
}

// Archive returns the record archive
func (c *Collector) Archive() *Archive {
	return c.archive
}

// Metrics returns the collector's metrics
func (c *Collector) Metrics() *Metrics {
	return c.metrics
}

// Watermarks returns the per-client watermarks known for a worker. Only
// workers that sent a batch since startup are loaded.
func (c *Collector) Watermarks(workerId string) map[string]uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return maps.Clone(c.watermarks[workerId])
}

func (c *Collector) receiveLoop(ctx context.Context) {
	defer c.waitGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-c.transport.Messages():
			if !ok {
				return
			}
			c.handleInbound(ctx, inbound)
		}
	}
}

func (c *Collector) handleInbound(ctx context.Context, inbound transport.Inbound) {
	msg, err := envelope.Decode(inbound.Data)
	if err != nil {
		c.metrics.ProtocolErrors.Inc()
		c.logger.Debug(
			"dropping malformed message",
			"remote_peer_id", inbound.PeerId,
			"error", err,
		)
		return
	}
	m, ok := msg.(*querylogs.MsgQueryLogs)
	if !ok {
		c.metrics.ProtocolErrors.Inc()
		c.logger.Debug(
			"dropping unexpected message",
			"remote_peer_id", inbound.PeerId,
			"type", fmt.Sprintf("%T", msg),
		)
		return
	}
	c.metrics.BatchesReceived.Inc()
	ack, err := c.collect(ctx, inbound.PeerId, m)
	if err != nil {
		c.logger.Warn(
			"query log batch not collected",
			"worker_id", inbound.PeerId,
			"records", len(m.QueriesExecuted),
			"error", err,
		)
		return
	}
	if err := c.send(ctx, inbound.PeerId, ack); err != nil {
		c.logger.Warn(
			"failed to acknowledge query logs",
			"worker_id", inbound.PeerId,
			"error", err,
		)
	}
}

func (c *Collector) reject(reason string, err error) error {
	c.metrics.BatchesRejected.WithLabelValues(reason).Inc()
	return err
}

// collect authenticates a batch, archives the records above the watermarks
// and returns the acknowledgement. Batches that fail are not acknowledged so
// the worker sends them again. An empty batch is answered with the current
// watermarks, which is how a restarted worker syncs its sequence numbers.
func (c *Collector) collect(
	ctx context.Context,
	workerId string,
	m *querylogs.MsgQueryLogs,
) (*querylogs.MsgLogsCollected, error) {
	if err := m.Verify(c.verifier, workerId); err != nil {
		return nil, c.reject("signature", err)
	}
	for i := range m.QueriesExecuted {
		record := &m.QueriesExecuted[i]
		if record.WorkerId != workerId {
			return nil, c.reject(
				"worker_mismatch",
				fmt.Errorf(
					"%w: record %d belongs to worker %s",
					protocol.ErrInvalidSignature,
					record.SeqNo,
					record.WorkerId,
				),
			)
		}
		if err := record.Verify(c.verifier); err != nil {
			return nil, c.reject("record_signature", err)
		}
	}
	watermarks, err := c.loadWatermarks(ctx, workerId)
	if err != nil {
		c.metrics.ArchiveErrors.Inc()
		return nil, err
	}
	updated := maps.Clone(watermarks)
	var accepted []query.QueryExecuted
	for _, record := range m.QueriesExecuted {
		if seqNo, ok := updated[record.ClientId]; ok && record.SeqNo <= seqNo {
			continue
		}
		updated[record.ClientId] = record.SeqNo
		accepted = append(accepted, record)
	}
	duplicates := len(m.QueriesExecuted) - len(accepted)
	if len(accepted) > 0 {
		key, err := c.archive.WriteBatch(ctx, workerId, accepted)
		if err != nil {
			c.metrics.ArchiveErrors.Inc()
			return nil, err
		}
		c.mutex.Lock()
		c.watermarks[workerId] = updated
		c.mutex.Unlock()
		if err := c.archive.SaveWatermarks(ctx, workerId, updated); err != nil {
			// The archive is written, so the batch is acknowledged anyway
			c.metrics.ArchiveErrors.Inc()
			c.logger.Warn(
				"failed to persist watermarks",
				"worker_id", workerId,
				"error", err,
			)
		}
		c.logger.Debug(
			"archived query logs",
			"worker_id", workerId,
			"key", key,
			"records", len(accepted),
		)
	}
	c.metrics.RecordsCollected.Add(float64(len(accepted)))
	c.metrics.RecordsDuplicate.Add(float64(duplicates))
	return querylogs.NewMsgLogsCollected(updated), nil
}

func (c *Collector) loadWatermarks(ctx context.Context, workerId string) (map[string]uint64, error) {
	c.mutex.Lock()
	watermarks, ok := c.watermarks[workerId]
	c.mutex.Unlock()
	if ok {
		return watermarks, nil
	}
	watermarks, err := c.archive.LoadWatermarks(ctx, workerId)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	c.watermarks[workerId] = watermarks
	c.mutex.Unlock()
	return watermarks, nil
}

func (c *Collector) send(ctx context.Context, peerId string, msg protocol.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	if c.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.SendTimeout)
		defer cancel()
	}
	return c.transport.Send(ctx, peerId, data)
}
