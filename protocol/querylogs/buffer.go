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

package querylogs

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
)

// Buffer holds a worker's pending audit records until a collector
// acknowledges them. Sequence numbers come from a single counter for the
// worker's whole stream and are assigned under the same lock as the append,
// so they are strictly increasing with no repeats.
//
// A new buffer is unsynced: it does not know which sequence numbers the
// collector already holds for this worker from an earlier run. Until the
// first acknowledgement arrives, Batch returns an empty sync batch and no
// records are sent.
type Buffer struct {
	config    *Config
	logger    *slog.Logger
	signer    common.Signer
	mu        sync.Mutex
	synced    bool
	nextSeqNo uint64
	records   []query.QueryExecuted
	dropped   uint64
}

func NewBuffer(cfg *Config, signer common.Signer) *Buffer {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		config: cfg,
		signer: signer,
		logger: logger.With(
			"component", "query_logs",
			"peer_id", signer.PeerId(),
		),
	}
}

// Append numbers and signs a record and adds it to the buffer. It returns
// the stored record and whether the flush threshold has been reached. When
// the buffer is full the oldest record is dropped.
func (b *Buffer) Append(record query.QueryExecuted) (query.QueryExecuted, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record.WorkerId = b.signer.PeerId()
	record.SeqNo = b.nextSeqNo
	record.SetCbor(nil)
	if err := record.Sign(b.signer); err != nil {
		return query.QueryExecuted{}, false, fmt.Errorf("%s: sign record: %w", ProtocolName, err)
	}
	b.nextSeqNo++
	var dropped uint64
	if b.config.MaxBufferSize > 0 {
		for len(b.records) >= b.config.MaxBufferSize {
			b.records = b.records[1:]
			dropped++
		}
	}
	b.records = append(b.records, record)
	if dropped > 0 {
		b.dropped += dropped
		b.logger.Warn(
			"query log buffer full, dropped oldest records",
			"dropped", dropped,
			"total_dropped", b.dropped,
		)
		if b.config.DroppedFunc != nil {
			b.config.DroppedFunc(dropped)
		}
	}
	flush := b.config.FlushThreshold > 0 && len(b.records) >= b.config.FlushThreshold
	return record, flush, nil
}

// Batch returns a signed batch of the oldest pending records, or nil when
// there is nothing to send. Before the buffer is synced it returns an empty
// batch, which the collector answers with its current watermarks. Records
// stay buffered until acknowledged.
func (b *Buffer) Batch() (*MsgQueryLogs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synced {
		msg := NewMsgQueryLogs(nil)
		if err := msg.Sign(b.signer); err != nil {
			return nil, fmt.Errorf("%s: sign batch: %w", ProtocolName, err)
		}
		return msg, nil
	}
	if len(b.records) == 0 {
		return nil, nil
	}
	count := len(b.records)
	if b.config.MaxBatchRecords > 0 && count > b.config.MaxBatchRecords {
		count = b.config.MaxBatchRecords
	}
	records := make([]query.QueryExecuted, count)
	copy(records, b.records[:count])
	msg := NewMsgQueryLogs(records)
	if err := msg.Sign(b.signer); err != nil {
		return nil, fmt.Errorf("%s: sign batch: %w", ProtocolName, err)
	}
	return msg, nil
}

// Ack applies a collector acknowledgement. The first one syncs the buffer:
// pending records are renumbered past every watermark so the collector does
// not mistake them for records of an earlier run. After that, covered
// records are evicted first, and if a watermark is still at or past the
// local counter the remaining records are renumbered and re-signed.
func (b *Buffer) Ack(msg *MsgLogsCollected) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var highest uint64
	for _, seqNo := range msg.SequenceNumbers {
		highest = max(highest, seqNo)
	}
	if !b.synced {
		// Nothing has been sent yet, so no record is covered by these
		// watermarks even if its number is
		b.synced = true
		if len(msg.SequenceNumbers) == 0 {
			return nil
		}
		if highest >= b.nextSeqNo || (len(b.records) > 0 && b.records[0].SeqNo <= highest) {
			return b.renumber(highest)
		}
		return nil
	}
	if len(msg.SequenceNumbers) == 0 {
		return nil
	}
	workerId := b.signer.PeerId()
	before := len(b.records)
	kept := b.records[:0]
	for _, record := range b.records {
		if isCollected(msg.SequenceNumbers, workerId, record) {
			continue
		}
		kept = append(kept, record)
	}
	// Clear the tail so evicted records can be garbage collected
	for i := len(kept); i < len(b.records); i++ {
		b.records[i] = query.QueryExecuted{}
	}
	b.records = kept
	b.logger.Debug(
		"query logs collected",
		"evicted", before-len(b.records),
		"pending", len(b.records),
	)
	if highest >= b.nextSeqNo {
		return b.renumber(highest)
	}
	return nil
}

func isCollected(
	watermarks map[string]uint64,
	workerId string,
	record query.QueryExecuted,
) bool {
	if seqNo, ok := watermarks[workerId]; ok && record.SeqNo <= seqNo {
		return true
	}
	if seqNo, ok := watermarks[record.ClientId]; ok && record.SeqNo <= seqNo {
		return true
	}
	return false
}

// renumber moves the pending records and the counter past the collector's
// highest watermark, re-signing each record
func (b *Buffer) renumber(highest uint64) error {
	if uint64(len(b.records)) >= math.MaxUint64-highest {
		return fmt.Errorf(
			"%s: %w: watermark %d leaves no room for %d records",
			ProtocolName,
			protocol.ErrProtocol,
			highest,
			len(b.records),
		)
	}
	nextSeqNo := highest + 1
	b.logger.Info(
		"collector is ahead of local sequence numbers, renumbering pending records",
		"from", b.nextSeqNo,
		"to", nextSeqNo,
	)
	for i := range b.records {
		b.records[i].SeqNo = nextSeqNo + uint64(i)
		b.records[i].SetCbor(nil)
		if err := b.records[i].Sign(b.signer); err != nil {
			return fmt.Errorf("%s: sign record: %w", ProtocolName, err)
		}
	}
	b.nextSeqNo = nextSeqNo + uint64(len(b.records))
	return nil
}

// Pending returns the number of buffered records
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Records returns a copy of the buffered records, oldest first
func (b *Buffer) Records() []query.QueryExecuted {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]query.QueryExecuted, len(b.records))
	copy(ret, b.records)
	return ret
}

// Synced reports whether an acknowledgement has been applied since the
// buffer was created
func (b *Buffer) Synced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced
}

// NextSeqNo returns the sequence number the next record will get
func (b *Buffer) NextSeqNo() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeqNo
}

// Dropped returns the number of records lost to overflow
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
