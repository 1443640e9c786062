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

package worker_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/goarchive/envelope"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/ping"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/protocol/querylogs"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/transport"
	"github.com/blinklabs-io/goarchive/worker"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type peer struct {
	signer *common.Ed25519Signer
	tr     *transport.HubTransport
}

type harness struct {
	node      *worker.Node
	worker    peer
	scheduler peer
	collector peer
	client    peer
	registry  *prometheus.Registry
}

func newPeer(t *testing.T, hub *transport.Hub) peer {
	t.Helper()
	signer, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	tr, err := hub.Join(signer.PeerId())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return peer{signer: signer, tr: tr}
}

func newHarness(t *testing.T, storage worker.Storage, options ...worker.WorkerOptionFunc) *harness {
	t.Helper()
	hub := transport.NewHub(transport.NewConfig())
	h := &harness{
		worker:    newPeer(t, hub),
		scheduler: newPeer(t, hub),
		collector: newPeer(t, hub),
		client:    newPeer(t, hub),
		registry:  prometheus.NewRegistry(),
	}
	require.NoError(t, h.scheduler.tr.Subscribe(ping.Topic))
	options = append(
		[]worker.WorkerOptionFunc{
			worker.WithSchedulerId(h.scheduler.signer.PeerId()),
			worker.WithCollectorId(h.collector.signer.PeerId()),
			worker.WithPingPeriod(time.Hour),
			worker.WithFlushInterval(time.Hour),
			worker.WithNumWorkers(2),
			worker.WithRegisterer(h.registry),
		},
		options...,
	)
	node, err := worker.New(
		h.worker.signer,
		h.worker.tr,
		storage,
		worker.NewConfig(options...),
	)
	require.NoError(t, err)
	h.node = node
	node.Start(context.Background())
	t.Cleanup(node.Stop)
	return h
}

func (h *harness) send(t *testing.T, from peer, msg protocol.Message) {
	t.Helper()
	data, err := envelope.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, from.tr.Send(context.Background(), h.worker.signer.PeerId(), data))
}

// receive returns the next message for the peer, skipping pings
func receive(t *testing.T, p peer) protocol.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case inbound := <-p.tr.Messages():
			msg, err := envelope.Decode(inbound.Data)
			require.NoError(t, err)
			if _, ok := msg.(*ping.MsgPing); ok {
				continue
			}
			return msg
		case <-timeout:
			require.FailNow(t, "timed out waiting for message")
		}
	}
}

func assertNothing(t *testing.T, p peer) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case inbound := <-p.tr.Messages():
			msg, err := envelope.Decode(inbound.Data)
			require.NoError(t, err)
			if _, ok := msg.(*ping.MsgPing); ok {
				continue
			}
			assert.Failf(t, "unexpected message", "%T", msg)
			return
		case <-timeout:
			return
		}
	}
}

func receiveResult(t *testing.T, p peer) *query.MsgQueryResult {
	t.Helper()
	msg := receive(t, p)
	res, ok := msg.(*query.MsgQueryResult)
	require.True(t, ok, "expected query result, got %T", msg)
	return res
}

func gunzip(t *testing.T, data []byte) string {
	t.Helper()
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Close()
	ret, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(ret)
}

func testStorage(t *testing.T) *worker.MemoryStorage {
	t.Helper()
	s := worker.NewMemoryStorage()
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(0, 50), rows(`{"n":1}`)))
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(50, 100), rows(`{"n":2}`)))
	return s
}

func newQuery(id string, body string) common.Query {
	return common.Query{
		QueryId: id,
		Dataset: "ds",
		Query:   body,
	}
}

func TestQueryOk(t *testing.T) {
	h := newHarness(t, testStorage(t))
	q := newQuery("q1", `{"fromBlock":10,"toBlock":60}`)
	q.Profiling = true
	require.NoError(t, q.Sign(h.client.signer))
	h.send(t, h.client, query.NewMsgQuery(q))

	res := receiveResult(t, h.client)
	assert.Equal(t, "q1", res.QueryId)
	require.Equal(t, query.OutcomeOk, res.Outcome.Kind)
	assert.JSONEq(t, `[{"n":1},{"n":2}]`, gunzip(t, res.Outcome.Data))
	assert.JSONEq(t, `{"chunks":["[0,50)","[50,100)"],"rows":2}`, gunzip(t, res.Outcome.ExecPlan))

	submitted, ok := receive(t, h.scheduler).(*query.MsgQuerySubmitted)
	require.True(t, ok)
	assert.Equal(t, h.client.signer.PeerId(), submitted.ClientId)
	assert.Equal(t, h.worker.signer.PeerId(), submitted.WorkerId)
	assert.Equal(t, "q1", submitted.QueryId)
	assert.Equal(t, q.Hash(), submitted.QueryHash)
	finished, ok := receive(t, h.scheduler).(*query.MsgQueryFinished)
	require.True(t, ok)
	assert.Equal(t, query.OutcomeOk, finished.Status)

	records := h.node.Logs().Records()
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, uint64(0), record.SeqNo)
	assert.Equal(t, h.client.signer.PeerId(), record.ClientId)
	assert.Equal(t, uint64(2), record.Outcome.NumReadChunks)
	assert.Equal(t, common.NewSizeAndHash(res.Outcome.Data), record.Outcome.Output)
	assert.NoError(t, record.Verify(common.NewKeyRing(nil)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.node.Metrics().QueriesResolved.WithLabelValues("ok")))
}

func TestQueryBadRequest(t *testing.T) {
	h := newHarness(t, testStorage(t))
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", "not json")))
	res := receiveResult(t, h.client)
	assert.Equal(t, query.OutcomeBadRequest, res.Outcome.Kind)
	assert.NotEmpty(t, res.Outcome.Message)
	h.send(t, h.client, query.NewMsgQuery(newQuery("q2", `{"toBlock":1}`)))
	res = receiveResult(t, h.client)
	assert.Equal(t, query.OutcomeBadRequest, res.Outcome.Kind)
}

func TestQueryOutsideStoredRanges(t *testing.T) {
	h := newHarness(t, testStorage(t))
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":90,"toBlock":100}`)))
	res := receiveResult(t, h.client)
	assert.Equal(t, query.OutcomeNoAllocation, res.Outcome.Kind)
	// No execution took place
	records := h.node.Logs().Records()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(0), records[0].ExecTimeMs)
	assert.Equal(t, query.OutcomeNoAllocation, records[0].Outcome.Kind)
}

func TestAssignmentNarrowsCoverage(t *testing.T) {
	h := newHarness(t, testStorage(t))
	// The first ping goes out on the topic as soon as the node starts
	var pingMsg *ping.MsgPing
	select {
	case inbound := <-h.scheduler.tr.Messages():
		msg, err := envelope.Decode(inbound.Data)
		require.NoError(t, err)
		var ok bool
		pingMsg, ok = msg.(*ping.MsgPing)
		require.True(t, ok, "expected ping, got %T", msg)
		assert.Equal(t, ping.Topic, inbound.Topic)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no ping received")
	}
	assert.Equal(t, worker.Version, pingMsg.Version)
	assert.Equal(t, uint64(14), pingMsg.StoredBytes)
	assert.Equal(t, "{[0,100)}", pingMsg.State.Ranges("ds").String())
	require.NoError(t, pingMsg.Verify(common.NewKeyRing(nil)))

	hash, err := pingMsg.Hash()
	require.NoError(t, err)
	assignment := common.NewWorkerState()
	assignment.Datasets["ds"] = rangeset.MustNew(rangeset.MustRange(0, 80))
	h.send(t, h.scheduler, ping.NewMsgPong(hash, ping.NewPongActive(assignment)))
	require.Eventually(t, func() bool {
		return h.node.State().Servable("ds").String() == "{[0,80)}"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ping.StateActive, h.node.PingState())

	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":85,"toBlock":90}`)))
	assert.Equal(t, query.OutcomeNoAllocation, receiveResult(t, h.client).Outcome.Kind)
	h.send(t, h.client, query.NewMsgQuery(newQuery("q2", `{"fromBlock":10,"toBlock":20}`)))
	assert.Equal(t, query.OutcomeOk, receiveResult(t, h.client).Outcome.Kind)
}

func TestPongFromOtherPeerIgnored(t *testing.T) {
	h := newHarness(t, testStorage(t))
	h.send(t, h.client, ping.NewMsgPong(common.Blake2b256{}, ping.NewPongJailed("no")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.node.Metrics().ProtocolErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ping.StateStarting, h.node.PingState())
}

func TestQueryAuthentication(t *testing.T) {
	h := newHarness(t, testStorage(t), worker.WithRequireQuerySignature(true))
	// Signed by a key other than the sender's
	forged := newQuery("q1", `{"fromBlock":1}`)
	require.NoError(t, forged.Sign(h.collector.signer))
	h.send(t, h.client, query.NewMsgQuery(forged))
	unsigned := newQuery("q2", `{"fromBlock":1}`)
	h.send(t, h.client, query.NewMsgQuery(unsigned))
	assertNothing(t, h.client)
	dropped := h.node.Metrics().QueriesDropped
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.WithLabelValues("invalid_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.WithLabelValues("unsigned")))
	assert.Empty(t, h.node.Logs().Records())

	signed := newQuery("q3", `{"fromBlock":1}`)
	require.NoError(t, signed.Sign(h.client.signer))
	h.send(t, h.client, query.NewMsgQuery(signed))
	assert.Equal(t, query.OutcomeOk, receiveResult(t, h.client).Outcome.Kind)
}

func TestDuplicateQueryIdsPerClient(t *testing.T) {
	storage := newBlockingStorage(testStorage(t))
	h := newHarness(t, storage)
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	<-storage.started
	// Same ID from the same client while in flight is dropped, from another client it is not
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	h.send(t, h.scheduler, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	<-storage.started
	storage.release()
	assert.Equal(t, query.OutcomeOk, receiveResult(t, h.client).Outcome.Kind)
	assertNothing(t, h.client)
	require.Eventually(t, func() bool {
		return len(h.node.Logs().Records()) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// blockingStorage holds every execution until released
type blockingStorage struct {
	*worker.MemoryStorage
	started     chan struct{}
	releaseChan chan struct{}
	onceRelease sync.Once
}

func newBlockingStorage(s *worker.MemoryStorage) *blockingStorage {
	return &blockingStorage{
		MemoryStorage: s,
		started:       make(chan struct{}, 10),
		releaseChan:   make(chan struct{}),
	}
}

func (s *blockingStorage) release() {
	s.onceRelease.Do(func() { close(s.releaseChan) })
}

func (s *blockingStorage) Execute(
	ctx context.Context,
	q common.Query,
	span rangeset.Range,
) (worker.ExecResult, error) {
	s.started <- struct{}{}
	select {
	case <-s.releaseChan:
	case <-ctx.Done():
		return worker.ExecResult{}, ctx.Err()
	}
	return s.MemoryStorage.Execute(ctx, q, span)
}

func TestQueueFull(t *testing.T) {
	storage := newBlockingStorage(testStorage(t))
	defer storage.release()
	h := newHarness(
		t,
		storage,
		worker.WithNumWorkers(1),
		worker.WithQueueSize(1),
	)
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	<-storage.started
	h.send(t, h.client, query.NewMsgQuery(newQuery("q2", `{"fromBlock":1}`)))
	h.send(t, h.client, query.NewMsgQuery(newQuery("q3", `{"fromBlock":1}`)))
	res := receiveResult(t, h.client)
	assert.Equal(t, "q3", res.QueryId)
	assert.Equal(t, query.OutcomeServerError, res.Outcome.Kind)
	storage.release()
	got := map[string]query.OutcomeKind{}
	for range 2 {
		res := receiveResult(t, h.client)
		got[res.QueryId] = res.Outcome.Kind
	}
	assert.Equal(t, map[string]query.OutcomeKind{"q1": query.OutcomeOk, "q2": query.OutcomeOk}, got)
}

func TestQueryTimeout(t *testing.T) {
	storage := newBlockingStorage(testStorage(t))
	defer storage.release()
	h := newHarness(t, storage, worker.WithQueryTimeout(50*time.Millisecond))
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	res := receiveResult(t, h.client)
	assert.Equal(t, query.OutcomeServerError, res.Outcome.Kind)
	assert.Equal(t, "query timed out", res.Outcome.Message)
}

func TestLogsFlushAndAck(t *testing.T) {
	h := newHarness(t, testStorage(t), worker.WithFlushThreshold(1))

	// The first batch carries no records and asks for the watermarks
	syncBatch, ok := receive(t, h.collector).(*querylogs.MsgQueryLogs)
	require.True(t, ok)
	assert.Empty(t, syncBatch.QueriesExecuted)
	require.NoError(t, syncBatch.Verify(common.NewKeyRing(nil), h.worker.signer.PeerId()))
	h.send(t, h.collector, querylogs.NewMsgLogsCollected(nil))
	require.Eventually(t, h.node.Logs().Synced, 5*time.Second, 10*time.Millisecond)

	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	receiveResult(t, h.client)

	batch, ok := receive(t, h.collector).(*querylogs.MsgQueryLogs)
	require.True(t, ok)
	require.Len(t, batch.QueriesExecuted, 1)
	require.NoError(t, batch.Verify(common.NewKeyRing(nil), h.worker.signer.PeerId()))
	assert.Equal(t, uint64(0), batch.QueriesExecuted[0].SeqNo)

	// Only the configured collector may acknowledge
	ack := querylogs.NewMsgLogsCollected(map[string]uint64{h.client.signer.PeerId(): 0})
	h.send(t, h.client, ack)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.node.Metrics().ProtocolErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.node.Logs().Pending())

	h.send(t, h.collector, ack)
	require.Eventually(t, func() bool {
		return h.node.Logs().Pending() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.node.Metrics().LogsPending))
}

func TestLogsRenumberedAfterSync(t *testing.T) {
	h := newHarness(t, testStorage(t), worker.WithFlushThreshold(1))
	_, ok := receive(t, h.collector).(*querylogs.MsgQueryLogs)
	require.True(t, ok)

	// Queries served before the sync are held back
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	receiveResult(t, h.client)
	require.Eventually(t, func() bool {
		return h.node.Logs().Pending() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The collector already holds records of an earlier run
	h.send(t, h.collector, querylogs.NewMsgLogsCollected(map[string]uint64{"c0": 7}))
	for {
		batch, ok := receive(t, h.collector).(*querylogs.MsgQueryLogs)
		require.True(t, ok)
		if len(batch.QueriesExecuted) == 0 {
			// A flush raced the acknowledgement
			continue
		}
		require.Len(t, batch.QueriesExecuted, 1)
		assert.Equal(t, uint64(8), batch.QueriesExecuted[0].SeqNo)
		require.NoError(t, batch.QueriesExecuted[0].Verify(common.NewKeyRing(nil)))
		break
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	h := newHarness(t, testStorage(t))
	require.NoError(t, h.client.tr.Send(context.Background(), h.worker.signer.PeerId(), []byte{0xff}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.node.Metrics().ProtocolErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	// The node keeps serving
	h.send(t, h.client, query.NewMsgQuery(newQuery("q1", `{"fromBlock":1}`)))
	assert.Equal(t, query.OutcomeOk, receiveResult(t, h.client).Outcome.Kind)
}

func TestNewRejectsMismatchedTransport(t *testing.T) {
	hub := transport.NewHub(transport.NewConfig())
	p := newPeer(t, hub)
	other, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	_, err = worker.New(other, p.tr, worker.NewMemoryStorage(), worker.NewConfig())
	assert.Error(t, err)
	_, err = worker.New(other, nil, worker.NewMemoryStorage(), worker.NewConfig())
	assert.Error(t, err)
}
