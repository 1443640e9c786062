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

// Package client sends queries to workers and waits for their results
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/goarchive/envelope"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/transport"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Request describes a query to run on a worker
type Request struct {
	Dataset         string
	Query           string
	Profiling       bool
	ClientStateJson *string
}

// Result is a successful query result with decompressed data
type Result struct {
	QueryId  string
	WorkerId string
	Data     []byte
	// ExecPlan is only set for profiled queries
	ExecPlan []byte
	Duration time.Duration
}

type Client struct {
	config    Config
	logger    *slog.Logger
	signer    common.Signer
	transport transport.Transport
	tracker   *query.Tracker
	mutex     sync.Mutex
	waiters   map[query.Key]chan query.Resolution
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

func New(signer common.Signer, tr transport.Transport, cfg Config) (*Client, error) {
	if signer == nil || tr == nil {
		return nil, errors.New("client: signer and transport are required")
	}
	if tr.LocalPeerId() != signer.PeerId() {
		return nil, fmt.Errorf(
			"client: transport peer ID %s does not match signer %s",
			tr.LocalPeerId(),
			signer.PeerId(),
		)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config:    cfg,
		signer:    signer,
		transport: tr,
		waiters:   make(map[query.Key]chan query.Resolution),
	}
	c.logger = logger.With(
		"component", "client",
		"role", "client",
		"peer_id", signer.PeerId(),
	)
	queryConfig := query.NewConfig(
		query.WithTimeout(cfg.Timeout),
		query.WithTimeoutFunc(c.deliver),
		query.WithLogger(logger),
	)
	c.tracker = query.NewTracker(&queryConfig)
	return c, nil
}

func (c *Client) Start(ctx context.Context) {
	c.onceStart.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.waitGroup.Add(1)
		go c.receiveLoop(ctx)
	})
}

func (c *Client) Stop() {
	c.onceStop.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.waitGroup.Wait()
		c.tracker.Stop()
	})
}

// Query sends a query to a worker and waits for the result. Failure
// outcomes are returned as errors: protocol.ErrNoAllocation,
// protocol.ErrTimeout, *query.BadRequestError or a server error.
func (c *Client) Query(ctx context.Context, workerId string, req Request) (*Result, error) {
	q := common.Query{
		QueryId:         uuid.NewString(),
		Dataset:         req.Dataset,
		Query:           req.Query,
		Profiling:       req.Profiling,
		ClientStateJson: req.ClientStateJson,
	}
	if c.config.SignQueries {
		if err := q.Sign(c.signer); err != nil {
			return nil, fmt.Errorf("client: sign query: %w", err)
		}
	}
	key := query.Key{ClientId: workerId, QueryId: q.QueryId}
	waiter := make(chan query.Resolution, 1)
	c.mutex.Lock()
	c.waiters[key] = waiter
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		delete(c.waiters, key)
		c.mutex.Unlock()
	}()
	if err := c.tracker.Submit(workerId, q); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if err := c.send(ctx, workerId, query.NewMsgQuery(q)); err != nil {
		// Executing is the only state a server error can resolve from
		_ = c.tracker.Start(key, workerId)
		_, _ = c.tracker.Resolve(key, query.NewOutcomeServerError(err.Error()))
		return nil, fmt.Errorf("client: send query: %w", err)
	}
	c.logger.Debug(
		"query sent",
		"worker_id", workerId,
		"query_id", q.QueryId,
		"dataset", q.Dataset,
	)
	select {
	case res := <-waiter:
		return c.result(workerId, res)
	case <-ctx.Done():
		_, _ = c.tracker.Resolve(key, query.NewOutcomeTimeout())
		return nil, ctx.Err()
	}
}

func (c *Client) result(workerId string, res query.Resolution) (*Result, error) {
	if err := res.Outcome.Err(); err != nil {
		return nil, fmt.Errorf("query %s on %s: %w", res.Key.QueryId, workerId, err)
	}
	data, err := decompress(res.Outcome.Data)
	if err != nil {
		return nil, fmt.Errorf("query %s: decompress result: %w", res.Key.QueryId, err)
	}
	ret := &Result{
		QueryId:  res.Key.QueryId,
		WorkerId: workerId,
		Data:     data,
		Duration: time.Since(res.SubmittedAt),
	}
	if len(res.Outcome.ExecPlan) > 0 {
		ret.ExecPlan, err = decompress(res.Outcome.ExecPlan)
		if err != nil {
			return nil, fmt.Errorf("query %s: decompress exec plan: %w", res.Key.QueryId, err)
		}
	}
	return ret, nil
}

func (c *Client) deliver(res query.Resolution) {
	c.mutex.Lock()
	waiter, ok := c.waiters[res.Key]
	c.mutex.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- res:
	default:
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer c.waitGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-c.transport.Messages():
			if !ok {
				return
			}
			c.handleInbound(inbound)
		}
	}
}

func (c *Client) handleInbound(inbound transport.Inbound) {
	msg, err := envelope.Decode(inbound.Data)
	if err != nil {
		c.logger.Debug(
			"dropping malformed message",
			"remote_peer_id", inbound.PeerId,
			"error", err,
		)
		return
	}
	m, ok := msg.(*query.MsgQueryResult)
	if !ok {
		c.logger.Debug(
			"dropping unexpected message",
			"remote_peer_id", inbound.PeerId,
			"type", fmt.Sprintf("%T", msg),
		)
		return
	}
	key := query.Key{ClientId: inbound.PeerId, QueryId: m.QueryId}
	switch m.Outcome.Kind {
	case query.OutcomeOk, query.OutcomeBadRequest, query.OutcomeServerError:
		// Unknown queries fail again in Resolve below
		_ = c.tracker.Start(key, inbound.PeerId)
	}
	res, err := c.tracker.Resolve(key, m.Outcome)
	if err != nil {
		c.logger.Debug(
			"dropping result",
			"worker_id", inbound.PeerId,
			"query_id", m.QueryId,
			"error", err,
		)
		return
	}
	c.deliver(res)
}

func (c *Client) send(ctx context.Context, peerId string, msg *query.MsgQuery) error {
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

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
