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

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
)

// handleQuery runs the checks that happen before a query is queued. Queries
// that fail authentication are dropped without a reply.
func (n *Node) handleQuery(ctx context.Context, clientId string, q common.Query) {
	n.metrics.QueriesReceived.Inc()
	logger := n.logger.With("client_id", clientId, "query_id", q.QueryId)
	if len(q.Signature) > 0 {
		if err := q.Verify(n.verifier, clientId); err != nil {
			n.metrics.QueriesDropped.WithLabelValues("invalid_signature").Inc()
			logger.Debug("dropping query with invalid signature", "error", err)
			return
		}
	} else if n.config.RequireQuerySignature {
		n.metrics.QueriesDropped.WithLabelValues("unsigned").Inc()
		logger.Debug("dropping unsigned query")
		return
	}
	if err := n.tracker.Submit(clientId, q); err != nil {
		n.metrics.QueriesDropped.WithLabelValues("rejected").Inc()
		logger.Debug("dropping query", "error", err)
		return
	}
	submittedAt := time.Now()
	key := query.Key{ClientId: clientId, QueryId: q.QueryId}
	if n.config.SchedulerId != "" {
		msg := query.NewMsgQuerySubmitted(clientId, n.signer.PeerId(), q)
		if err := n.send(ctx, n.config.SchedulerId, msg); err != nil {
			logger.Debug("failed to notify scheduler of query", "error", err)
		}
	}
	span, err := n.tracker.Span(q)
	if err != nil {
		n.startAndResolve(ctx, key, query.OutcomeFromError(err))
		return
	}
	if !n.state.Covers(q.Dataset, span) {
		logger.Debug(
			"query not covered by assignment",
			"dataset", q.Dataset,
			"span", span.String(),
		)
		n.resolve(ctx, key, query.NewOutcomeNoAllocation(), 0)
		return
	}
	job := &queryJob{
		key:      key,
		query:    q,
		span:     span,
		deadline: submittedAt.Add(n.config.QueryTimeout),
	}
	if n.config.QueryTimeout <= 0 {
		job.deadline = time.Time{}
	}
	if !n.pool.Submit(job) {
		logger.Warn("query queue full")
		n.startAndResolve(ctx, key, query.NewOutcomeServerError("too many queries"))
	}
}

func (n *Node) startAndResolve(ctx context.Context, key query.Key, outcome query.QueryOutcome) {
	if err := n.tracker.Start(key, n.signer.PeerId()); err != nil {
		n.logger.Debug("failed to start query", "query_id", key.QueryId, "error", err)
		return
	}
	n.resolve(ctx, key, outcome, 0)
}

// execute runs a queued query against the storage layer
func (n *Node) execute(ctx context.Context, job *queryJob) {
	if err := n.tracker.Start(job.key, n.signer.PeerId()); err != nil {
		n.logger.Debug("failed to start query", "query_id", job.key.QueryId, "error", err)
		return
	}
	startTime := time.Now()
	var outcome query.QueryOutcome
	var numReadChunks uint64
	result, err := n.storage.Execute(ctx, job.query, job.span)
	n.metrics.QueryExecDuration.Observe(time.Since(startTime).Seconds())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = query.NewOutcomeServerError("query timed out")
	case err != nil:
		outcome = query.OutcomeFromError(err)
	default:
		numReadChunks = result.NumReadChunks
		outcome, err = compressResult(result)
		if err != nil {
			outcome = query.NewOutcomeServerError(err.Error())
		}
	}
	n.resolve(context.WithoutCancel(ctx), job.key, outcome, numReadChunks)
}

func compressResult(result ExecResult) (query.QueryOutcome, error) {
	data, err := compress(result.Data)
	if err != nil {
		return query.QueryOutcome{}, err
	}
	var execPlan []byte
	if result.ExecPlan != nil {
		execPlan, err = compress(result.ExecPlan)
		if err != nil {
			return query.QueryOutcome{}, err
		}
	}
	return query.NewOutcomeOk(data, execPlan), nil
}

// resolve records the terminal outcome of a query, replies to the client,
// appends the audit record and notifies the scheduler
func (n *Node) resolve(
	ctx context.Context,
	key query.Key,
	outcome query.QueryOutcome,
	numReadChunks uint64,
) {
	res, err := n.tracker.Resolve(key, outcome)
	if err != nil {
		n.logger.Debug("query already resolved", "query_id", key.QueryId, "error", err)
		return
	}
	n.metrics.QueriesResolved.WithLabelValues(outcome.Kind.String()).Inc()
	if err := n.send(ctx, key.ClientId, query.NewMsgQueryResult(key.QueryId, outcome)); err != nil {
		n.logger.Debug(
			"failed to send query result",
			"client_id", key.ClientId,
			"query_id", key.QueryId,
			"error", err,
		)
	}
	record := query.NewQueryExecuted(
		key.ClientId,
		n.signer.PeerId(),
		res.Query,
		query.NewExecutedOutcome(outcome, numReadChunks),
		res.ExecTimeMs,
		// #nosec G115 -- Unix timestamp in milliseconds is never negative
		uint64(time.Now().UnixMilli()),
	)
	_, flush, err := n.logs.Append(record)
	if err != nil {
		n.logger.Error("failed to record executed query", "query_id", key.QueryId, "error", err)
	} else if flush {
		n.requestFlush()
	}
	n.metrics.LogsPending.Set(float64(n.logs.Pending()))
	if n.config.SchedulerId != "" {
		msg := query.NewMsgQueryFinished(
			key.ClientId,
			n.signer.PeerId(),
			key.QueryId,
			outcome.Kind,
			res.ExecTimeMs,
		)
		if err := n.send(ctx, n.config.SchedulerId, msg); err != nil {
			n.logger.Debug("failed to notify scheduler of result", "error", err)
		}
	}
}
