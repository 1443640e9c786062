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
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/rangeset"
)

// queryJob is a query that passed the coverage check and waits for an executor
type queryJob struct {
	key      query.Key
	query    common.Query
	span     rangeset.Range
	deadline time.Time
}

type execFunc func(ctx context.Context, job *queryJob)

// queryPool runs queries on a fixed number of executors fed by a bounded queue
type queryPool struct {
	numWorkers int
	queue      chan *queryJob
	exec       execFunc
	depthFunc  func(int)
	wg         sync.WaitGroup
	started    atomic.Bool
	stopMutex  sync.RWMutex
	stopped    bool
}

type queryPoolConfig struct {
	// NumWorkers is the number of parallel executors; defaults to 1 if <= 0.
	NumWorkers int
	// QueueSize is the number of queries that can wait for an executor;
	// at least 1 since jobs are only handed over through the queue.
	QueueSize int
	// Exec runs a single query (required, panics if nil).
	Exec execFunc
	// DepthFunc is called with the queue depth whenever it changes; may be nil.
	DepthFunc func(int)
}

func newQueryPool(config queryPoolConfig) *queryPool {
	if config.Exec == nil {
		panic("query pool requires an exec func")
	}
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	queueSize := config.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &queryPool{
		numWorkers: numWorkers,
		queue:      make(chan *queryJob, queueSize),
		exec:       config.Exec,
		depthFunc:  config.DepthFunc,
	}
}

func (p *queryPool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return // Already started
	}
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues a job without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *queryPool) Submit(job *queryJob) bool {
	p.stopMutex.RLock()
	defer p.stopMutex.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- job:
		p.recordDepth()
		return true
	default:
		return false
	}
}

// Stop rejects new jobs and waits for the executors to finish. Jobs still
// queued are returned to the caller.
func (p *queryPool) Stop() []*queryJob {
	p.stopMutex.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.stopMutex.Unlock()
	p.wg.Wait()
	var remaining []*queryJob
	for job := range p.queue {
		remaining = append(remaining, job)
	}
	return remaining
}

func (p *queryPool) recordDepth() {
	if p.depthFunc != nil {
		p.depthFunc(len(p.queue))
	}
}

func (p *queryPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.recordDepth()
			var jobCtx context.Context
			var cancel context.CancelFunc
			if job.deadline.IsZero() {
				jobCtx, cancel = context.WithCancel(ctx)
			} else {
				jobCtx, cancel = context.WithDeadline(ctx, job.deadline)
			}
			p.exec(jobCtx, job)
			cancel()
		}
	}
}
