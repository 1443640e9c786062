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
	"testing"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryPoolRunsJobs(t *testing.T) {
	var mu sync.Mutex
	var done []string
	var depths []int
	pool := newQueryPool(queryPoolConfig{
		NumWorkers: 3,
		QueueSize:  10,
		Exec: func(ctx context.Context, job *queryJob) {
			mu.Lock()
			defer mu.Unlock()
			done = append(done, job.key.QueryId)
		},
		DepthFunc: func(depth int) {
			mu.Lock()
			defer mu.Unlock()
			depths = append(depths, depth)
		},
	})
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, pool.Submit(&queryJob{key: query.Key{QueryId: id}}))
	}
	pool.Start(context.Background())
	assert.Empty(t, pool.Stop())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, done)
	assert.NotEmpty(t, depths)
	assert.False(t, pool.Submit(&queryJob{}))
}

func TestQueryPoolDeadline(t *testing.T) {
	errs := make(chan error, 1)
	pool := newQueryPool(queryPoolConfig{
		QueueSize: 1,
		Exec: func(ctx context.Context, job *queryJob) {
			<-ctx.Done()
			errs <- ctx.Err()
		},
	})
	pool.Start(context.Background())
	defer pool.Stop()
	require.True(t, pool.Submit(&queryJob{deadline: time.Now().Add(10 * time.Millisecond)}))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "job deadline never expired")
	}
}

func TestQueryPoolZeroQueueSize(t *testing.T) {
	ran := make(chan string, 1)
	pool := newQueryPool(queryPoolConfig{
		Exec: func(ctx context.Context, job *queryJob) {
			ran <- job.key.QueryId
		},
	})
	// An unbuffered queue would refuse every job without a waiting executor
	require.True(t, pool.Submit(&queryJob{key: query.Key{QueryId: "a"}}))
	assert.False(t, pool.Submit(&queryJob{key: query.Key{QueryId: "b"}}))
	pool.Start(context.Background())
	select {
	case id := <-ran:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "queued job never ran")
	}
	assert.Empty(t, pool.Stop())
}

func TestQueryPoolStopReturnsQueuedJobs(t *testing.T) {
	pool := newQueryPool(queryPoolConfig{
		QueueSize: 2,
		Exec:      func(context.Context, *queryJob) {},
	})
	assert.True(t, pool.Submit(&queryJob{key: query.Key{QueryId: "a"}}))
	assert.True(t, pool.Submit(&queryJob{key: query.Key{QueryId: "b"}}))
	assert.False(t, pool.Submit(&queryJob{key: query.Key{QueryId: "c"}}))
	// Never started, so both jobs are handed back
	remaining := pool.Stop()
	assert.Len(t, remaining, 2)
}

func TestQueryPoolRequiresExec(t *testing.T) {
	assert.Panics(t, func() {
		newQueryPool(queryPoolConfig{})
	})
}
