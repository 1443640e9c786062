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
	"context"
	"testing"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/worker"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(values ...string) []json.RawMessage {
	ret := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		ret = append(ret, json.RawMessage(v))
	}
	return ret
}

func TestMemoryStorageChunks(t *testing.T) {
	s := worker.NewMemoryStorage()
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(0, 10), rows(`{"n":1}`)))
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(20, 30), rows(`{"n":2}`, `{"n":3}`)))
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(10, 20), rows()))
	assert.ErrorIs(t, s.AddChunk("ds", rangeset.MustRange(5, 15), nil), worker.ErrChunkOverlap)
	assert.ErrorIs(t, s.AddChunk("ds", rangeset.MustRange(25, 26), nil), worker.ErrChunkOverlap)
	assert.ErrorIs(t, s.AddChunk("ds", rangeset.MustRange(40, 40), nil), rangeset.ErrInvalidRange)
	assert.Error(t, s.AddChunk("ds", rangeset.MustRange(40, 50), rows("{")))
	assert.Equal(t, "{[0,30)}", s.LocalRanges().Ranges("ds").String())
	assert.Equal(t, uint64(21), s.StoredBytes())

	s.RemoveChunks("ds", rangeset.MustRange(15, 16))
	assert.Equal(t, "{[0,10),[20,30)}", s.LocalRanges().Ranges("ds").String())
	s.RemoveChunks("ds", rangeset.MustRange(0, 100))
	assert.Empty(t, s.LocalRanges().DatasetNames())
	assert.Equal(t, uint64(0), s.StoredBytes())
}

func TestMemoryStorageExecute(t *testing.T) {
	s := worker.NewMemoryStorage()
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(0, 10), rows(`{"n":1}`)))
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(10, 20), rows(`{"n":2}`)))
	require.NoError(t, s.AddChunk("ds", rangeset.MustRange(20, 30), rows(`{"n":3}`)))
	ctx := context.Background()

	res, err := s.Execute(ctx, common.Query{Dataset: "ds"}, rangeset.MustRange(5, 15))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"n":1},{"n":2}]`, string(res.Data))
	assert.Equal(t, uint64(2), res.NumReadChunks)
	assert.Nil(t, res.ExecPlan)

	res, err = s.Execute(ctx, common.Query{Dataset: "ds", Profiling: true}, rangeset.MustRange(25, 26))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"n":3}]`, string(res.Data))
	assert.JSONEq(t, `{"chunks":["[20,30)"],"rows":1}`, string(res.ExecPlan))

	_, err = s.Execute(ctx, common.Query{Dataset: "ds"}, rangeset.MustRange(25, 35))
	assert.ErrorContains(t, err, "not stored")
	_, err = s.Execute(ctx, common.Query{Dataset: "other"}, rangeset.MustRange(0, 1))
	assert.Error(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Execute(canceled, common.Query{Dataset: "ds"}, rangeset.MustRange(0, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
