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

package scheduler_test

import (
	"fmt"
	"testing"

	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workerIds(n int) []string {
	ret := make([]string, n)
	for i := range ret {
		ret[i] = fmt.Sprintf("worker-%02d", i)
	}
	return ret
}

func TestRendezvousAssignerReplication(t *testing.T) {
	a := scheduler.NewRendezvousAssigner(100, 2)
	datasets := map[string]rangeset.Range{
		"eth": rangeset.MustRange(0, 1000),
		"sol": rangeset.MustRange(500, 750),
	}
	ids := workerIds(5)
	assignments := a.Assign(ids, datasets)
	require.Len(t, assignments, len(ids))
	for dataset, blocks := range datasets {
		for begin := blocks.Begin; begin < blocks.End; begin += 100 {
			chunk := rangeset.MustRange(begin, min(begin+100, blocks.End))
			owners := 0
			for _, id := range ids {
				if assignments[id].Covers(dataset, chunk) {
					owners++
				}
			}
			assert.Equal(t, 2, owners, "chunk %s of %s", chunk, dataset)
		}
	}
}

func TestRendezvousAssignerDeterministic(t *testing.T) {
	a := scheduler.NewRendezvousAssigner(10, 1)
	datasets := map[string]rangeset.Range{"eth": rangeset.MustRange(0, 500)}
	ids := workerIds(4)
	first := a.Assign(ids, datasets)
	reversed := []string{ids[3], ids[2], ids[1], ids[0]}
	second := a.Assign(reversed, datasets)
	for _, id := range ids {
		assert.True(t, first[id].Equal(second[id]), "worker %s", id)
	}
}

func TestRendezvousAssignerMinimalMovement(t *testing.T) {
	a := scheduler.NewRendezvousAssigner(10, 2)
	datasets := map[string]rangeset.Range{"eth": rangeset.MustRange(0, 2000)}
	ids := workerIds(6)
	before := a.Assign(ids, datasets)
	// Remove one worker; the others keep everything they had
	after := a.Assign(ids[1:], datasets)
	for _, id := range ids[1:] {
		for _, r := range before[id].Ranges("eth").Ranges() {
			assert.True(t, after[id].Covers("eth", r), "worker %s lost %s", id, r)
		}
	}
	assert.NotContains(t, after, ids[0])
}

func TestRendezvousAssignerSmallCluster(t *testing.T) {
	a := scheduler.NewRendezvousAssigner(100, 3)
	datasets := map[string]rangeset.Range{"eth": rangeset.MustRange(0, 250)}
	assignments := a.Assign([]string{"only"}, datasets)
	assert.True(t, assignments["only"].Covers("eth", rangeset.MustRange(0, 250)))

	assert.Empty(t, a.Assign(nil, datasets))

	empty := a.Assign(workerIds(2), nil)
	require.Len(t, empty, 2)
	for _, state := range empty {
		assert.Empty(t, state.DatasetRanges())
	}
}
