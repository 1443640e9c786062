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

package scheduler

import (
	"sort"
	"strconv"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/cespare/xxhash/v2"
)

const (
	DefaultChunkSize   = 100_000
	DefaultReplication = 2
)

// Assigner decides which block ranges each active worker serves. The result
// has an entry for every worker passed in.
type Assigner interface {
	Assign(workerIds []string, datasets map[string]rangeset.Range) map[string]common.WorkerState
}

// RendezvousAssigner splits each dataset into fixed-size chunks and gives
// every chunk to the Replication workers with the highest rendezvous score.
// Adding or removing a worker only moves the chunks it wins or loses.
type RendezvousAssigner struct {
	ChunkSize   uint64
	Replication int
}

func NewRendezvousAssigner(chunkSize uint64, replication int) *RendezvousAssigner {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if replication <= 0 {
		replication = DefaultReplication
	}
	return &RendezvousAssigner{
		ChunkSize:   chunkSize,
		Replication: replication,
	}
}

type rendezvousCandidate struct {
	id   string
	salt uint64
}

func (a *RendezvousAssigner) Assign(
	workerIds []string,
	datasets map[string]rangeset.Range,
) map[string]common.WorkerState {
	ret := make(map[string]common.WorkerState, len(workerIds))
	candidates := make([]rendezvousCandidate, 0, len(workerIds))
	for _, id := range workerIds {
		ret[id] = common.NewWorkerState()
		candidates = append(candidates, rendezvousCandidate{
			id:   id,
			salt: xxhash.Sum64String(id),
		})
	}
	if len(candidates) == 0 {
		return ret
	}
	chunkSize := a.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	for dataset, blocks := range datasets {
		for begin := blocks.Begin; begin < blocks.End; {
			end := blocks.End
			if blocks.End-begin > chunkSize {
				end = begin + chunkSize
			}
			chunk := rangeset.Range{Begin: begin, End: end}
			for _, id := range a.owners(candidates, chunkHash(dataset, begin)) {
				s := ret[id].Datasets[dataset]
				// Chunks are valid by construction
				_ = s.Insert(chunk)
				ret[id].Datasets[dataset] = s
			}
			begin = end
		}
	}
	return ret
}

func chunkHash(dataset string, begin uint64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(dataset)
	_, _ = d.WriteString("/")
	_, _ = d.WriteString(strconv.FormatUint(begin, 10))
	return d.Sum64()
}

// owners returns the top Replication candidates for a chunk hash
func (a *RendezvousAssigner) owners(candidates []rendezvousCandidate, keyHash uint64) []string {
	type pair struct {
		s  uint64 // rendezvous score
		id string
	}
	arr := make([]pair, 0, len(candidates))
	for _, c := range candidates {
		arr = append(arr, pair{s: mix64(keyHash ^ c.salt), id: c.id})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].s != arr[j].s {
			return arr[i].s > arr[j].s
		}
		return arr[i].id < arr[j].id // tie-break
	})
	n := a.Replication
	if n <= 0 {
		n = DefaultReplication
	}
	if n > len(arr) {
		n = len(arr)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = arr[i].id
	}
	return out
}

// mix64: fast 64-bit mixer (SplitMix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
