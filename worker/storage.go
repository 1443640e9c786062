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
	"fmt"
	"sort"
	"sync"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/goccy/go-json"
)

var ErrChunkOverlap = errors.New("chunk overlaps stored data")

// ExecResult is the uncompressed output of a query execution
type ExecResult struct {
	Data          []byte
	ExecPlan      []byte
	NumReadChunks uint64
}

// Storage is the boundary to the dataset storage layer. Execute returns a
// *query.BadRequestError for failures caused by the query itself; any other
// error is reported as a server error.
type Storage interface {
	LocalRanges() common.WorkerState
	StoredBytes() uint64
	Execute(ctx context.Context, query common.Query, span rangeset.Range) (ExecResult, error)
}

type memoryChunk struct {
	blocks rangeset.Range
	rows   []json.RawMessage
	size   uint64
}

// MemoryStorage keeps chunks of JSON rows in memory. A query returns the
// rows of every chunk that overlaps its block span, as a JSON array.
type MemoryStorage struct {
	mu          sync.RWMutex
	chunks      map[string][]memoryChunk
	storedBytes uint64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		chunks: make(map[string][]memoryChunk),
	}
}

// AddChunk stores the rows for a block range of a dataset
func (s *MemoryStorage) AddChunk(dataset string, blocks rangeset.Range, rows []json.RawMessage) error {
	if err := blocks.Validate(); err != nil {
		return err
	}
	if blocks.IsEmpty() {
		return fmt.Errorf("%w: %s", rangeset.ErrInvalidRange, blocks)
	}
	chunk := memoryChunk{
		blocks: blocks,
		rows:   make([]json.RawMessage, len(rows)),
	}
	for i, row := range rows {
		if !json.Valid(row) {
			return fmt.Errorf("row %d is not valid JSON", i)
		}
		chunk.rows[i] = append(json.RawMessage(nil), row...)
		chunk.size += uint64(len(row))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := s.chunks[dataset]
	idx := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].blocks.Begin >= blocks.Begin
	})
	if idx > 0 && chunks[idx-1].blocks.End > blocks.Begin {
		return fmt.Errorf("%w: %s %s", ErrChunkOverlap, dataset, blocks)
	}
	if idx < len(chunks) && chunks[idx].blocks.Begin < blocks.End {
		return fmt.Errorf("%w: %s %s", ErrChunkOverlap, dataset, blocks)
	}
	chunks = append(chunks, memoryChunk{})
	copy(chunks[idx+1:], chunks[idx:])
	chunks[idx] = chunk
	s.chunks[dataset] = chunks
	s.storedBytes += chunk.size
	return nil
}

// RemoveChunks deletes every chunk that overlaps the block range
func (s *MemoryStorage) RemoveChunks(dataset string, blocks rangeset.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := s.chunks[dataset]
	kept := chunks[:0]
	for _, chunk := range chunks {
		if overlaps(chunk.blocks, blocks) {
			s.storedBytes -= chunk.size
			continue
		}
		kept = append(kept, chunk)
	}
	if len(kept) == 0 {
		delete(s.chunks, dataset)
		return
	}
	s.chunks[dataset] = kept
}

func (s *MemoryStorage) LocalRanges() common.WorkerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := common.NewWorkerState()
	for dataset, chunks := range s.chunks {
		var set rangeset.Set
		for _, chunk := range chunks {
			// Chunks are validated on insert
			_ = set.Insert(chunk.blocks)
		}
		ret.Datasets[dataset] = set
	}
	return ret
}

func (s *MemoryStorage) StoredBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storedBytes
}

type memoryExecPlan struct {
	Chunks []string `json:"chunks"`
	Rows   int      `json:"rows"`
}

func (s *MemoryStorage) Execute(
	ctx context.Context,
	q common.Query,
	span rangeset.Range,
) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	s.mu.RLock()
	var covered rangeset.Set
	rows := make([]json.RawMessage, 0)
	plan := memoryExecPlan{Chunks: []string{}}
	var numReadChunks uint64
	for _, chunk := range s.chunks[q.Dataset] {
		if !overlaps(chunk.blocks, span) {
			continue
		}
		_ = covered.Insert(chunk.blocks)
		rows = append(rows, chunk.rows...)
		plan.Chunks = append(plan.Chunks, chunk.blocks.String())
		numReadChunks++
	}
	s.mu.RUnlock()
	if !covered.Contains(span) {
		return ExecResult{}, fmt.Errorf(
			"blocks %s of dataset %s are not stored",
			covered.Missing(span),
			q.Dataset,
		)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return ExecResult{}, err
	}
	ret := ExecResult{
		Data:          data,
		NumReadChunks: numReadChunks,
	}
	if q.Profiling {
		plan.Rows = len(rows)
		execPlan, err := json.Marshal(plan)
		if err != nil {
			return ExecResult{}, err
		}
		ret.ExecPlan = execPlan
	}
	return ret, nil
}

func overlaps(a, b rangeset.Range) bool {
	return a.Begin < b.End && b.Begin < a.End
}
