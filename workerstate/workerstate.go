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

// Package workerstate tracks the block ranges a worker holds locally and the
// ranges the scheduler has assigned to it. The storage driver is the only
// writer of local ranges; query handling and the ping loop read concurrently.
package workerstate

import (
	"log/slog"
	"sync"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
)

type WorkerState struct {
	mutex      sync.RWMutex
	logger     *slog.Logger
	local      map[string]rangeset.Set
	assignment *common.WorkerState
}

func New(logger *slog.Logger) *WorkerState {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerState{
		logger: logger.With("component", "workerstate"),
		local:  make(map[string]rangeset.Set),
	}
}

// Add records a newly stored range for the dataset
func (w *WorkerState) Add(dataset string, r rangeset.Range) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	s := w.local[dataset]
	if err := s.Insert(r); err != nil {
		return err
	}
	w.local[dataset] = s
	return nil
}

// SetLocal replaces the stored ranges for the dataset
func (w *WorkerState) SetLocal(dataset string, s rangeset.Set) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if s.IsEmpty() {
		delete(w.local, dataset)
		return
	}
	w.local[dataset] = s.Clone()
}

// ReplaceLocal replaces all stored ranges with the specified state
func (w *WorkerState) ReplaceLocal(state common.WorkerState) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.local = make(map[string]rangeset.Set, len(state.Datasets))
	for dataset, s := range state.Datasets {
		if s.IsEmpty() {
			continue
		}
		w.local[dataset] = s.Clone()
	}
}

// Drop removes a range that is no longer stored
func (w *WorkerState) Drop(dataset string, r rangeset.Range) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	s, ok := w.local[dataset]
	if !ok {
		return r.Validate()
	}
	if err := s.Remove(r); err != nil {
		return err
	}
	if s.IsEmpty() {
		delete(w.local, dataset)
	} else {
		w.local[dataset] = s
	}
	return nil
}

// Assign replaces the scheduler's assignment and reports whether it changed
func (w *WorkerState) Assign(assignment common.WorkerState) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.assignment != nil && w.assignment.Equal(assignment) {
		return false
	}
	tmp := assignment.Clone()
	w.assignment = &tmp
	w.logger.Info(
		"assignment updated",
		"datasets", len(tmp.DatasetRanges()),
	)
	return true
}

// Assignment returns the latest assignment, if one has been received
func (w *WorkerState) Assignment() (common.WorkerState, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if w.assignment == nil {
		return common.WorkerState{}, false
	}
	return w.assignment.Clone(), true
}

// LocalRanges returns the ranges stored for the dataset
func (w *WorkerState) LocalRanges(dataset string) rangeset.Set {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.local[dataset].Clone()
}

// Servable returns the ranges that queries may read: the stored ranges,
// narrowed to the assignment once one is known
func (w *WorkerState) Servable(dataset string) rangeset.Set {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.servable(dataset)
}

func (w *WorkerState) servable(dataset string) rangeset.Set {
	local := w.local[dataset]
	if w.assignment == nil {
		return local.Clone()
	}
	return local.Intersect(w.assignment.Datasets[dataset])
}

// Covers reports whether every block of the span is servable
func (w *WorkerState) Covers(dataset string, span rangeset.Range) bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	s := w.servable(dataset)
	return s.Contains(span)
}

// Missing returns the assigned ranges that are not stored yet
func (w *WorkerState) Missing(dataset string) rangeset.Set {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if w.assignment == nil {
		return rangeset.Set{}
	}
	return w.assignment.Datasets[dataset].Difference(w.local[dataset])
}

// Snapshot returns a copy of the stored ranges, as reported in pings
func (w *WorkerState) Snapshot() common.WorkerState {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	ret := common.NewWorkerState()
	for dataset, s := range w.local {
		ret.Datasets[dataset] = s.Clone()
	}
	return ret
}

// StoredRanges returns the stored ranges in list form
func (w *WorkerState) StoredRanges() []common.DatasetRanges {
	return w.Snapshot().DatasetRanges()
}
