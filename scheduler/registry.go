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
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
	"golang.org/x/mod/semver"
)

var ErrUnknownWorker = errors.New("unknown worker")

// WorkerInfo is a worker's registry record
type WorkerInfo struct {
	WorkerId    string
	WorkerUrl   string
	Version     string
	StoredBytes uint64
	// Reported is the state carried by the last ping
	Reported   common.WorkerState
	Assignment common.WorkerState
	LastPing   time.Time
	// Active workers are part of the current assignment
	Active            bool
	Jailed            bool
	JailReason        string
	MissedAssignments uint
}

func newWorkerInfo(workerId string) *WorkerInfo {
	return &WorkerInfo{
		WorkerId:   workerId,
		Reported:   common.NewWorkerState(),
		Assignment: common.NewWorkerState(),
	}
}

func (w *WorkerInfo) clone() WorkerInfo {
	ret := *w
	ret.Reported = w.Reported.Clone()
	ret.Assignment = w.Assignment.Clone()
	return ret
}

// Register adds a worker to the registry. Registering a known worker is a no-op.
func (s *Scheduler) Register(workerId string) error {
	if _, err := common.PublicKeyFromPeerId(workerId); err != nil {
		return fmt.Errorf("scheduler: invalid worker ID %q: %w", workerId, err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.workers[workerId]; ok {
		return nil
	}
	s.workers[workerId] = newWorkerInfo(workerId)
	s.updateGaugesLocked()
	s.logger.Info("worker registered", "worker_id", workerId)
	return nil
}

// Unregister removes a worker. Its later pings are answered with not_registered
// unless auto-registration is enabled.
func (s *Scheduler) Unregister(workerId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	w, ok := s.workers[workerId]
	if !ok {
		return fmt.Errorf("scheduler: %w: %s", ErrUnknownWorker, workerId)
	}
	delete(s.workers, workerId)
	if w.Active {
		s.rebalanceLocked()
	}
	s.updateGaugesLocked()
	s.logger.Info("worker unregistered", "worker_id", workerId)
	return nil
}

// Jail excludes a worker from the assignment until it is reinstated
func (s *Scheduler) Jail(workerId string, reason string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	w, ok := s.workers[workerId]
	if !ok {
		return fmt.Errorf("scheduler: %w: %s", ErrUnknownWorker, workerId)
	}
	s.jailLocked(w, reason)
	return nil
}

// Reinstate releases a jailed worker. It rejoins the assignment on its next ping.
func (s *Scheduler) Reinstate(workerId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	w, ok := s.workers[workerId]
	if !ok {
		return fmt.Errorf("scheduler: %w: %s", ErrUnknownWorker, workerId)
	}
	if !w.Jailed {
		return nil
	}
	w.Jailed = false
	w.JailReason = ""
	w.MissedAssignments = 0
	s.updateGaugesLocked()
	s.logger.Info("worker reinstated", "worker_id", workerId)
	return nil
}

// Worker returns a copy of a worker's record
func (s *Scheduler) Worker(workerId string) (WorkerInfo, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	w, ok := s.workers[workerId]
	if !ok {
		return WorkerInfo{}, false
	}
	return w.clone(), true
}

// Workers returns copies of all records, sorted by worker ID
func (s *Scheduler) Workers() []WorkerInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		ret = append(ret, w.clone())
	}
	slices.SortFunc(ret, func(a, b WorkerInfo) int {
		return strings.Compare(a.WorkerId, b.WorkerId)
	})
	return ret
}

// WorkersFor returns the active workers assigned every block of span
func (s *Scheduler) WorkersFor(dataset string, span rangeset.Range) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var ret []string
	for id, w := range s.workers {
		if w.Active && w.Assignment.Covers(dataset, span) {
			ret = append(ret, id)
		}
	}
	slices.Sort(ret)
	return ret
}

// SetDataset adds or resizes a dataset and recomputes the assignment
func (s *Scheduler) SetDataset(dataset string, blocks rangeset.Range) error {
	if err := blocks.Validate(); err != nil {
		return fmt.Errorf("scheduler: dataset %s: %w", dataset, err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.datasets[dataset] = blocks
	s.rebalanceLocked()
	return nil
}

// RemoveDataset drops a dataset from the assignment
func (s *Scheduler) RemoveDataset(dataset string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.datasets[dataset]; !ok {
		return
	}
	delete(s.datasets, dataset)
	s.rebalanceLocked()
}

func (s *Scheduler) jailLocked(w *WorkerInfo, reason string) {
	w.Jailed = true
	w.JailReason = reason
	s.deactivateLocked(w)
	s.updateGaugesLocked()
	s.logger.Warn("worker jailed", "worker_id", w.WorkerId, "reason", reason)
}

func (s *Scheduler) deactivateLocked(w *WorkerInfo) {
	if !w.Active {
		return
	}
	w.Active = false
	s.rebalanceLocked()
}

// rebalanceLocked recomputes the assignment of every active worker
func (s *Scheduler) rebalanceLocked() {
	activeIds := make([]string, 0, len(s.workers))
	for id, w := range s.workers {
		if w.Active {
			activeIds = append(activeIds, id)
		}
	}
	slices.Sort(activeIds)
	assignments := s.config.Assigner.Assign(activeIds, s.datasets)
	for id, w := range s.workers {
		next, ok := assignments[id]
		if !ok || !w.Active {
			next = common.NewWorkerState()
		}
		if !next.Equal(w.Assignment) {
			w.MissedAssignments = 0
		}
		w.Assignment = next
	}
	s.metrics.Rebalances.Inc()
	s.updateGaugesLocked()
	s.logger.Debug("assignment recomputed", "active_workers", len(activeIds))
}

func (s *Scheduler) updateGaugesLocked() {
	var active, jailed int
	for _, w := range s.workers {
		if w.Active {
			active++
		}
		if w.Jailed {
			jailed++
		}
	}
	s.metrics.WorkersRegistered.Set(float64(len(s.workers)))
	s.metrics.WorkersActive.Set(float64(active))
	s.metrics.WorkersJailed.Set(float64(jailed))
}

// versionSupported compares the worker version with the configured minimum.
// Versions that are not valid semver are never supported.
func (s *Scheduler) versionSupported(version string) bool {
	if s.config.MinVersion == "" {
		return true
	}
	v := canonicalVersion(version)
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, canonicalVersion(s.config.MinVersion)) >= 0
}

func canonicalVersion(version string) string {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}

// coversAssignment reports whether the reported state holds every assigned range
func coversAssignment(reported common.WorkerState, assignment common.WorkerState) bool {
	for dataset, ranges := range assignment.Datasets {
		for _, r := range ranges.Ranges() {
			if !reported.Covers(dataset, r) {
				return false
			}
		}
	}
	return true
}
