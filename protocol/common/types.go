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

// The common package contains types used by multiple protocols
package common

import (
	"maps"
	"slices"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/rangeset"
)

// WorkerState is the set of block ranges per dataset that a worker holds or
// is assigned
type WorkerState struct {
	cbor.StructAsArray
	Datasets map[string]rangeset.Set
}

func NewWorkerState() WorkerState {
	return WorkerState{
		Datasets: make(map[string]rangeset.Set),
	}
}

// WorkerStateFromRanges builds a WorkerState from the per-dataset list form
func WorkerStateFromRanges(ranges []DatasetRanges) WorkerState {
	ret := NewWorkerState()
	for _, dr := range ranges {
		ret.Datasets[dr.Dataset] = ret.Ranges(dr.Dataset).Union(dr.Ranges)
	}
	return ret
}

// Ranges returns the ranges for the dataset, or an empty set
func (w WorkerState) Ranges(dataset string) rangeset.Set {
	return w.Datasets[dataset].Clone()
}

// Covers reports whether every block of r is present for the dataset
func (w WorkerState) Covers(dataset string, r rangeset.Range) bool {
	s, ok := w.Datasets[dataset]
	if !ok {
		return r.IsEmpty()
	}
	return s.Contains(r)
}

// DatasetNames returns the dataset names in sorted order
func (w WorkerState) DatasetNames() []string {
	return slices.Sorted(maps.Keys(w.Datasets))
}

// DatasetRanges returns the list form, sorted by dataset name. Datasets with
// no ranges are omitted.
func (w WorkerState) DatasetRanges() []DatasetRanges {
	ret := make([]DatasetRanges, 0, len(w.Datasets))
	for _, name := range w.DatasetNames() {
		s := w.Datasets[name]
		if s.IsEmpty() {
			continue
		}
		ret = append(ret, DatasetRanges{Dataset: name, Ranges: s.Clone()})
	}
	return ret
}

// Equal compares two states ignoring datasets with no ranges
func (w WorkerState) Equal(other WorkerState) bool {
	a := w.DatasetRanges()
	b := other.DatasetRanges()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Dataset != b[i].Dataset || !a[i].Ranges.Equal(b[i].Ranges) {
			return false
		}
	}
	return true
}

func (w WorkerState) Clone() WorkerState {
	ret := NewWorkerState()
	for name, s := range w.Datasets {
		ret.Datasets[name] = s.Clone()
	}
	return ret
}

// DatasetRanges is the stored range list of one dataset
type DatasetRanges struct {
	cbor.StructAsArray
	Dataset string
	Ranges  rangeset.Set
}

// Query is a client request to run a query string against a dataset
type Query struct {
	cbor.StructAsArray
	QueryId         string
	Dataset         string
	Query           string
	Profiling       bool
	ClientStateJson *string
	Signature       []byte
}

// SignedPayload returns the bytes covered by the query signature
func (q Query) SignedPayload() ([]byte, error) {
	q.Signature = nil
	return cbor.Encode(q)
}

// Sign fills in the signature using the signer's key
func (q *Query) Sign(signer Signer) error {
	payload, err := q.SignedPayload()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return err
	}
	q.Signature = sig
	return nil
}

// Verify checks the query signature as produced by the specified peer
func (q Query) Verify(verifier Verifier, peerId string) error {
	payload, err := q.SignedPayload()
	if err != nil {
		return err
	}
	return verifier.Verify(peerId, payload, q.Signature)
}

// Hash returns the SHA3-256 digest of the query string
func (q Query) Hash() []byte {
	return Sha3_256([]byte(q.Query))
}

// SizeAndHash describes an output blob by its length and SHA3-256 digest
type SizeAndHash struct {
	cbor.StructAsArray
	Size     uint64
	Sha3_256 []byte
}

func NewSizeAndHash(data []byte) SizeAndHash {
	return SizeAndHash{
		Size:     uint64(len(data)),
		Sha3_256: Sha3_256(data),
	}
}
