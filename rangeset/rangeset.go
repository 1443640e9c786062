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

// Package rangeset implements sets of half-open block ranges kept in
// canonical form: sorted by begin, with no two ranges overlapping or touching.
package rangeset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blinklabs-io/goarchive/cbor"
)

var ErrInvalidRange = errors.New("invalid range")

// Range is the half-open block interval [Begin, End)
type Range struct {
	cbor.StructAsArray
	Begin uint64
	End   uint64
}

func NewRange(begin, end uint64) (Range, error) {
	r := Range{Begin: begin, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// MustRange is NewRange for literals known to be valid
func MustRange(begin, end uint64) Range {
	r, err := NewRange(begin, end)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Range) Validate() error {
	if r.Begin > r.End {
		return fmt.Errorf("%w: begin %d > end %d", ErrInvalidRange, r.Begin, r.End)
	}
	return nil
}

func (r Range) IsEmpty() bool {
	return r.Begin >= r.End
}

func (r Range) Len() uint64 {
	if r.IsEmpty() {
		return 0
	}
	return r.End - r.Begin
}

func (r Range) Contains(p uint64) bool {
	return p >= r.Begin && p < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Begin, r.End)
}

// Set is a canonical collection of ranges. The zero value is an empty set
// ready for use. A Set is not safe for concurrent mutation.
type Set struct {
	ranges []Range
}

// New builds a canonical set from arbitrary (possibly overlapping) ranges
func New(ranges ...Range) (Set, error) {
	var s Set
	for _, r := range ranges {
		if err := s.Insert(r); err != nil {
			return Set{}, err
		}
	}
	return s, nil
}

// MustNew is New for literals known to be valid
func MustNew(ranges ...Range) Set {
	s, err := New(ranges...)
	if err != nil {
		panic(err)
	}
	return s
}

// Insert merges r into the set. Empty ranges are ignored.
func (s *Set) Insert(r Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.IsEmpty() {
		return nil
	}
	// First range whose end reaches r.Begin; everything before it stays untouched
	lo := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= r.Begin
	})
	// First range that starts strictly after r.End; it stays untouched too
	hi := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Begin > r.End
	})
	merged := Range{Begin: r.Begin, End: r.End}
	if lo < hi {
		merged.Begin = min(merged.Begin, s.ranges[lo].Begin)
		merged.End = max(merged.End, s.ranges[hi-1].End)
	}
	tmp := make([]Range, 0, len(s.ranges)-(hi-lo)+1)
	tmp = append(tmp, s.ranges[:lo]...)
	tmp = append(tmp, merged)
	tmp = append(tmp, s.ranges[hi:]...)
	s.ranges = tmp
	return nil
}

// Remove deletes every point of r from the set
func (s *Set) Remove(r Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.IsEmpty() || len(s.ranges) == 0 {
		return nil
	}
	tmp := make([]Range, 0, len(s.ranges)+1)
	for _, cur := range s.ranges {
		if cur.End <= r.Begin || cur.Begin >= r.End {
			tmp = append(tmp, cur)
			continue
		}
		if cur.Begin < r.Begin {
			tmp = append(tmp, Range{Begin: cur.Begin, End: r.Begin})
		}
		if cur.End > r.End {
			tmp = append(tmp, Range{Begin: r.End, End: cur.End})
		}
	}
	s.ranges = tmp
	return nil
}

// Covers reports whether point p is in the set
func (s Set) Covers(p uint64) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > p
	})
	return i < len(s.ranges) && s.ranges[i].Contains(p)
}

// Contains reports whether every point of r is in the set. The empty range
// is always contained.
func (s Set) Contains(r Range) bool {
	if r.IsEmpty() {
		return r.Validate() == nil
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > r.Begin
	})
	// Canonical form means a single range must hold all of r
	return i < len(s.ranges) &&
		s.ranges[i].Begin <= r.Begin &&
		s.ranges[i].End >= r.End
}

// Missing returns the parts of requested that are not in the set
func (s Set) Missing(requested Range) Set {
	ret := Set{}
	if requested.IsEmpty() {
		return ret
	}
	ret.ranges = []Range{{Begin: requested.Begin, End: requested.End}}
	for _, r := range s.ranges {
		if r.Begin >= requested.End {
			break
		}
		// Each range in s is valid, so this cannot fail
		_ = ret.Remove(r)
	}
	return ret
}

// Union returns a new set with the points of both sets
func (s Set) Union(other Set) Set {
	ret := s.Clone()
	for _, r := range other.ranges {
		_ = ret.Insert(r)
	}
	return ret
}

// Intersect returns a new set with the points present in both sets
func (s Set) Intersect(other Set) Set {
	ret := Set{}
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		begin := max(a.Begin, b.Begin)
		end := min(a.End, b.End)
		if begin < end {
			ret.ranges = append(ret.ranges, Range{Begin: begin, End: end})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return ret
}

// Difference returns a new set with the points of s that are not in other
func (s Set) Difference(other Set) Set {
	ret := s.Clone()
	for _, r := range other.ranges {
		_ = ret.Remove(r)
	}
	return ret
}

// Ranges returns a copy of the canonical ranges
func (s Set) Ranges() []Range {
	ret := make([]Range, len(s.ranges))
	copy(ret, s.ranges)
	return ret
}

// Len returns the number of disjoint ranges
func (s Set) Len() int {
	return len(s.ranges)
}

// Size returns the number of points (blocks) in the set
func (s Set) Size() uint64 {
	var ret uint64
	for _, r := range s.ranges {
		ret += r.Len()
	}
	return ret
}

func (s Set) IsEmpty() bool {
	return len(s.ranges) == 0
}

func (s Set) Clone() Set {
	if s.ranges == nil {
		return Set{}
	}
	return Set{ranges: s.Ranges()}
}

func (s Set) Equal(other Set) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if s.ranges[i].Begin != other.ranges[i].Begin ||
			s.ranges[i].End != other.ranges[i].End {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		parts = append(parts, r.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s Set) MarshalCBOR() ([]byte, error) {
	ranges := s.ranges
	if ranges == nil {
		ranges = []Range{}
	}
	return cbor.Encode(ranges)
}

// UnmarshalCBOR accepts any list of valid ranges and stores it in canonical form
func (s *Set) UnmarshalCBOR(data []byte) error {
	var ranges []Range
	if _, err := cbor.Decode(data, &ranges); err != nil {
		return err
	}
	tmp, err := New(ranges...)
	if err != nil {
		return err
	}
	*s = tmp
	return nil
}
