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

package rangeset_test

import (
	"math/rand"
	"testing"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func r(begin, end uint64) rangeset.Range {
	return rangeset.MustRange(begin, end)
}

func assertCanonical(t *testing.T, s rangeset.Set) {
	t.Helper()
	ranges := s.Ranges()
	for i, cur := range ranges {
		assert.Less(t, cur.Begin, cur.End, "range %d is empty: %s", i, s)
		if i > 0 {
			// Strictly greater: touching ranges must have been merged
			assert.Greater(t, cur.Begin, ranges[i-1].End, "ranges %d and %d overlap or touch: %s", i-1, i, s)
		}
	}
}

func TestNewRangeInvalid(t *testing.T) {
	_, err := rangeset.NewRange(10, 5)
	assert.ErrorIs(t, err, rangeset.ErrInvalidRange)
	var s rangeset.Set
	assert.ErrorIs(t, s.Insert(rangeset.Range{Begin: 3, End: 1}), rangeset.ErrInvalidRange)
	assert.ErrorIs(t, s.Remove(rangeset.Range{Begin: 3, End: 1}), rangeset.ErrInvalidRange)
	assert.True(t, s.IsEmpty())
}

func TestInsertMerges(t *testing.T) {
	testDefs := []struct {
		name     string
		inserts  []rangeset.Range
		expected []rangeset.Range
	}{
		{
			name:     "disjoint",
			inserts:  []rangeset.Range{r(10, 20), r(0, 5)},
			expected: []rangeset.Range{r(0, 5), r(10, 20)},
		},
		{
			name:     "adjacent ranges are merged",
			inserts:  []rangeset.Range{r(0, 10), r(10, 20)},
			expected: []rangeset.Range{r(0, 20)},
		},
		{
			name:     "bridge between two ranges",
			inserts:  []rangeset.Range{r(0, 10), r(20, 30), r(5, 25)},
			expected: []rangeset.Range{r(0, 30)},
		},
		{
			name:     "contained range is a no-op",
			inserts:  []rangeset.Range{r(0, 100), r(20, 30)},
			expected: []rangeset.Range{r(0, 100)},
		},
		{
			name:     "empty range is ignored",
			inserts:  []rangeset.Range{r(0, 10), r(50, 50)},
			expected: []rangeset.Range{r(0, 10)},
		},
		{
			name:     "swallows several ranges",
			inserts:  []rangeset.Range{r(1, 2), r(3, 4), r(5, 6), r(7, 8), r(0, 9)},
			expected: []rangeset.Range{r(0, 9)},
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			s, err := rangeset.New(testDef.inserts...)
			require.NoError(t, err)
			assert.Equal(t, testDef.expected, s.Ranges())
			assertCanonical(t, s)
		})
	}
}

func TestRandomInsertsMatchBitmap(t *testing.T) {
	const universe = 512
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		var s rangeset.Set
		var bitmap [universe]bool
		for n := rng.Intn(20); n > 0; n-- {
			begin := uint64(rng.Intn(universe))
			end := begin + uint64(rng.Intn(universe-int(begin)+1))
			require.NoError(t, s.Insert(r(begin, end)))
			for p := begin; p < end; p++ {
				bitmap[p] = true
			}
		}
		assertCanonical(t, s)
		var size uint64
		for p := uint64(0); p < universe; p++ {
			if bitmap[p] {
				size++
			}
			require.Equal(t, bitmap[p], s.Covers(p), "point %d in %s", p, s)
		}
		assert.Equal(t, size, s.Size())
	}
}

func TestRemove(t *testing.T) {
	s := rangeset.MustNew(r(0, 100), r(200, 300))
	require.NoError(t, s.Remove(r(50, 250)))
	assert.Equal(t, []rangeset.Range{r(0, 50), r(250, 300)}, s.Ranges())
	require.NoError(t, s.Remove(r(0, 50)))
	assert.Equal(t, []rangeset.Range{r(250, 300)}, s.Ranges())
	require.NoError(t, s.Remove(r(260, 270)))
	assert.Equal(t, []rangeset.Range{r(250, 260), r(270, 300)}, s.Ranges())
}

func TestContains(t *testing.T) {
	s := rangeset.MustNew(r(0, 150), r(200, 300))
	assert.True(t, s.Contains(r(0, 150)))
	assert.True(t, s.Contains(r(10, 20)))
	assert.True(t, s.Contains(r(299, 300)))
	assert.True(t, s.Contains(r(170, 170)))
	assert.False(t, s.Contains(r(100, 200)))
	assert.False(t, s.Contains(r(140, 210)))
	assert.False(t, s.Contains(r(299, 301)))
	assert.False(t, s.Covers(150))
	assert.True(t, s.Covers(149))
}

func TestMissing(t *testing.T) {
	s := rangeset.MustNew(r(0, 150))
	missing := s.Missing(r(100, 200))
	assert.Equal(t, []rangeset.Range{r(150, 200)}, missing.Ranges())

	s = rangeset.MustNew(r(10, 20), r(30, 40))
	missing = s.Missing(r(0, 50))
	assert.Equal(t, []rangeset.Range{r(0, 10), r(20, 30), r(40, 50)}, missing.Ranges())
	assert.True(t, s.Missing(r(12, 18)).IsEmpty())
	assert.True(t, s.Missing(r(5, 5)).IsEmpty())
}

func TestSetAlgebra(t *testing.T) {
	a := rangeset.MustNew(r(0, 100))
	b := rangeset.MustNew(r(50, 80), r(90, 120))
	assert.Equal(t, []rangeset.Range{r(0, 120)}, a.Union(b).Ranges())
	assert.Equal(t, []rangeset.Range{r(50, 80), r(90, 100)}, a.Intersect(b).Ranges())
	assert.Equal(t, []rangeset.Range{r(0, 50), r(80, 90)}, a.Difference(b).Ranges())
	// Operands are not modified
	assert.Equal(t, []rangeset.Range{r(0, 100)}, a.Ranges())
	assert.True(t, a.Intersect(rangeset.Set{}).IsEmpty())
}

func TestCloneIsIndependent(t *testing.T) {
	a := rangeset.MustNew(r(0, 10))
	b := a.Clone()
	require.NoError(t, b.Insert(r(20, 30)))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
	assert.False(t, a.Equal(b))
	assert.Equal(t, "{[0,10),[20,30)}", b.String())
}

func TestCborRoundTrip(t *testing.T) {
	s := rangeset.MustNew(r(0, 10), r(20, 30))
	data, err := cbor.Encode(s)
	require.NoError(t, err)
	var decoded rangeset.Set
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.True(t, s.Equal(decoded))

	// Non-canonical input is normalized
	data, err = cbor.Encode([]rangeset.Range{r(20, 30), r(0, 10), r(10, 20)})
	require.NoError(t, err)
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, []rangeset.Range{r(0, 30)}, decoded.Ranges())

	// Invalid ranges are rejected
	data, err = cbor.Encode([]rangeset.Range{{Begin: 5, End: 1}})
	require.NoError(t, err)
	_, err = cbor.Decode(data, &decoded)
	assert.ErrorIs(t, err, rangeset.ErrInvalidRange)

	// Empty set encodes as an empty list
	data, err = cbor.Encode(rangeset.Set{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80}, data)
}
