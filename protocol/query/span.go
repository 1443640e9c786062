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

package query

import (
	"math"

	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/goccy/go-json"
)

// SpanFunc extracts the requested block span from a query string
type SpanFunc func(query string) (rangeset.Range, error)

type blockSpan struct {
	FromBlock *uint64 `json:"fromBlock"`
	ToBlock   *uint64 `json:"toBlock"`
}

// ParseBlockSpan reads the fromBlock and toBlock fields of a JSON query.
// toBlock is inclusive. Without toBlock the span is the single block
// fromBlock.
func ParseBlockSpan(query string) (rangeset.Range, error) {
	var span blockSpan
	if err := json.Unmarshal([]byte(query), &span); err != nil {
		return rangeset.Range{}, NewBadRequestError("invalid query JSON: %s", err)
	}
	if span.FromBlock == nil {
		return rangeset.Range{}, NewBadRequestError("query is missing fromBlock")
	}
	from := *span.FromBlock
	to := from
	if span.ToBlock != nil {
		to = *span.ToBlock
	}
	if to < from {
		return rangeset.Range{}, NewBadRequestError(
			"toBlock %d is before fromBlock %d",
			to,
			from,
		)
	}
	if to == math.MaxUint64 {
		return rangeset.Range{}, NewBadRequestError("toBlock %d is out of range", to)
	}
	return rangeset.NewRange(from, to+1)
}
