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
	"errors"
	"fmt"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

type OutcomeKind uint8

const (
	OutcomeOk           OutcomeKind = 0
	OutcomeBadRequest   OutcomeKind = 1
	OutcomeServerError  OutcomeKind = 2
	OutcomeNoAllocation OutcomeKind = 3
	// OutcomeTimeout is only ever produced by the waiting side
	OutcomeTimeout OutcomeKind = 4
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeBadRequest:
		return "bad_request"
	case OutcomeServerError:
		return "server_error"
	case OutcomeNoAllocation:
		return "no_allocation"
	case OutcomeTimeout:
		return "timeout"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// State returns the terminal lifecycle state for the outcome
func (k OutcomeKind) State() protocol.State {
	switch k {
	case OutcomeOk:
		return StateOk
	case OutcomeBadRequest:
		return StateBadRequest
	case OutcomeServerError:
		return StateServerError
	case OutcomeNoAllocation:
		return StateNoAllocation
	default:
		return StateTimeout
	}
}

// QueryOutcome is exactly one of ok(data, exec_plan?), bad_request(msg),
// server_error(msg), no_allocation or timeout
type QueryOutcome struct {
	Kind     OutcomeKind
	Data     []byte
	ExecPlan []byte
	Message  string
}

func NewOutcomeOk(data []byte, execPlan []byte) QueryOutcome {
	return QueryOutcome{Kind: OutcomeOk, Data: data, ExecPlan: execPlan}
}

func NewOutcomeBadRequest(msg string) QueryOutcome {
	return QueryOutcome{Kind: OutcomeBadRequest, Message: msg}
}

func NewOutcomeServerError(msg string) QueryOutcome {
	return QueryOutcome{Kind: OutcomeServerError, Message: msg}
}

func NewOutcomeNoAllocation() QueryOutcome {
	return QueryOutcome{Kind: OutcomeNoAllocation}
}

func NewOutcomeTimeout() QueryOutcome {
	return QueryOutcome{Kind: OutcomeTimeout}
}

// Err returns nil for ok and a matching error for every failure outcome
func (o QueryOutcome) Err() error {
	switch o.Kind {
	case OutcomeOk:
		return nil
	case OutcomeBadRequest:
		return &BadRequestError{Message: o.Message}
	case OutcomeServerError:
		return fmt.Errorf("server error: %s", o.Message)
	case OutcomeNoAllocation:
		return protocol.ErrNoAllocation
	case OutcomeTimeout:
		return protocol.ErrTimeout
	}
	return fmt.Errorf("unknown outcome: %d", o.Kind)
}

func (o QueryOutcome) MarshalCBOR() ([]byte, error) {
	var tmp []any
	switch o.Kind {
	case OutcomeOk:
		// A missing exec plan is encoded as null
		var execPlan any
		if o.ExecPlan != nil {
			execPlan = o.ExecPlan
		}
		data := o.Data
		if data == nil {
			data = []byte{}
		}
		tmp = []any{o.Kind, data, execPlan}
	case OutcomeBadRequest, OutcomeServerError:
		tmp = []any{o.Kind, o.Message}
	case OutcomeNoAllocation, OutcomeTimeout:
		tmp = []any{o.Kind}
	default:
		return nil, fmt.Errorf("unknown outcome: %d", o.Kind)
	}
	return cbor.Encode(tmp)
}

func (o *QueryOutcome) UnmarshalCBOR(data []byte) error {
	var tmp []cbor.RawMessage
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	if len(tmp) == 0 {
		return errors.New("empty query outcome")
	}
	var kind OutcomeKind
	if _, err := cbor.Decode(tmp[0], &kind); err != nil {
		return err
	}
	ret := QueryOutcome{Kind: kind}
	switch kind {
	case OutcomeOk:
		if len(tmp) != 3 {
			return fmt.Errorf("outcome %s: unexpected length %d", kind, len(tmp))
		}
		if _, err := cbor.Decode(tmp[1], &ret.Data); err != nil {
			return err
		}
		if _, err := cbor.Decode(tmp[2], &ret.ExecPlan); err != nil {
			return err
		}
	case OutcomeBadRequest, OutcomeServerError:
		if len(tmp) != 2 {
			return fmt.Errorf("outcome %s: unexpected length %d", kind, len(tmp))
		}
		if _, err := cbor.Decode(tmp[1], &ret.Message); err != nil {
			return err
		}
	case OutcomeNoAllocation, OutcomeTimeout:
		if len(tmp) != 1 {
			return fmt.Errorf("outcome %s: unexpected length %d", kind, len(tmp))
		}
	default:
		return fmt.Errorf("unknown outcome: %d", kind)
	}
	*o = ret
	return nil
}

// ExecutedOutcome is the audit form of an outcome: ok(num_read_chunks,
// output), bad_request(msg), server_error(msg) or no_allocation
type ExecutedOutcome struct {
	Kind          OutcomeKind
	NumReadChunks uint64
	Output        common.SizeAndHash
	Message       string
}

// NewExecutedOutcome derives the audit outcome from a client-facing one.
// The output size and hash cover the result data as sent to the client.
func NewExecutedOutcome(outcome QueryOutcome, numReadChunks uint64) ExecutedOutcome {
	ret := ExecutedOutcome{Kind: outcome.Kind}
	switch outcome.Kind {
	case OutcomeOk:
		ret.NumReadChunks = numReadChunks
		ret.Output = common.NewSizeAndHash(outcome.Data)
	case OutcomeBadRequest, OutcomeServerError:
		ret.Message = outcome.Message
	}
	return ret
}

func (o ExecutedOutcome) MarshalCBOR() ([]byte, error) {
	var tmp []any
	switch o.Kind {
	case OutcomeOk:
		output := o.Output
		if output.Sha3_256 == nil {
			output.Sha3_256 = []byte{}
		}
		tmp = []any{o.Kind, o.NumReadChunks, output}
	case OutcomeBadRequest, OutcomeServerError:
		tmp = []any{o.Kind, o.Message}
	case OutcomeNoAllocation:
		tmp = []any{o.Kind}
	default:
		return nil, fmt.Errorf("outcome %s cannot be recorded", o.Kind)
	}
	return cbor.Encode(tmp)
}

func (o *ExecutedOutcome) UnmarshalCBOR(data []byte) error {
	var tmp []cbor.RawMessage
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	if len(tmp) == 0 {
		return errors.New("empty executed outcome")
	}
	var kind OutcomeKind
	if _, err := cbor.Decode(tmp[0], &kind); err != nil {
		return err
	}
	ret := ExecutedOutcome{Kind: kind}
	switch kind {
	case OutcomeOk:
		if len(tmp) != 3 {
			return fmt.Errorf("outcome %s: unexpected length %d", kind, len(tmp))
		}
		if _, err := cbor.Decode(tmp[1], &ret.NumReadChunks); err != nil {
			return err
		}
		if _, err := cbor.Decode(tmp[2], &ret.Output); err != nil {
			return err
		}
		if len(ret.Output.Sha3_256) == 0 {
			ret.Output.Sha3_256 = nil
		}
	case OutcomeBadRequest, OutcomeServerError:
		if len(tmp) != 2 {
			return fmt.Errorf("outcome %s: unexpected length %d", kind, len(tmp))
		}
		if _, err := cbor.Decode(tmp[1], &ret.Message); err != nil {
			return err
		}
	case OutcomeNoAllocation:
		if len(tmp) != 1 {
			return fmt.Errorf("outcome %s: unexpected length %d", kind, len(tmp))
		}
	default:
		return fmt.Errorf("outcome %s cannot be recorded", kind)
	}
	*o = ret
	return nil
}
