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

package ping

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

// Message types
const (
	MessageTypePing = 1
	MessageTypePong = 2
)

// NewMsgFromCbor parses a ping protocol message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypePing:
		ret = &MsgPing{}
	case MessageTypePong:
		ret = &MsgPong{}
	default:
		return nil, fmt.Errorf(
			"%s: %w: %d",
			ProtocolName,
			protocol.ErrProtocolViolationUnknownMessage,
			msgType,
		)
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%s: decode error: %w", ProtocolName, err)
	}
	// Store the raw message CBOR
	ret.SetCbor(data)
	return ret, nil
}

// MsgPing is the worker's periodic signed state report
type MsgPing struct {
	protocol.MessageBase
	WorkerId     string
	WorkerUrl    *string
	Version      string
	StoredBytes  uint64
	State        common.WorkerState
	StoredRanges []common.DatasetRanges
	Signature    []byte
}

func NewMsgPing(
	workerId string,
	workerUrl string,
	version string,
	storedBytes uint64,
	state common.WorkerState,
) *MsgPing {
	m := &MsgPing{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypePing,
		},
		WorkerId:     workerId,
		Version:      version,
		StoredBytes:  storedBytes,
		State:        state,
		StoredRanges: state.DatasetRanges(),
	}
	if workerUrl != "" {
		m.WorkerUrl = &workerUrl
	}
	return m
}

// SignedPayload returns the canonical encoding of the ping with the signature omitted
func (m *MsgPing) SignedPayload() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return cbor.Encode(&tmp)
}

// Hash returns the digest that the matching Pong must echo
func (m *MsgPing) Hash() (common.Blake2b256, error) {
	payload, err := m.SignedPayload()
	if err != nil {
		return common.Blake2b256{}, err
	}
	return common.Blake2b256Hash(payload), nil
}

func (m *MsgPing) Sign(signer common.Signer) error {
	payload, err := m.SignedPayload()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks that the ping was signed by its worker ID
func (m *MsgPing) Verify(verifier common.Verifier) error {
	payload, err := m.SignedPayload()
	if err != nil {
		return err
	}
	return verifier.Verify(m.WorkerId, payload, m.Signature)
}

// ReportedState returns the worker state carried by the ping, preferring the
// map form and falling back to the per-dataset list
func (m *MsgPing) ReportedState() common.WorkerState {
	if len(m.State.Datasets) > 0 {
		return m.State.Clone()
	}
	return common.WorkerStateFromRanges(m.StoredRanges)
}

// MsgPong is the scheduler's reply to a ping
type MsgPong struct {
	protocol.MessageBase
	PingHash common.Blake2b256
	Result   PongResult
}

func NewMsgPong(pingHash common.Blake2b256, result PongResult) *MsgPong {
	return &MsgPong{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypePong,
		},
		PingHash: pingHash,
		Result:   result,
	}
}

type PongStatus uint8

const (
	PongStatusNotRegistered      PongStatus = 0
	PongStatusUnsupportedVersion PongStatus = 1
	PongStatusJailed             PongStatus = 2
	PongStatusActive             PongStatus = 3
)

func (s PongStatus) String() string {
	switch s {
	case PongStatusNotRegistered:
		return "not_registered"
	case PongStatusUnsupportedVersion:
		return "unsupported_version"
	case PongStatusJailed:
		return "jailed"
	case PongStatusActive:
		return "active"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// PongResult is exactly one of not_registered, unsupported_version,
// jailed(reason) or active(assignment)
type PongResult struct {
	Status PongStatus
	Reason string
	State  common.WorkerState
}

func NewPongNotRegistered() PongResult {
	return PongResult{Status: PongStatusNotRegistered}
}

func NewPongUnsupportedVersion() PongResult {
	return PongResult{Status: PongStatusUnsupportedVersion}
}

func NewPongJailed(reason string) PongResult {
	return PongResult{Status: PongStatusJailed, Reason: reason}
}

func NewPongActive(state common.WorkerState) PongResult {
	return PongResult{Status: PongStatusActive, State: state}
}

func (r PongResult) MarshalCBOR() ([]byte, error) {
	var tmp []any
	switch r.Status {
	case PongStatusNotRegistered, PongStatusUnsupportedVersion:
		tmp = []any{r.Status}
	case PongStatusJailed:
		tmp = []any{r.Status, r.Reason}
	case PongStatusActive:
		tmp = []any{r.Status, r.State}
	default:
		return nil, fmt.Errorf("unknown pong status: %d", r.Status)
	}
	return cbor.Encode(tmp)
}

func (r *PongResult) UnmarshalCBOR(data []byte) error {
	var tmp []cbor.RawMessage
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	if len(tmp) == 0 {
		return errors.New("empty pong result")
	}
	var status PongStatus
	if _, err := cbor.Decode(tmp[0], &status); err != nil {
		return err
	}
	ret := PongResult{Status: status}
	switch status {
	case PongStatusNotRegistered, PongStatusUnsupportedVersion:
		if len(tmp) != 1 {
			return fmt.Errorf("pong result %s: unexpected length %d", status, len(tmp))
		}
	case PongStatusJailed:
		if len(tmp) != 2 {
			return fmt.Errorf("pong result %s: unexpected length %d", status, len(tmp))
		}
		if _, err := cbor.Decode(tmp[1], &ret.Reason); err != nil {
			return err
		}
	case PongStatusActive:
		if len(tmp) != 2 {
			return fmt.Errorf("pong result %s: unexpected length %d", status, len(tmp))
		}
		if _, err := cbor.Decode(tmp[1], &ret.State); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown pong status: %d", status)
	}
	*r = ret
	return nil
}
