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

package querylogs

import (
	"fmt"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/protocol/query"
)

// Message types
const (
	MessageTypeQueryLogs     = 8
	MessageTypeLogsCollected = 9
)

// NewMsgFromCbor parses a query logs protocol message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeQueryLogs:
		ret = &MsgQueryLogs{}
	case MessageTypeLogsCollected:
		ret = &MsgLogsCollected{}
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

// MsgQueryLogs is a signed batch of audit records from one worker
type MsgQueryLogs struct {
	protocol.MessageBase
	QueriesExecuted []query.QueryExecuted
	Signature       []byte
}

func NewMsgQueryLogs(records []query.QueryExecuted) *MsgQueryLogs {
	return &MsgQueryLogs{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQueryLogs,
		},
		QueriesExecuted: records,
	}
}

// SignedPayload returns the concatenated encodings of all records, in order
func (m *MsgQueryLogs) SignedPayload() ([]byte, error) {
	var ret []byte
	for i := range m.QueriesExecuted {
		recordBytes, err := m.QueriesExecuted[i].Bytes()
		if err != nil {
			return nil, err
		}
		ret = append(ret, recordBytes...)
	}
	return ret, nil
}

func (m *MsgQueryLogs) Sign(signer common.Signer) error {
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

// Verify checks the batch signature as produced by the specified worker
func (m *MsgQueryLogs) Verify(verifier common.Verifier, workerId string) error {
	payload, err := m.SignedPayload()
	if err != nil {
		return err
	}
	return verifier.Verify(workerId, payload, m.Signature)
}

// MsgLogsCollected acknowledges records by watermark. A key is either a
// client ID, covering that client's records, or the worker's own ID,
// covering the worker's whole stream.
type MsgLogsCollected struct {
	protocol.MessageBase
	SequenceNumbers map[string]uint64
}

func NewMsgLogsCollected(sequenceNumbers map[string]uint64) *MsgLogsCollected {
	return &MsgLogsCollected{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeLogsCollected,
		},
		SequenceNumbers: sequenceNumbers,
	}
}
