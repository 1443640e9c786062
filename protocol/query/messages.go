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
	"fmt"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

// Message types
const (
	MessageTypeQuery          = 3
	MessageTypeQueryResult    = 4
	MessageTypeQuerySubmitted = 5
	MessageTypeQueryFinished  = 6
	MessageTypeQueryExecuted  = 7
)

// NewMsgFromCbor parses a query protocol message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeQuery:
		ret = &MsgQuery{}
	case MessageTypeQueryResult:
		ret = &MsgQueryResult{}
	case MessageTypeQuerySubmitted:
		ret = &MsgQuerySubmitted{}
	case MessageTypeQueryFinished:
		ret = &MsgQueryFinished{}
	case MessageTypeQueryExecuted:
		ret = &MsgQueryExecuted{}
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

// MsgQuery carries a client query to a worker
type MsgQuery struct {
	protocol.MessageBase
	Query common.Query
}

func NewMsgQuery(query common.Query) *MsgQuery {
	return &MsgQuery{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQuery,
		},
		Query: query,
	}
}

// MsgQueryResult carries the client-facing outcome of a query
type MsgQueryResult struct {
	protocol.MessageBase
	QueryId string
	Outcome QueryOutcome
}

func NewMsgQueryResult(queryId string, outcome QueryOutcome) *MsgQueryResult {
	return &MsgQueryResult{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQueryResult,
		},
		QueryId: queryId,
		Outcome: outcome,
	}
}

// MsgQuerySubmitted tells the scheduler that a worker started executing a query
type MsgQuerySubmitted struct {
	protocol.MessageBase
	ClientId  string
	WorkerId  string
	QueryId   string
	Dataset   string
	QueryHash []byte
}

func NewMsgQuerySubmitted(
	clientId string,
	workerId string,
	query common.Query,
) *MsgQuerySubmitted {
	return &MsgQuerySubmitted{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQuerySubmitted,
		},
		ClientId:  clientId,
		WorkerId:  workerId,
		QueryId:   query.QueryId,
		Dataset:   query.Dataset,
		QueryHash: query.Hash(),
	}
}

// MsgQueryFinished tells the scheduler how a query ended
type MsgQueryFinished struct {
	protocol.MessageBase
	ClientId   string
	WorkerId   string
	QueryId    string
	Status     OutcomeKind
	ExecTimeMs uint64
}

func NewMsgQueryFinished(
	clientId string,
	workerId string,
	queryId string,
	status OutcomeKind,
	execTimeMs uint64,
) *MsgQueryFinished {
	return &MsgQueryFinished{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQueryFinished,
		},
		ClientId:   clientId,
		WorkerId:   workerId,
		QueryId:    queryId,
		Status:     status,
		ExecTimeMs: execTimeMs,
	}
}

// MsgQueryExecuted carries a single audit record
type MsgQueryExecuted struct {
	protocol.MessageBase
	Record QueryExecuted
}

func NewMsgQueryExecuted(record QueryExecuted) *MsgQueryExecuted {
	return &MsgQueryExecuted{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeQueryExecuted,
		},
		Record: record,
	}
}

// QueryExecuted is the signed audit record of one resolved query. Records
// decoded from the wire keep their original CBOR.
type QueryExecuted struct {
	cbor.DecodeStoreCbor
	cbor.StructAsArray
	ClientId    string
	WorkerId    string
	Query       common.Query
	QueryHash   []byte
	Outcome     ExecutedOutcome
	ExecTimeMs  uint64
	TimestampMs uint64
	SeqNo       uint64
	Signature   []byte
}

func NewQueryExecuted(
	clientId string,
	workerId string,
	query common.Query,
	outcome ExecutedOutcome,
	execTimeMs uint64,
	timestampMs uint64,
) QueryExecuted {
	return QueryExecuted{
		ClientId:    clientId,
		WorkerId:    workerId,
		Query:       query,
		QueryHash:   query.Hash(),
		Outcome:     outcome,
		ExecTimeMs:  execTimeMs,
		TimestampMs: timestampMs,
	}
}

func (q *QueryExecuted) UnmarshalCBOR(cborData []byte) error {
	return q.UnmarshalCborGeneric(cborData, q)
}

// SignedPayload returns the canonical encoding of the record with the
// signature omitted
func (q *QueryExecuted) SignedPayload() ([]byte, error) {
	tmp := *q
	tmp.Signature = nil
	return cbor.Encode(&tmp)
}

func (q *QueryExecuted) Sign(signer common.Signer) error {
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

// Verify checks that the record was signed by its worker
func (q *QueryExecuted) Verify(verifier common.Verifier) error {
	payload, err := q.SignedPayload()
	if err != nil {
		return err
	}
	return verifier.Verify(q.WorkerId, payload, q.Signature)
}

// Bytes returns the record's CBOR, preferring the bytes it was decoded from
func (q *QueryExecuted) Bytes() ([]byte, error) {
	if q.Cbor() != nil {
		return q.Cbor(), nil
	}
	return cbor.Encode(q)
}
