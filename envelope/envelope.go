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

// Package envelope implements the tagged union that wraps every message
// exchanged between clients, workers, schedulers and logs collectors. The
// first element of every encoded message is its tag.
package envelope

import (
	"fmt"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/ping"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/protocol/querylogs"
)

// Tags are part of the wire contract and must never be renumbered
const (
	TagPing           = ping.MessageTypePing
	TagPong           = ping.MessageTypePong
	TagQuery          = query.MessageTypeQuery
	TagQueryResult    = query.MessageTypeQueryResult
	TagQuerySubmitted = query.MessageTypeQuerySubmitted
	TagQueryFinished  = query.MessageTypeQueryFinished
	TagQueryExecuted  = query.MessageTypeQueryExecuted
	TagQueryLogs      = querylogs.MessageTypeQueryLogs
	TagLogsCollected  = querylogs.MessageTypeLogsCollected
)

// Encode returns the wire form of a message. Only the nine envelope message
// kinds are accepted.
func Encode(msg protocol.Message) ([]byte, error) {
	switch msg.(type) {
	case *ping.MsgPing,
		*ping.MsgPong,
		*query.MsgQuery,
		*query.MsgQueryResult,
		*query.MsgQuerySubmitted,
		*query.MsgQueryFinished,
		*query.MsgQueryExecuted,
		*querylogs.MsgQueryLogs,
		*querylogs.MsgLogsCollected:
	default:
		return nil, fmt.Errorf(
			"%w: cannot encode %T",
			protocol.ErrProtocolViolationUnknownMessage,
			msg,
		)
	}
	data, err := cbor.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %T: %w", msg, err)
	}
	return data, nil
}

// Decode parses a wire message. Malformed input and unknown tags yield
// errors wrapping protocol.ErrProtocol.
func Decode(data []byte) (protocol.Message, error) {
	var raw cbor.RawMessage
	numBytesRead, err := cbor.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: envelope: %w",
			protocol.ErrProtocolViolationInvalidMessage,
			err,
		)
	}
	if numBytesRead != len(data) {
		return nil, fmt.Errorf(
			"%w: envelope: %d trailing bytes",
			protocol.ErrProtocolViolationInvalidMessage,
			len(data)-numBytesRead,
		)
	}
	tag, err := cbor.DecodeIdFromList(data)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: envelope: %w",
			protocol.ErrProtocolViolationInvalidMessage,
			err,
		)
	}
	var msgFromCborFunc protocol.MessageFromCborFunc
	switch tag {
	case TagPing, TagPong:
		msgFromCborFunc = ping.NewMsgFromCbor
	case TagQuery,
		TagQueryResult,
		TagQuerySubmitted,
		TagQueryFinished,
		TagQueryExecuted:
		msgFromCborFunc = query.NewMsgFromCbor
	case TagQueryLogs, TagLogsCollected:
		msgFromCborFunc = querylogs.NewMsgFromCbor
	default:
		return nil, fmt.Errorf(
			"%w: envelope tag %d",
			protocol.ErrProtocolViolationUnknownMessage,
			tag,
		)
	}
	msg, err := msgFromCborFunc(uint(tag), data)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: %w",
			protocol.ErrProtocolViolationInvalidMessage,
			err,
		)
	}
	return msg, nil
}
