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

package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol is the parent of every malformed or unexpected message error.
// Receivers log and drop the offending message and keep running.
var ErrProtocol = errors.New("protocol error")

var (
	// ErrInvalidSignature is returned when a signed payload fails verification.
	// Messages failing verification are dropped without a reply.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNoAllocation is returned when a query targets blocks the worker does not serve
	ErrNoAllocation = errors.New("no allocation")
	// ErrTimeout is returned when a query deadline passes before its result arrives
	ErrTimeout = errors.New("timeout")

	ErrShuttingDown = errors.New("protocol is shutting down")
)

// Protocol violations are all matched by errors.Is(err, ErrProtocol)
var (
	ErrProtocolViolationUnknownMessage = fmt.Errorf(
		"%w: unknown message type",
		ErrProtocol,
	)
	ErrProtocolViolationInvalidMessage = fmt.Errorf(
		"%w: invalid message received",
		ErrProtocol,
	)
	ErrProtocolViolationInvalidTransition = fmt.Errorf(
		"%w: message not allowed in current state",
		ErrProtocol,
	)
)
