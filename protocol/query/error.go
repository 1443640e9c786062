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
)

var (
	ErrDuplicateQuery = errors.New("duplicate query")
	ErrUnknownQuery   = errors.New("unknown query")
	// ErrQueryResolved is returned to every resolver but the first
	ErrQueryResolved = errors.New("query already resolved")
)

// BadRequestError is an execution failure caused by the query itself. It is
// reported as bad_request and never retried.
type BadRequestError struct {
	Message string
}

func NewBadRequestError(format string, args ...any) *BadRequestError {
	return &BadRequestError{
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *BadRequestError) Error() string {
	return "bad request: " + e.Message
}

// OutcomeFromError maps an execution error to a client-facing outcome.
// BadRequestError becomes bad_request, anything else server_error.
func OutcomeFromError(err error) QueryOutcome {
	var badRequestErr *BadRequestError
	if errors.As(err, &badRequestErr) {
		return NewOutcomeBadRequest(badRequestErr.Message)
	}
	return NewOutcomeServerError(err.Error())
}
