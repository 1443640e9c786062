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
	"fmt"
	"sync"
	"time"
)

const (
	AgencyNone   uint = 0
	AgencyClient uint = 1
	AgencyServer uint = 2
)

type State struct {
	Id   uint
	Name string
}

func NewState(id uint, name string) State {
	return State{
		Id:   id,
		Name: name,
	}
}

func (s State) String() string {
	return s.Name
}

type StateTransition struct {
	MsgType   uint8
	NewState  State
	MatchFunc StateTransitionMatchFunc
}

type StateTransitionMatchFunc func(Message) bool

type StateMapEntry struct {
	Agency      uint
	Transitions []StateTransition
	Timeout     time.Duration
}

type StateMap map[State]StateMapEntry

// Copy returns a copy of the state map. This is mostly for convenience,
// since we need to copy the state map in various places
func (s StateMap) Copy() StateMap {
	ret := StateMap{}
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// StateMachine tracks the current state of a single protocol instance and
// applies transitions from a StateMap. It is safe for concurrent use.
type StateMachine struct {
	mu       sync.Mutex
	name     string
	stateMap StateMap
	current  State
}

func NewStateMachine(
	name string,
	initialState State,
	stateMap StateMap,
) *StateMachine {
	return &StateMachine{
		name:     name,
		stateMap: stateMap,
		current:  initialState,
	}
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Agency returns the agency of the current state
func (s *StateMachine) Agency() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateMap[s.current].Agency
}

// Timeout returns the configured timeout of the current state, if any
func (s *StateMachine) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateMap[s.current].Timeout
}

// IsDone returns true when the current state has no agency, which means no
// further messages are accepted
func (s *StateMachine) IsDone() bool {
	return s.Agency() == AgencyNone
}

// Transition moves to the state reached by msg from the current state. The
// first transition whose message type matches and whose MatchFunc (if any)
// accepts the message wins.
func (s *StateMachine) Transition(msg Message) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.stateMap[s.current]
	if !ok {
		return s.current, fmt.Errorf(
			"%s: %w: unknown state %s",
			s.name,
			ErrProtocolViolationInvalidTransition,
			s.current,
		)
	}
	for _, transition := range entry.Transitions {
		if transition.MsgType != msg.Type() {
			continue
		}
		if transition.MatchFunc != nil && !transition.MatchFunc(msg) {
			continue
		}
		s.current = transition.NewState
		return s.current, nil
	}
	return s.current, fmt.Errorf(
		"%s: %w: message type %d in state %s",
		s.name,
		ErrProtocolViolationInvalidTransition,
		msg.Type(),
		s.current,
	)
}
