/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/vmconform/pkg/report"
)

type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
	StateErrored State = "errored"
	StateSkipped State = "skipped"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrUnknownCase       = errors.New("unknown test case")
)

// Errored cases may go back to running: that is how the supervisor retries them.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateSkipped},
	StateRunning: {StatePassed, StateFailed, StateErrored, StateSkipped},
	StateErrored: {StateRunning},
}

func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateErrored, StateSkipped:
		return true
	}
	return false
}

func stateOf(o report.Outcome) State {
	switch o {
	case report.OutcomePassed:
		return StatePassed
	case report.OutcomeFailed:
		return StateFailed
	case report.OutcomeSkipped:
		return StateSkipped
	default:
		return StateErrored
	}
}

// Tracker holds the state of every case of one run.
type Tracker struct {
	mu     sync.Mutex
	states map[string]State
}

// NewTracker starts every id in StatePending.
func NewTracker(ids ...string) *Tracker {
	t := &Tracker{states: make(map[string]State, len(ids))}
	for _, id := range ids {
		t.states[id] = StatePending
	}
	return t
}

func (t *Tracker) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	return s, ok
}

// Transition moves id to the given state.
func (t *Tracker) Transition(id string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from, ok := t.states[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCase, id)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			t.states[id] = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, from, to)
}
