// Package types defines the core domain model shared by the job manager, the
// message dispatcher and the message receiver.
package types

import (
	"strings"

	"github.com/pkg/errors"
)

// JobState is the lifecycle state of a job status record
type JobState string

// Job states. States without outbound transitions are terminal.
const (
	StateCreated         JobState = "CREATED"
	StateWaiting         JobState = "WAITING"
	StateScheduled       JobState = "SCHEDULED"
	StateQueued          JobState = "QUEUED"
	StateRunning         JobState = "RUNNING"
	StateFailedWithRetry JobState = "FAILED_WITH_RETRY"
	StateFinished        JobState = "FINISHED"
	StateFailed          JobState = "FAILED"
	StateCanceled        JobState = "CANCELED"
	StateAborted         JobState = "ABORTED"
)

var transitions = map[JobState][]JobState{
	StateCreated:         {StateWaiting, StateScheduled, StateQueued, StateRunning, StateCanceled, StateAborted},
	StateWaiting:         {StateScheduled, StateQueued, StateRunning, StateCanceled, StateAborted},
	StateScheduled:       {StateQueued, StateRunning, StateCanceled, StateAborted},
	StateQueued:          {StateRunning, StateCanceled},
	StateRunning:         {StateFailed, StateFailedWithRetry, StateFinished, StateCanceled},
	StateFailedWithRetry: {StateScheduled, StateQueued, StateRunning, StateCanceled},
	StateFinished:        nil,
	StateFailed:          nil,
	StateCanceled:        nil,
	StateAborted:         nil,
}

// AllStates lists every known state in declaration order
func AllStates() []JobState {
	return []JobState{
		StateCreated, StateWaiting, StateScheduled, StateQueued, StateRunning,
		StateFailedWithRetry, StateFinished, StateFailed, StateCanceled, StateAborted,
	}
}

// NonTerminalStates lists the states a job can still leave
func NonTerminalStates() []JobState {
	var out []JobState
	for _, s := range AllStates() {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// IsKnown reports whether s is one of the declared states
func (s JobState) IsKnown() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition can occur from s.
// Unknown states are reported as terminal.
func (s JobState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsValidTransition reports whether moving from s to next is permitted
func (s JobState) IsValidTransition(next JobState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s JobState) String() string {
	return string(s)
}

// ParseJobState parses a state name, case-insensitively
func ParseJobState(value string) (JobState, error) {
	state := JobState(strings.ToUpper(strings.TrimSpace(value)))
	if !state.IsKnown() {
		return "", errors.Errorf("unknown job state: %q", value)
	}
	return state, nil
}
