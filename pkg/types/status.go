package types

import (
	"time"
)

// JobStatus is the persisted record of a job's identity and lifecycle.
// It is created by the job manager in the CREATED state and mutated through
// QUEUED → RUNNING → a terminal state by the execution path.
type JobStatus struct {
	// Identity
	ID     string `json:"id"`
	JobKey string `json:"job_key"`
	Name   string `json:"name"`
	Group  string `json:"group,omitempty"`

	// Environment
	Origin        string `json:"origin,omitempty"`   // host that queued the job
	Executor      string `json:"executor,omitempty"` // host that last executed the job
	Principal     string `json:"principal,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Logging
	LogLevel            string `json:"log_level,omitempty"`
	LogExecutionDetails bool   `json:"log_execution_details"`

	// State tracking
	State         JobState `json:"state"`
	PreviousState JobState `json:"previous_state,omitempty"`
	Attempts      int      `json:"attempts"`
	MaxAttempts   int      `json:"max_attempts"`

	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Dynamic payload, persisted through the job data converter
	Metadata    map[string]string         `json:"metadata,omitempty"`
	Arguments   JobArguments              `json:"-"`
	Constraints map[string]map[string]any `json:"-"`
	Result      any                       `json:"-"`
}

// NewJobStatus returns a status in the CREATED state that allows a single attempt
func NewJobStatus(jobKey string) *JobStatus {
	return &JobStatus{
		JobKey:              jobKey,
		Name:                jobKey,
		State:               StateCreated,
		MaxAttempts:         1,
		LogExecutionDetails: true,
		Metadata:            map[string]string{},
	}
}

// SetState moves the status to state, remembering the state it left
func (s *JobStatus) SetState(state JobState) {
	if s.State == state {
		return
	}
	s.PreviousState = s.State
	s.State = state
}

// Runtime returns the duration of the most recent execution attempt, or -1
// when the attempt has not completed
func (s *JobStatus) Runtime() time.Duration {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return -1
	}
	return s.EndTime.Sub(s.StartTime)
}

// ConstraintValue returns the snapshot value recorded for key under the named constraint
func (s *JobStatus) ConstraintValue(constraint, key string) (any, bool) {
	snapshot, ok := s.Constraints[constraint]
	if !ok {
		return nil, false
	}
	v, ok := snapshot[key]
	return v, ok
}

// Clone returns a deep copy of the status
func (s *JobStatus) Clone() *JobStatus {
	if s == nil {
		return nil
	}
	c := *s

	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}

	if s.Constraints != nil {
		c.Constraints = make(map[string]map[string]any, len(s.Constraints))
		for name, snapshot := range s.Constraints {
			c.Constraints[name] = CopyValue(map[string]any(snapshot)).(map[string]any)
		}
	}

	c.Arguments = NewJobArguments(s.Arguments.values)
	c.Result = CopyValue(s.Result)
	return &c
}
