package types

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Wire-level constants shared by the dispatcher and the receiver
const (
	// JobMessageAddress is the logical destination every job message is posted to
	JobMessageAddress = "job"
	// JobKeyProperty is the message property carrying the job key, used by
	// consumer-side filter expressions
	JobKeyProperty = "job_key"
)

// ErrInvalidMessage is returned when a job message lacks its id or key
var ErrInvalidMessage = errors.New("invalid job message")

// JobMessage is the minimal payload posted to the broker for each job attempt.
// Both fields may be empty after decoding a partial message; call Validate
// before use.
type JobMessage struct {
	JobID  string `json:"jobId"`
	JobKey string `json:"jobKey"`
}

type wireJobMessage struct {
	JobID  *string `json:"jobId"`
	JobKey *string `json:"jobKey"`
}

// NewJobMessage builds a message for the given job
func NewJobMessage(jobID, jobKey string) JobMessage {
	return JobMessage{JobID: jobID, JobKey: jobKey}
}

// Validate checks that both the id and the key are present
func (m JobMessage) Validate() error {
	if m.JobID == "" {
		return errors.Wrap(ErrInvalidMessage, "job id is null or empty")
	}
	if m.JobKey == "" {
		return errors.Wrap(ErrInvalidMessage, "job key is null or empty")
	}
	return nil
}

// MarshalJSON writes empty fields as JSON null
func (m JobMessage) MarshalJSON() ([]byte, error) {
	var w wireJobMessage
	if m.JobID != "" {
		w.JobID = &m.JobID
	}
	if m.JobKey != "" {
		w.JobKey = &m.JobKey
	}
	return json.Marshal(w)
}

// UnmarshalJSON tolerates missing and null fields
func (m *JobMessage) UnmarshalJSON(data []byte) error {
	var w wireJobMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = JobMessage{}
	if w.JobID != nil {
		m.JobID = *w.JobID
	}
	if w.JobKey != nil {
		m.JobKey = *w.JobKey
	}
	return nil
}

func (m JobMessage) String() string {
	return fmt.Sprintf("JobMessage [id: %s, key: %s]", m.JobID, m.JobKey)
}
