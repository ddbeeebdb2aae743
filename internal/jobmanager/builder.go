package jobmanager

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/constraint"
	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// UniqueConstraint is one key/value pair of a job's unique constraint
type UniqueConstraint struct {
	Key   string
	Value string
}

// JobBuilder accumulates the definition of a job to queue.
//
// Setters validate their input immediately. An invalid value is not stored;
// the first such failure is kept and reported by Err, and QueueJob refuses a
// builder with a pending error.
//
//	b := jobmanager.ForJob("refreshpools").
//		SetJobArgument("owner", "acme").
//		SetUniqueConstraint("owner", "acme").
//		SetRetryCount(2)
//	if err := b.Err(); err != nil { ... }
type JobBuilder struct {
	key       string
	name      string
	group     string
	arguments map[string]any
	unique    map[string]string
	metadata  map[string]string

	constraints  []constraint.JobConstraint
	retryCount   int
	logExecution bool
	logLevel     string

	err error
}

// NewJobBuilder returns an empty builder with execution logging enabled
func NewJobBuilder() *JobBuilder {
	return &JobBuilder{
		arguments:    map[string]any{},
		unique:       map[string]string{},
		metadata:     map[string]string{},
		logExecution: true,
	}
}

// ForJob is NewJobBuilder().SetJobKey(key)
func ForJob(key string) *JobBuilder {
	return NewJobBuilder().SetJobKey(key)
}

func (b *JobBuilder) fail(format string, args ...any) *JobBuilder {
	if b.err == nil {
		b.err = joberr.InvalidArgument(format, args...)
	}
	return b
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Err returns the first validation failure recorded by a setter
func (b *JobBuilder) Err() error {
	return b.err
}

func (b *JobBuilder) SetJobKey(key string) *JobBuilder {
	if blank(key) {
		return b.fail("job key is null or empty")
	}
	b.key = key
	return b
}

func (b *JobBuilder) SetJobName(name string) *JobBuilder {
	if blank(name) {
		return b.fail("job name is null or empty")
	}
	b.name = name
	return b
}

func (b *JobBuilder) SetJobGroup(group string) *JobBuilder {
	if blank(group) {
		return b.fail("job group is null or empty")
	}
	b.group = group
	return b
}

// SetUniqueConstraint records a key/value pair that no other active job of
// the same key may share. Later calls with the same key overwrite.
func (b *JobBuilder) SetUniqueConstraint(key, value string) *JobBuilder {
	if blank(key) {
		return b.fail("unique constraint key is null or empty")
	}
	if blank(value) {
		return b.fail("unique constraint value is null or empty")
	}
	b.unique[key] = value
	return b
}

// SetJobArgument stores value under name. The value may be nil.
func (b *JobBuilder) SetJobArgument(name string, value any) *JobBuilder {
	if blank(name) {
		return b.fail("argument name is null or empty")
	}
	b.arguments[name] = types.CopyValue(value)
	return b
}

func (b *JobBuilder) SetJobMetadata(key, value string) *JobBuilder {
	if blank(key) {
		return b.fail("metadata key is null or empty")
	}
	b.metadata[key] = value
	return b
}

// SetRetryCount sets how many times a failed job is retried. Negative
// counts become 0.
func (b *JobBuilder) SetRetryCount(count int) *JobBuilder {
	if count < 0 {
		count = 0
	}
	b.retryCount = count
	return b
}

// SetJobExecutionLogging toggles the start and elapsed time log lines
func (b *JobBuilder) SetJobExecutionLogging(enabled bool) *JobBuilder {
	b.logExecution = enabled
	return b
}

// SetLogLevel sets the level used while the job runs. An empty level
// restores the default.
func (b *JobBuilder) SetLogLevel(level string) *JobBuilder {
	if level == "" {
		b.logLevel = ""
		return b
	}
	if _, err := logrus.ParseLevel(level); err != nil {
		return b.fail("invalid log level %q", level)
	}
	b.logLevel = strings.ToLower(level)
	return b
}

// AddConstraint attaches a constraint evaluated when the job is queued
func (b *JobBuilder) AddConstraint(c constraint.JobConstraint) *JobBuilder {
	if c == nil {
		return b.fail("constraint is null")
	}
	b.constraints = append(b.constraints, c)
	return b
}

// ----------------------------------------------------------------------------
// Getters return copies
// ----------------------------------------------------------------------------

func (b *JobBuilder) JobKey() string   { return b.key }
func (b *JobBuilder) JobName() string  { return b.name }
func (b *JobBuilder) JobGroup() string { return b.group }
func (b *JobBuilder) RetryCount() int  { return b.retryCount }
func (b *JobBuilder) LogLevel() string { return b.logLevel }

func (b *JobBuilder) LogExecutionDetails() bool { return b.logExecution }

func (b *JobBuilder) JobArguments() map[string]any {
	return types.CopyValue(b.arguments).(map[string]any)
}

func (b *JobBuilder) JobMetadata() map[string]string {
	out := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		out[k] = v
	}
	return out
}

// UniqueConstraints returns the unique constraint pairs sorted by key
func (b *JobBuilder) UniqueConstraints() []UniqueConstraint {
	out := make([]UniqueConstraint, 0, len(b.unique))
	for k, v := range b.unique {
		out = append(out, UniqueConstraint{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (b *JobBuilder) Constraints() []constraint.JobConstraint {
	return append([]constraint.JobConstraint(nil), b.constraints...)
}

// uniqueSnapshot is the unique constraint as persisted with the status
func (b *JobBuilder) uniqueSnapshot() map[string]any {
	if len(b.unique) == 0 {
		return nil
	}
	out := make(map[string]any, len(b.unique))
	for k, v := range b.unique {
		out[k] = v
	}
	return out
}

// jobConstraints returns every constraint to evaluate on submit
func (b *JobBuilder) jobConstraints() ([]constraint.JobConstraint, error) {
	constraints := b.Constraints()
	if unique := b.UniqueConstraints(); len(unique) > 0 {
		keys := make([]string, len(unique))
		for i, u := range unique {
			keys[i] = u.Key
		}
		c, err := constraint.UniqueByValue(keys...)
		if err != nil {
			return nil, err
		}
		constraints = append(constraints, c)
	}
	return constraints, nil
}
