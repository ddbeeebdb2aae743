package jobmanager

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// ErrJobNotRegistered is returned by Lookup for unknown job keys
var ErrJobNotRegistered = errors.New("no job registered for key")

// ExecutionContext is what a job sees while it runs
type ExecutionContext struct {
	JobID       string
	JobKey      string
	Name        string
	Attempt     int
	MaxAttempts int
	Principal   string
	Arguments   types.JobArguments
	Logger      logrus.FieldLogger
}

// Job is a unit of work registered under a job key. The returned value is
// stored as the job output and must fit the job data value grammar. Wrap an
// error with joberr.Terminal to skip the remaining attempts.
type Job interface {
	Execute(ctx context.Context, jc *ExecutionContext) (any, error)
}

// JobFunc adapts a function to Job
type JobFunc func(ctx context.Context, jc *ExecutionContext) (any, error)

func (f JobFunc) Execute(ctx context.Context, jc *ExecutionContext) (any, error) {
	return f(ctx, jc)
}

// Registry maps job keys to implementations. Populate it at startup, before
// the receiver is initialized; lookups are safe from any goroutine.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register binds job to key and returns the job previously bound, if any
func (r *Registry) Register(key string, job Job) (Job, error) {
	if blank(key) {
		return nil, joberr.InvalidArgument("job key is null or empty")
	}
	if job == nil {
		return nil, joberr.InvalidArgument("job is null")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.jobs[key]
	r.jobs[key] = job
	return previous, nil
}

// Unregister removes key and returns the job that was bound to it, if any
func (r *Registry) Unregister(key string) (Job, error) {
	if blank(key) {
		return nil, joberr.InvalidArgument("job key is null or empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.jobs[key]
	delete(r.jobs, key)
	return previous, nil
}

// Lookup returns the job bound to key
func (r *Registry) Lookup(key string) (Job, error) {
	if blank(key) {
		return nil, joberr.InvalidArgument("job key is null or empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[key]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotRegistered, "key %q", key)
	}
	return job, nil
}

// Keys returns the registered keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ----------------------------------------------------------------------------
// Request context
// ----------------------------------------------------------------------------

type contextKey int

const (
	principalKey contextKey = iota
	correlationKey
)

// WithPrincipal records the name of the principal queueing jobs
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey, name)
}

// PrincipalFrom returns the principal recorded on ctx
func PrincipalFrom(ctx context.Context) string {
	name, _ := ctx.Value(principalKey).(string)
	return name
}

// WithCorrelationID records the request correlation id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationIDFrom returns the correlation id recorded on ctx
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
