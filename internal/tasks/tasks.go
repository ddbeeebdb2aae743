// ============================================================================
// Built-in jobs
// ============================================================================
//
// Package: internal/tasks
// File: tasks.go
// Purpose: Jobs every jobd node can run
//
//   echo        returns its arguments
//   sleep       waits for duration_ms, or until the job context ends
//   jobcleaner  deletes terminal job statuses older than the configured age
//
// ============================================================================

package tasks

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/store"
)

// Job keys
const (
	EchoKey       = "echo"
	SleepKey      = "sleep"
	JobCleanerKey = "jobcleaner"
)

// Echo returns the job arguments as its output
func Echo(_ context.Context, jc *jobmanager.ExecutionContext) (any, error) {
	return jc.Arguments.ToMap(), nil
}

// Sleep waits for the duration_ms argument
func Sleep(ctx context.Context, jc *jobmanager.ExecutionContext) (any, error) {
	ms, err := jc.Arguments.GetAsInt64("duration_ms")
	if err != nil {
		return nil, joberr.Terminal(err)
	}
	if ms < 0 {
		return nil, joberr.Terminal(errors.Errorf("duration_ms must not be negative, got %d", ms))
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobCleaner deletes terminal statuses last updated before now minus the
// maximum age. A max_age argument ("72h") overrides the configured age.
type JobCleaner struct {
	store  store.Store
	maxAge time.Duration
	now    func() time.Time
}

// NewJobCleaner creates the cleaner job
func NewJobCleaner(st store.Store, maxAge time.Duration) *JobCleaner {
	return &JobCleaner{store: st, maxAge: maxAge, now: time.Now}
}

func (j *JobCleaner) Execute(ctx context.Context, jc *jobmanager.ExecutionContext) (any, error) {
	maxAge := j.maxAge
	if jc.Arguments.Has("max_age") {
		raw, err := jc.Arguments.GetAsString("max_age")
		if err != nil {
			return nil, joberr.Terminal(err)
		}
		if maxAge, err = time.ParseDuration(raw); err != nil {
			return nil, joberr.Terminal(errors.Wrapf(err, "invalid max_age %q", raw))
		}
	}
	if maxAge <= 0 {
		return nil, joberr.Terminal(errors.New("job cleaner requires a positive max age"))
	}

	cutoff := j.now().Add(-maxAge)
	expired, err := j.store.FindTerminalBefore(ctx, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find expired jobs")
	}

	var deleted int64
	for _, status := range expired {
		if err := j.store.Delete(ctx, status.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, errors.Wrapf(err, "failed to delete job %s after removing %d", status.ID, deleted)
		}
		deleted++
	}

	if jc.Logger != nil {
		jc.Logger.Infof("Removed %d terminal jobs older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return map[string]any{"deleted": deleted, "cutoff": cutoff.UTC().Format(time.RFC3339)}, nil
}

// Register binds the built-in jobs into reg
func Register(reg *jobmanager.Registry, st store.Store, maxAge time.Duration) error {
	jobs := map[string]jobmanager.Job{
		EchoKey:       jobmanager.JobFunc(Echo),
		SleepKey:      jobmanager.JobFunc(Sleep),
		JobCleanerKey: NewJobCleaner(st, maxAge),
	}
	for key, job := range jobs {
		if _, err := reg.Register(key, job); err != nil {
			return errors.Wrapf(err, "failed to register job %s", key)
		}
	}
	return nil
}
