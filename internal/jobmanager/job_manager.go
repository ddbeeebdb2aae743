// ============================================================================
// Job manager
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Queue jobs and execute them, driving the job status state machine
//
// Queueing (QueueJob):
//   builder ──> status (CREATED)
//      ├─ constraint check against non-terminal jobs of the same key
//      │     collision ──> return the existing status, nothing is created
//      ├─ store.Create (id assigned)
//      ├─ dispatcher.PostJobMessage
//      ├─ status ──> QUEUED (store.Merge)
//      └─ dispatcher.Commit
//   A dispatch or commit failure rolls the dispatcher back, deletes the
//   status and returns a dispatch error. Queueing is all or nothing.
//
// Execution (ExecuteJob):
//   message ──> fetch status ──> RUNNING ──> job.Execute
//      success              ──> FINISHED (+ output)
//      failure, attempts left ──> FAILED_WITH_RETRY ──> re-dispatch ──> QUEUED
//      failure, otherwise   ──> FAILED
//
// Returned errors (see internal/joberr):
//   Initialization   the job cannot start (terminal ones discard the message)
//   Execution        the job failed; its status already records the outcome
//   StateManagement  a status write failed
//   Dispatch         the retry message could not be sent
//
// Concurrency:
//   A constrained submission holds the lock of its job key from the
//   collision check until the job is queued, so two concurrent submissions
//   of one key cannot both miss each other. Unconstrained submissions take
//   no key lock. dispatchMu serializes post/commit/rollback sequences on the
//   shared dispatcher.
//
// ============================================================================

package jobmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/constraint"
	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/metrics"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// MetadataCorrelationID is the metadata key carrying the request correlation id
const MetadataCorrelationID = "csid"

// Dispatcher posts job messages inside a transaction
type Dispatcher interface {
	PostJobMessage(ctx context.Context, msg types.JobMessage) error
	Commit() error
	Rollback() error
}

// Options configure a JobManager
type Options struct {
	// NodeName is recorded as origin and executor. Defaults to the hostname.
	NodeName string
	Logger   *logrus.Logger
	Metrics  *metrics.Collector
}

// JobManager queues and executes jobs
type JobManager struct {
	store      store.Store
	dispatcher Dispatcher
	registry   *Registry

	nodeName string
	logger   *logrus.Logger
	log      logrus.FieldLogger
	metrics  *metrics.Collector
	now      func() time.Time

	queueMu    sync.Mutex // guards keyLocks
	keyLocks   map[string]*keyLock
	dispatchMu sync.Mutex
}

// NewJobManager creates a manager over the given collaborators
func NewJobManager(st store.Store, dispatcher Dispatcher, registry *Registry, opts Options) (*JobManager, error) {
	if st == nil {
		return nil, joberr.InvalidArgument("store is null")
	}
	if dispatcher == nil {
		return nil, joberr.InvalidArgument("dispatcher is null")
	}
	if registry == nil {
		return nil, joberr.InvalidArgument("registry is null")
	}

	nodeName := opts.NodeName
	if nodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		nodeName = host
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &JobManager{
		store:      st,
		dispatcher: dispatcher,
		registry:   registry,
		nodeName:   nodeName,
		logger:     logger,
		log:        logger.WithField("component", "jobmanager"),
		metrics:    opts.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
		keyLocks:   make(map[string]*keyLock),
	}, nil
}

// keyLock is a mutex shared by the submissions of one job key
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey blocks until the caller owns key and returns the unlock func.
// Entries are dropped once no submission holds or waits for them.
func (m *JobManager) lockKey(key string) func() {
	m.queueMu.Lock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &keyLock{}
		m.keyLocks[key] = l
	}
	l.refs++
	m.queueMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.queueMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.keyLocks, key)
		}
		m.queueMu.Unlock()
	}
}

// NodeName returns the name this manager records as origin and executor
func (m *JobManager) NodeName() string { return m.nodeName }

// Registry returns the job registry
func (m *JobManager) Registry() *Registry { return m.registry }

// ============================================================================
// Queueing
// ============================================================================

func (m *JobManager) buildJobStatus(ctx context.Context, b *JobBuilder) *types.JobStatus {
	status := types.NewJobStatus(b.JobKey())
	if b.JobName() != "" {
		status.Name = b.JobName()
	}
	status.Group = b.JobGroup()

	status.Origin = m.nodeName
	status.Principal = PrincipalFrom(ctx)

	status.Metadata = b.JobMetadata()
	if csid := CorrelationIDFrom(ctx); csid != "" {
		status.Metadata[MetadataCorrelationID] = csid
		status.CorrelationID = csid
	}

	status.LogLevel = b.LogLevel()
	status.LogExecutionDetails = b.LogExecutionDetails()
	status.MaxAttempts = b.RetryCount() + 1
	status.Arguments = types.NewJobArguments(b.JobArguments())

	if snapshot := b.uniqueSnapshot(); snapshot != nil {
		status.Constraints = map[string]map[string]any{constraint.UniqueSnapshot: snapshot}
	}
	return status
}

// QueueJob queues the job described by b. When the job collides with an
// active job through one of its constraints, the active job's status is
// returned and nothing is queued.
func (m *JobManager) QueueJob(ctx context.Context, b *JobBuilder) (*types.JobStatus, error) {
	if b == nil {
		return nil, joberr.InvalidArgument("job builder is null")
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	if b.JobKey() == "" {
		return nil, joberr.InvalidArgument("job key is null or empty")
	}

	constraints, err := b.jobConstraints()
	if err != nil {
		return nil, err
	}
	status := m.buildJobStatus(ctx, b)
	log := m.log.WithFields(logrus.Fields{"job_key": status.JobKey, "job_name": status.Name})

	if len(constraints) > 0 {
		unlock := m.lockKey(status.JobKey)
		defer unlock()

		existing, err := m.store.FindNonTerminal(ctx, status.JobKey)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up active jobs for %q", status.JobKey)
		}
		if existing == nil {
			existing = []*types.JobStatus{}
		}
		colliding, err := constraint.Evaluate(constraints, status, existing)
		if err != nil {
			return nil, err
		}
		if len(colliding) > 0 {
			log.WithField("job_id", colliding[0].ID).Info("Job matches an active job; returning the existing job")
			m.metrics.RecordDeduplicated()
			return colliding[0], nil
		}
	}

	created, err := m.store.Create(ctx, status)
	if err != nil {
		log.WithError(err).Error("Unable to persist job status")
		return nil, errors.Wrapf(err, "failed to create job status for %q", status.JobKey)
	}
	log = log.WithField("job_id", created.ID)

	queued, err := m.dispatch(ctx, created, log)
	if err != nil {
		log.WithError(err).Error("Unable to dispatch job message for new job; deleting job")
		m.metrics.RecordDispatchFailure()
		if derr := m.store.Delete(ctx, created.ID); derr != nil {
			log.WithError(derr).Error("Unable to delete undispatched job status")
		}
		return nil, err
	}

	m.metrics.RecordQueued()
	log.Debug("Job queued")
	return queued, nil
}

// dispatch posts the job message, moves the status to QUEUED and commits.
// A failed QUEUED update after a successful send is logged and left for the
// execution path to resync.
func (m *JobManager) dispatch(ctx context.Context, status *types.JobStatus, log logrus.FieldLogger) (*types.JobStatus, error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	msg := types.NewJobMessage(status.ID, status.JobKey)
	if err := m.dispatcher.PostJobMessage(ctx, msg); err != nil {
		m.rollbackDispatcher(log)
		return status, asDispatchError("failed to send job message", err)
	}

	queued, err := m.updateJobStatus(ctx, status, types.StateQueued, nil)
	if err != nil {
		log.WithError(err).Error("Unable to update state for job; leaving job in its previous state for state resync upon execution")
		status.SetState(types.StateQueued)
		queued = status
	}

	if err := m.dispatcher.Commit(); err != nil {
		m.rollbackDispatcher(log)
		return queued, asDispatchError("failed to commit job message", err)
	}
	return queued, nil
}

func (m *JobManager) rollbackDispatcher(log logrus.FieldLogger) {
	if err := m.dispatcher.Rollback(); err != nil {
		log.WithError(err).Warn("Unable to roll back job message dispatcher")
	}
}

func asDispatchError(message string, err error) error {
	if joberr.IsKind(err, joberr.KindDispatch) {
		return err
	}
	return joberr.Dispatch(message, err)
}

// updateJobStatus moves status to state and persists it
func (m *JobManager) updateJobStatus(ctx context.Context, status *types.JobStatus, state types.JobState, result any) (*types.JobStatus, error) {
	from := status.State
	if from != state && !from.IsValidTransition(state) {
		m.log.WithFields(logrus.Fields{
			"job_id": status.ID,
			"from":   from,
			"to":     state,
		}).Debug("Job state transition outside the state table")
	}

	status.SetState(state)
	status.Result = result

	merged, err := m.store.Merge(ctx, status)
	if err != nil {
		m.log.WithError(err).WithField("job_id", status.ID).Errorf("Unable to update job state: %s -> %s", from, state)
		return status, joberr.StateManagement(status, from, state, err)
	}
	return merged, nil
}

// ============================================================================
// Execution
// ============================================================================

func (m *JobManager) fetchJobStatus(ctx context.Context, msg types.JobMessage) (*types.JobStatus, error) {
	status, err := m.store.Get(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, joberr.Initialization(fmt.Sprintf("unable to find job status for message: %s", msg), err, true)
	}
	if err != nil {
		// the job is assumed to still be waiting; let the broker redeliver
		return nil, joberr.Initialization(fmt.Sprintf("unable to query job status for message: %s", msg), err, false)
	}

	if status.JobKey != msg.JobKey {
		return nil, joberr.Initialization(
			fmt.Sprintf("job message key %q does not match job %q", msg.JobKey, status.JobKey), nil, true)
	}
	if !status.State.IsKnown() || status.State.IsTerminal() {
		return nil, joberr.Initialization(
			fmt.Sprintf("job %q is in an unknown or terminal state: %s", status.Name, status.State), nil, true)
	}
	if status.State == types.StateRunning && status.Executor != "" && status.Executor != m.nodeName {
		return nil, joberr.Initialization(
			fmt.Sprintf("job %q is already running on %s", status.Name, status.Executor), nil, true)
	}
	return status, nil
}

// jobLogger carries the job's identity and metadata on every line, at the
// job's own level when one is set
func (m *JobManager) jobLogger(status *types.JobStatus) logrus.FieldLogger {
	base := m.logger
	if status.LogLevel != "" {
		if level, err := logrus.ParseLevel(status.LogLevel); err == nil && level != base.GetLevel() {
			base = &logrus.Logger{
				Out:          base.Out,
				Formatter:    base.Formatter,
				Hooks:        base.Hooks,
				Level:        level,
				ExitFunc:     base.ExitFunc,
				ReportCaller: base.ReportCaller,
			}
		}
	}

	fields := logrus.Fields{
		"requestType": "job",
		"requestUuid": status.ID,
		"job_key":     status.JobKey,
	}
	for k, v := range status.Metadata {
		fields[k] = v
	}
	return base.WithFields(fields)
}

// ExecuteJob runs the job referenced by msg on this node
func (m *JobManager) ExecuteJob(ctx context.Context, msg types.JobMessage) (*types.JobStatus, error) {
	if err := msg.Validate(); err != nil {
		return nil, joberr.Initialization("invalid job message", err, true)
	}

	status, err := m.fetchJobStatus(ctx, msg)
	if err != nil {
		m.log.WithError(err).Error("Unable to initialize job")
		return nil, err
	}

	job, err := m.registry.Lookup(msg.JobKey)
	if err != nil {
		// another node may know the key
		return status, joberr.Initialization(fmt.Sprintf("unable to resolve job %q", msg.JobKey), err, false)
	}

	log := m.jobLogger(status)

	status.Executor = m.nodeName
	status.Attempts++
	status.StartTime = m.now()
	status.EndTime = time.Time{}
	status, err = m.updateJobStatus(ctx, status, types.StateRunning, nil)
	if err != nil {
		return status, err
	}

	done := m.metrics.JobStarted()
	if status.LogExecutionDetails {
		log.Infof("Starting job %q", status.Name)
	}

	jc := &ExecutionContext{
		JobID:       status.ID,
		JobKey:      status.JobKey,
		Name:        status.Name,
		Attempt:     status.Attempts,
		MaxAttempts: status.MaxAttempts,
		Principal:   status.Principal,
		Arguments:   status.Arguments,
		Logger:      log,
	}

	result, jobErr := runJob(ctx, job, jc)
	if jobErr != nil {
		retry := !joberr.IsTerminal(jobErr) && status.Attempts < status.MaxAttempts
		if retry {
			done(metrics.OutcomeRetried)
		} else {
			done(metrics.OutcomeFailed)
		}

		status, err = m.processJobFailure(ctx, status, jobErr, retry, log)
		if err != nil {
			return status, err
		}
		return status, joberr.Execution(jobErr, !retry)
	}

	status.EndTime = m.now()
	status, err = m.updateJobStatus(ctx, status, types.StateFinished, result)
	if err != nil {
		done("")
		return status, err
	}
	done(metrics.OutcomeFinished)

	if status.LogExecutionDetails {
		log.Infof("Job %q completed in %dms", status.Name, status.Runtime().Milliseconds())
	}
	return status, nil
}

// runJob executes job, turning a panic into an error
func runJob(ctx context.Context, job Job, jc *ExecutionContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(ctx, jc)
}

func (m *JobManager) processJobFailure(ctx context.Context, status *types.JobStatus, cause error, retry bool, log logrus.FieldLogger) (*types.JobStatus, error) {
	status.EndTime = m.now()

	if !retry {
		updated, err := m.updateJobStatus(ctx, status, types.StateFailed, cause.Error())
		log.WithError(cause).Errorf("Job %q failed in %dms", status.Name, status.Runtime().Milliseconds())
		return updated, err
	}

	updated, err := m.updateJobStatus(ctx, status, types.StateFailedWithRetry, cause.Error())
	if err != nil {
		return updated, err
	}
	log.WithError(cause).Warnf("Job %q failed in %dms; retrying...", status.Name, status.Runtime().Milliseconds())

	queued, err := m.dispatch(ctx, updated, log)
	if err != nil {
		log.WithError(err).Error("Unable to dispatch retry message")
		return updated, err
	}
	return queued, nil
}

// ============================================================================
// Queries
// ============================================================================

// GetJobStatus returns the status with the given id
func (m *JobManager) GetJobStatus(ctx context.Context, id string) (*types.JobStatus, error) {
	if blank(id) {
		return nil, joberr.InvalidArgument("job id is null or empty")
	}
	return m.store.Get(ctx, id)
}

// FindJobs lists statuses matching filter
func (m *JobManager) FindJobs(ctx context.Context, filter store.ListFilter) ([]*types.JobStatus, error) {
	return m.store.List(ctx, filter)
}
