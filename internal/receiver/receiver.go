// ============================================================================
// Job message receiver
// ============================================================================
//
// Package: internal/receiver
// File: receiver.go
// Purpose: Consume job messages and hand them to the job manager
//
// Concurrency:
//   The receiver opens Threads transacted sessions, each with one consumer.
//   A session delivers one message at a time on its own goroutine, so the
//   number of sessions is the number of jobs this node runs concurrently.
//   There is no separate worker pool.
//
// Lifecycle:
//   uninitialized ──Initialize()──> suspended ──Start()──> started
//                                      ↑                     │
//                                      └──────Suspend()──────┘
//   any ──Shutdown()──> shutdown
//
//   Start and Resume recreate sessions the broker has closed. Start on a
//   started receiver and Suspend on a suspended one do nothing.
//
// Message handling (per message, in order):
//   1. Acknowledge
//   2. Decode the JobMessage
//   3. JobManager.ExecuteJob
//   4. Classify the outcome and commit or roll back the session
//   5. Dead-letter committed messages that need reconciliation
//   Commit and rollback failures are logged and never propagated.
//
// ============================================================================

package receiver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/deadletter"
	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/messaging"
	"github.com/ChuLiYu/candlepin-async/internal/metrics"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize
	ErrAlreadyInitialized = errors.New("job message receiver is already initialized")
	// ErrNotInitialized is returned when starting before Initialize
	ErrNotInitialized = errors.New("job message receiver is not initialized")
	// ErrShutdown is returned when starting after Shutdown
	ErrShutdown = errors.New("job message receiver is shut down")
)

// State of the receiver
type State int

const (
	StateUninitialized State = iota
	StateSuspended
	StateStarted
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSuspended:
		return "suspended"
	case StateStarted:
		return "started"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Executor runs the job a message refers to. *jobmanager.JobManager
// implements it.
type Executor interface {
	ExecuteJob(ctx context.Context, msg types.JobMessage) (*types.JobStatus, error)
}

// Options configure a Receiver
type Options struct {
	// Threads is the number of sessions. Values below 1 become 1.
	Threads int

	Blacklist []string
	// Whitelist, when non-nil, restricts the receiver to these keys
	Whitelist []string
	// Disabled lists job keys turned off individually in configuration
	Disabled []string

	DeadLetter deadletter.Sink
	Metrics    *metrics.Collector
	Logger     logrus.FieldLogger
}

// Receiver consumes job messages from the job address
type Receiver struct {
	factory messaging.SessionFactory
	opts    Options
	log     logrus.FieldLogger

	mu       sync.Mutex
	state    State
	manager  Executor
	filter   string
	sessions []messaging.Session
}

// New creates an uninitialized receiver
func New(factory messaging.SessionFactory, opts Options) (*Receiver, error) {
	if factory == nil {
		return nil, joberr.InvalidArgument("session factory is null")
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithField("component", "receiver")
	if opts.DeadLetter == nil {
		opts.DeadLetter = deadletter.NewLogSink(opts.Logger)
	}

	return &Receiver{
		factory: factory,
		opts:    opts,
		log:     log,
	}, nil
}

// State returns the current lifecycle state
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Filter returns the selector applied to the consumers
func (r *Receiver) Filter() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter
}

// Initialize opens the sessions in the suspended state
func (r *Receiver) Initialize(manager Executor) error {
	if manager == nil {
		return joberr.InvalidArgument("job manager is null")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized {
		return ErrAlreadyInitialized
	}

	filter := BuildFilter(r.opts.Blacklist, r.opts.Whitelist, r.opts.Disabled)
	if _, err := messaging.ParseSelector(filter); err != nil {
		return errors.Wrapf(err, "invalid job filter %q", filter)
	}
	r.filter = filter
	r.manager = manager

	sessions := make([]messaging.Session, 0, r.opts.Threads)
	for i := 0; i < r.opts.Threads; i++ {
		session, err := r.openSession()
		if err != nil {
			for _, s := range sessions {
				r.closeSession(s)
			}
			r.manager = nil
			return errors.Wrap(err, "unable to create job message listener")
		}
		sessions = append(sessions, session)
	}

	r.sessions = sessions
	r.state = StateSuspended
	r.opts.Metrics.SetReceiverSessions(len(sessions))
	r.log.WithFields(logrus.Fields{"threads": len(sessions), "filter": filter}).Info("Job message receiver initialized")
	return nil
}

// openSession creates a stopped session with a consumer on the job address
func (r *Receiver) openSession() (messaging.Session, error) {
	session, err := r.factory.CreateSession()
	if err != nil {
		return nil, err
	}

	l := &listener{receiver: r, session: session}
	if _, err := session.CreateConsumer(types.JobMessageAddress, r.filter, l.onMessage); err != nil {
		r.closeSession(session)
		return nil, err
	}
	return session, nil
}

func (r *Receiver) closeSession(s messaging.Session) {
	if err := s.Close(); err != nil {
		r.log.WithError(err).Warn("Unable to close job message session")
	}
}

// Start begins delivery on every session, recreating any that were closed
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateShutdown:
		return ErrShutdown
	case StateStarted:
		return nil
	}

	for i, session := range r.sessions {
		if session.IsClosed() {
			r.log.Warn("Job message session was closed; recreating it")
			replacement, err := r.openSession()
			if err != nil {
				return errors.Wrap(err, "unable to recreate job message session")
			}
			r.sessions[i] = replacement
			session = replacement
		}
		if err := session.Start(); err != nil {
			return errors.Wrap(err, "unable to start job message session")
		}
	}

	r.state = StateStarted
	r.log.Info("Job message receiver started")
	return nil
}

// Resume is Start
func (r *Receiver) Resume() error {
	return r.Start()
}

// Suspend stops delivery without closing the sessions. A job already running
// finishes first on its session.
func (r *Receiver) Suspend() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateStarted {
		return nil
	}

	for _, session := range r.sessions {
		if session.IsClosed() {
			continue
		}
		if err := session.Stop(); err != nil {
			return errors.Wrap(err, "unable to stop job message session")
		}
	}

	r.state = StateSuspended
	r.log.Info("Job message receiver suspended")
	return nil
}

// Shutdown closes every session. In-flight messages are rolled back.
func (r *Receiver) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, session := range r.sessions {
		r.closeSession(session)
	}
	r.sessions = nil
	r.state = StateShutdown
	r.opts.Metrics.SetReceiverSessions(0)
	r.log.Info("Job message receiver shut down")
}

// ============================================================================
// Listener
// ============================================================================

// listener handles the messages of one session
type listener struct {
	receiver *Receiver
	session  messaging.Session
}

func (l *listener) onMessage(ctx context.Context, msg messaging.Message) {
	r := l.receiver
	log := r.log.WithField("delivery_count", msg.DeliveryCount())

	var jobMsg types.JobMessage
	err := msg.Acknowledge()
	if err == nil {
		err = json.Unmarshal(msg.Body(), &jobMsg)
	}
	if err == nil {
		log = log.WithFields(logrus.Fields{"job_id": jobMsg.JobID, "job_key": jobMsg.JobKey})
		_, err = r.manager.ExecuteJob(ctx, jobMsg)
	}

	d := Classify(err)
	if err != nil {
		log.WithError(err).Warnf("Job message not completed (%s); %s", d.Reason, d.Action)
	}

	switch d.Action {
	case Commit:
		if cerr := l.session.Commit(); cerr != nil {
			log.WithError(cerr).Error("Unable to commit job message")
			return
		}
	case Rollback:
		if rerr := l.session.Rollback(); rerr != nil {
			log.WithError(rerr).Error("Unable to roll back job message")
			return
		}
	}
	r.opts.Metrics.RecordMessage(d.Action.String())

	if d.DeadLetter {
		l.deadLetter(ctx, msg, jobMsg, d, err, log)
	}
}

func (l *listener) deadLetter(ctx context.Context, msg messaging.Message, jobMsg types.JobMessage, d Disposition, cause error, log logrus.FieldLogger) {
	letter := deadletter.Letter{
		JobID:         jobMsg.JobID,
		JobKey:        jobMsg.JobKey,
		Body:          msg.Body(),
		Properties:    msg.Properties(),
		DeliveryCount: msg.DeliveryCount(),
		Reason:        d.Reason,
	}
	if cause != nil {
		letter.Error = cause.Error()
	}

	if err := l.receiver.opts.DeadLetter.Send(ctx, letter); err != nil {
		log.WithError(err).Error("Unable to dead-letter job message")
		return
	}
	l.receiver.opts.Metrics.RecordDeadLetter()
}
