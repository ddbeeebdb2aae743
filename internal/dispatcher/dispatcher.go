// ============================================================================
// Job message dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Post job messages to the broker through one shared transacted
// session
//
// The session and its producer are created on first use and recreated when
// the broker reports the session closed. Every access to the pair happens
// under mu, so concurrent callers share one transaction: a Commit publishes
// every message posted since the last Commit or Rollback.
//
// ============================================================================

package dispatcher

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/messaging"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// Dispatcher implements jobmanager.Dispatcher over a messaging.SessionFactory
type Dispatcher struct {
	factory messaging.SessionFactory
	address string
	log     logrus.FieldLogger

	mu       sync.Mutex
	session  messaging.Session
	producer messaging.Producer
}

// New creates a dispatcher posting to the job address. No session is opened
// until the first message is posted.
func New(factory messaging.SessionFactory, logger logrus.FieldLogger) (*Dispatcher, error) {
	if factory == nil {
		return nil, joberr.InvalidArgument("session factory is null")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		factory: factory,
		address: types.JobMessageAddress,
		log:     logger.WithField("component", "dispatcher"),
	}, nil
}

// producerLocked returns the producer, opening a new session when there is
// none or the current one has been closed
func (d *Dispatcher) producerLocked() (messaging.Producer, error) {
	if d.session != nil && !d.session.IsClosed() && d.producer != nil {
		return d.producer, nil
	}

	if d.session != nil {
		d.log.Warn("Dispatcher session is closed; creating a new session")
		d.closeLocked()
	}

	session, err := d.factory.CreateSession()
	if err != nil {
		return nil, err
	}
	producer, err := session.CreateProducer(d.address)
	if err != nil {
		if cerr := session.Close(); cerr != nil {
			d.log.WithError(cerr).Debug("Unable to close half-open session")
		}
		return nil, err
	}

	d.session = session
	d.producer = producer
	d.log.Debug("Created dispatcher session")
	return producer, nil
}

// PostJobMessage sends msg with its job key as a message property. The
// message is not visible to receivers until Commit.
func (d *Dispatcher) PostJobMessage(ctx context.Context, msg types.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return joberr.Dispatch("unable to serialize job message", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	producer, err := d.producerLocked()
	if err != nil {
		return joberr.Dispatch("unable to open a messaging session", err)
	}

	out := messaging.OutboundMessage{
		Body:       body,
		Durable:    true,
		Properties: map[string]string{types.JobKeyProperty: msg.JobKey},
	}
	if err := producer.Send(ctx, out); err != nil {
		return joberr.Dispatch("unable to send job message: "+msg.String(), err)
	}

	d.log.WithFields(logrus.Fields{"job_id": msg.JobID, "job_key": msg.JobKey}).Debug("Posted job message")
	return nil
}

// Commit publishes the messages posted since the last commit or rollback.
// Without an open session it does nothing.
func (d *Dispatcher) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil
	}
	if err := d.session.Commit(); err != nil {
		return joberr.Dispatch("unable to commit job messages", err)
	}
	return nil
}

// Rollback discards the messages posted since the last commit or rollback.
// Without an open session it does nothing.
func (d *Dispatcher) Rollback() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil
	}
	if err := d.session.Rollback(); err != nil {
		return joberr.Dispatch("unable to roll back job messages", err)
	}
	return nil
}

// Shutdown closes the session if one is open. Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.closeLocked()
		d.log.Info("Dispatcher shut down")
	}
}

func (d *Dispatcher) closeLocked() {
	if d.producer != nil {
		if err := d.producer.Close(); err != nil {
			d.log.WithError(err).Debug("Unable to close producer")
		}
	}
	if err := d.session.Close(); err != nil {
		d.log.WithError(err).Warn("Unable to close dispatcher session")
	}
	d.session = nil
	d.producer = nil
}
