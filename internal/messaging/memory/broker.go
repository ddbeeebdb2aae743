// ============================================================================
// In-process broker
// ============================================================================
//
// Package: internal/messaging/memory
// File: broker.go
// Purpose: A transactional, selector-aware broker that lives in the process.
// Used for single-node deployments and for tests.
//
// Semantics:
//   - Sends are buffered per session and published on Commit.
//   - A delivered message is held by its session until Commit (dropped) or
//     Rollback / Close (returned to the head of its queue for redelivery).
//   - Each delivery increments the message's delivery count. With
//     MaxDeliveries > 0, a message rolled back that many times is discarded.
//   - Consumers only see messages their selector matches; other messages
//     stay queued for other consumers.
//
// Concurrency:
//   One delivery goroutine per session with consumers. A single broker mutex
//   guards every queue; waiting sessions are woken by closing the broker's
//   change channel.
//
// ============================================================================

package memory

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/messaging"
)

// ErrBrokerClosed is returned once the broker has been shut down
var ErrBrokerClosed = errors.New("memory broker is closed")

// Options configure a Broker
type Options struct {
	// MaxDeliveries discards a message after it has been delivered and rolled
	// back this many times. Zero means unlimited.
	MaxDeliveries int
	Logger        logrus.FieldLogger
}

type entry struct {
	address    string
	body       []byte
	properties map[string]string
	durable    bool
	deliveries int
}

// Broker is an in-memory messaging.SessionFactory
type Broker struct {
	mu      sync.Mutex
	queues  map[string][]*entry
	changed chan struct{}
	closed  bool

	maxDeliveries int
	discarded     int
	logger        logrus.FieldLogger
}

// NewBroker creates an empty broker
func NewBroker(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broker{
		queues:        make(map[string][]*entry),
		changed:       make(chan struct{}),
		maxDeliveries: opts.MaxDeliveries,
		logger:        logger.WithField("component", "memory-broker"),
	}
}

// CreateSession implements messaging.SessionFactory
func (b *Broker) CreateSession() (messaging.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	return newSession(b), nil
}

// Close stops accepting sessions and messages
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		b.notifyLocked()
	}
	return nil
}

// Depth returns the number of undelivered messages queued at address
func (b *Broker) Depth(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[address])
}

// Discarded returns how many messages exceeded MaxDeliveries
func (b *Broker) Discarded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

// Peek returns copies of the bodies queued at address, head first
func (b *Broker) Peek(address string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.queues[address]))
	for _, e := range b.queues[address] {
		out = append(out, append([]byte(nil), e.body...))
	}
	return out
}

// changes returns a channel closed on the next queue change
func (b *Broker) changes() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) publish(entries []*entry) error {
	if len(entries) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	for _, e := range entries {
		b.queues[e.address] = append(b.queues[e.address], e)
	}
	b.notifyLocked()
	return nil
}

// take removes the first message matched by any of the consumers
func (b *Broker) take(consumers []*consumer) (*consumer, *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil
	}
	for _, c := range consumers {
		queue := b.queues[c.address]
		for i, e := range queue {
			if c.selector.Matches(e.properties) {
				b.queues[c.address] = append(queue[:i:i], queue[i+1:]...)
				e.deliveries++
				return c, e
			}
		}
	}
	return nil, nil
}

// requeue returns rolled back messages to the head of their queues, keeping
// their relative order
func (b *Broker) requeue(entries []*entry) {
	if len(entries) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if b.maxDeliveries > 0 && e.deliveries >= b.maxDeliveries {
			b.discarded++
			b.logger.WithFields(logrus.Fields{
				"address":    e.address,
				"deliveries": e.deliveries,
				"properties": e.properties,
			}).Error("Message exceeded its delivery limit; discarding")
			continue
		}
		b.queues[e.address] = append([]*entry{e}, b.queues[e.address]...)
	}
	b.notifyLocked()
}
