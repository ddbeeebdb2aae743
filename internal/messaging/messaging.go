// ============================================================================
// Messaging collaborator
// ============================================================================
//
// Package: internal/messaging
// File: messaging.go
// Purpose: The narrow broker abstraction the dispatcher and the receiver are
// written against.
//
// Model:
//   SessionFactory ──CreateSession()──> Session (transacted)
//                                        ├─ CreateProducer(address)
//                                        ├─ CreateConsumer(address, filter, handler)
//                                        ├─ Start() / Stop()   delivery on/off
//                                        └─ Commit() / Rollback() / Close()
//
// Delivery:
//   Each session owns one delivery goroutine. Handlers run on it serially and
//   are expected to call Commit or Rollback on the same session before
//   returning. Sends are buffered until Commit.
//
// Backends:
//   internal/messaging/memory - in-process broker
//   internal/messaging/rabbitmq - RabbitMQ via amqp091-go
//
// ============================================================================

package messaging

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("messaging session is closed")
	// ErrNoTransaction is returned when a non-transacted session is asked to commit
	ErrNoTransaction = errors.New("messaging session is not transacted")
)

// OutboundMessage is a message handed to a producer
type OutboundMessage struct {
	Body       []byte
	Durable    bool
	Properties map[string]string
}

// Message is a delivered message
type Message interface {
	Body() []byte
	Property(name string) (string, bool)
	Properties() map[string]string
	// DeliveryCount is 1 on first delivery and grows with each redelivery
	DeliveryCount() int
	// Acknowledge records receipt with the broker. In a transacted session the
	// message is settled only by Commit.
	Acknowledge() error
}

// Handler processes one delivered message on the session's delivery goroutine
type Handler func(ctx context.Context, msg Message)

// Producer sends messages to a fixed address
type Producer interface {
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// Consumer receives messages matching its filter
type Consumer interface {
	Close() error
}

// Session is a transactional unit of work against the broker
type Session interface {
	CreateProducer(address string) (Producer, error)
	CreateConsumer(address, filter string, handler Handler) (Consumer, error)

	Start() error
	Stop() error

	Commit() error
	Rollback() error

	Close() error
	IsClosed() bool
}

// SessionFactory creates transacted sessions
type SessionFactory interface {
	CreateSession() (Session, error)
	Close() error
}
