// ============================================================================
// RabbitMQ backend
// ============================================================================
//
// Package: internal/messaging/rabbitmq
// File: rabbitmq.go
// Purpose: messaging.SessionFactory over RabbitMQ (AMQP 0-9-1).
//
// Mapping:
//   Session     one channel in transaction mode (Tx) with prefetch 1
//   Producer    publish to the default exchange, routing key = address
//   Consumer    manual-ack Consume on the durable queue named address
//   Properties  message headers (string values)
//   Commit      ack held deliveries, then TxCommit
//   Rollback    TxRollback, nack held deliveries with requeue, then TxCommit
//
// Filters are evaluated client-side. A delivery the filter rejects is
// returned to the queue after RejectDelay so other consumers can take it.
//
// ============================================================================

package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/internal/messaging"
)

// ErrNotConnected is returned when the broker connection is gone
var ErrNotConnected = errors.New("rabbitmq connection is not available")

// Config holds connection settings
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	RejectDelay    time.Duration
}

// Factory creates sessions on one RabbitMQ connection
type Factory struct {
	conn   *amqp.Connection
	cfg    Config
	logger logrus.FieldLogger
	mu     sync.Mutex
}

// Dial connects to RabbitMQ
func Dial(cfg Config, logger logrus.FieldLogger) (*Factory, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.RejectDelay <= 0 {
		cfg.RejectDelay = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Dial:      amqp.DefaultDial(cfg.ConnectTimeout),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to rabbitmq")
	}

	return &Factory{
		conn:   conn,
		cfg:    cfg,
		logger: logger.WithField("component", "rabbitmq"),
	}, nil
}

// IsConnected checks whether the connection is usable
func (f *Factory) IsConnected() bool {
	return f.conn != nil && !f.conn.IsClosed()
}

// CreateSession implements messaging.SessionFactory
func (f *Factory) CreateSession() (messaging.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.IsConnected() {
		return nil, ErrNotConnected
	}

	ch, err := f.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "failed to set QoS")
	}
	if err := ch.Tx(); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "failed to put channel in transaction mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ch:          ch,
		logger:      f.logger,
		rejectDelay: f.cfg.RejectDelay,
		gate:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Close closes the connection
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.IsConnected() {
		return nil
	}
	if err := f.conn.Close(); err != nil {
		return errors.Wrap(err, "failed to close rabbitmq connection")
	}
	return nil
}

// ----------------------------------------------------------------------------

type session struct {
	ch          *amqp.Channel
	logger      logrus.FieldLogger
	rejectDelay time.Duration

	mu       sync.Mutex
	closed   bool
	started  bool
	gate     chan struct{} // closed while started
	inflight []amqp.Delivery

	// serializes handlers across the session's consumers
	deliverMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func declare(ch *amqp.Channel, address string) error {
	_, err := ch.QueueDeclare(
		address, // queue name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", address)
	}
	return nil
}

func (s *session) CreateProducer(address string) (messaging.Producer, error) {
	if s.IsClosed() {
		return nil, messaging.ErrSessionClosed
	}
	if err := declare(s.ch, address); err != nil {
		return nil, err
	}
	return &producer{session: s, address: address}, nil
}

func (s *session) CreateConsumer(address, filter string, handler messaging.Handler) (messaging.Consumer, error) {
	selector, err := messaging.ParseSelector(filter)
	if err != nil {
		return nil, err
	}
	if s.IsClosed() {
		return nil, messaging.ErrSessionClosed
	}
	if err := declare(s.ch, address); err != nil {
		return nil, err
	}

	tag := fmt.Sprintf("cp-async-%s-%d", address, time.Now().UnixNano())
	deliveries, err := s.ch.Consume(
		address, // queue
		tag,     // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register consumer")
	}

	c := &consumer{session: s, tag: tag, selector: selector, handler: handler}
	go c.run(deliveries)
	return c, nil
}

func (s *session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return messaging.ErrSessionClosed
	}
	if !s.started {
		s.started = true
		close(s.gate)
	}
	return nil
}

func (s *session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return messaging.ErrSessionClosed
	}
	if s.started {
		s.started = false
		s.gate = make(chan struct{})
	}
	return nil
}

func (s *session) waitStarted() bool {
	for {
		s.mu.Lock()
		gate, closed := s.gate, s.closed
		s.mu.Unlock()

		if closed {
			return false
		}
		select {
		case <-gate:
			return true
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.ErrSessionClosed
	}
	inflight := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	for _, d := range inflight {
		if err := d.Ack(false); err != nil {
			return errors.Wrap(err, "failed to ack delivery")
		}
	}
	return errors.Wrap(s.ch.TxCommit(), "failed to commit transaction")
}

func (s *session) Rollback() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.ErrSessionClosed
	}
	inflight := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	return s.rollback(inflight)
}

func (s *session) rollback(inflight []amqp.Delivery) error {
	if err := s.ch.TxRollback(); err != nil {
		return errors.Wrap(err, "failed to roll back transaction")
	}
	if len(inflight) == 0 {
		return nil
	}
	for _, d := range inflight {
		if err := d.Nack(false, true); err != nil {
			return errors.Wrap(err, "failed to requeue delivery")
		}
	}
	return errors.Wrap(s.ch.TxCommit(), "failed to commit requeue")
}

// Close rolls back any open transaction and closes the channel
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inflight := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	s.cancel()
	if err := s.rollback(inflight); err != nil {
		s.logger.WithError(err).Warn("Rollback on session close failed")
	}
	return errors.Wrap(s.ch.Close(), "failed to close channel")
}

func (s *session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ch.IsClosed()
}

func (s *session) hold(d amqp.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = append(s.inflight, d)
}

// ----------------------------------------------------------------------------

type producer struct {
	session *session
	address string
}

func (p *producer) Send(ctx context.Context, msg messaging.OutboundMessage) error {
	if p.session.IsClosed() {
		return messaging.ErrSessionClosed
	}

	headers := amqp.Table{}
	for k, v := range msg.Properties {
		headers[k] = v
	}
	mode := amqp.Transient
	if msg.Durable {
		mode = amqp.Persistent
	}

	err := p.session.ch.PublishWithContext(
		ctx,
		"",        // exchange
		p.address, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			Headers:      headers,
			Timestamp:    time.Now(),
			Body:         msg.Body,
		})
	return errors.Wrap(err, "failed to publish message")
}

func (p *producer) Close() error { return nil }

type consumer struct {
	session  *session
	tag      string
	selector *messaging.Selector
	handler  messaging.Handler
}

func (c *consumer) run(deliveries <-chan amqp.Delivery) {
	s := c.session
	for d := range deliveries {
		if !s.waitStarted() {
			_ = d.Nack(false, true)
			return
		}

		msg := newMessage(s, d)
		if !c.selector.Matches(msg.properties) {
			c.reject(d)
			continue
		}

		s.deliverMu.Lock()
		s.hold(d)
		c.handler(s.ctx, msg)
		s.deliverMu.Unlock()
	}
}

// reject returns a filtered delivery to the queue
func (c *consumer) reject(d amqp.Delivery) {
	s := c.session
	select {
	case <-time.After(s.rejectDelay):
	case <-s.ctx.Done():
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if err := d.Nack(false, true); err != nil {
		s.logger.WithError(err).Warn("Failed to return filtered delivery")
		return
	}
	if err := s.ch.TxCommit(); err != nil {
		s.logger.WithError(err).Warn("Failed to commit filtered delivery")
	}
}

func (c *consumer) Close() error {
	return errors.Wrap(c.session.ch.Cancel(c.tag, false), "failed to cancel consumer")
}

// ----------------------------------------------------------------------------

type message struct {
	session    *session
	body       []byte
	properties map[string]string
	deliveries int
}

func newMessage(s *session, d amqp.Delivery) *message {
	properties := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if str, ok := v.(string); ok {
			properties[k] = str
			continue
		}
		properties[k] = fmt.Sprint(v)
	}
	return &message{
		session:    s,
		body:       d.Body,
		properties: properties,
		deliveries: deliveryCount(d),
	}
}

// deliveryCount reads the quorum queue counter when present and falls back
// to the redelivered flag
func deliveryCount(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil {
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (m *message) Body() []byte { return m.body }

func (m *message) Property(name string) (string, bool) {
	v, ok := m.properties[name]
	return v, ok
}

func (m *message) Properties() map[string]string {
	out := make(map[string]string, len(m.properties))
	for k, v := range m.properties {
		out[k] = v
	}
	return out
}

func (m *message) DeliveryCount() int { return m.deliveries }

func (m *message) Acknowledge() error {
	if m.session.IsClosed() {
		return messaging.ErrSessionClosed
	}
	return nil
}
