package memory

import (
	"context"
	"sync"

	"github.com/ChuLiYu/candlepin-async/internal/messaging"
)

type session struct {
	broker *Broker

	mu       sync.Mutex
	started  bool
	closed   bool
	pending  []*entry
	inflight []*entry

	consumers []*consumer
	looping   bool
	wake      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(b *Broker) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		broker: b,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) CreateProducer(address string) (messaging.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, messaging.ErrSessionClosed
	}
	return &producer{session: s, address: address}, nil
}

func (s *session) CreateConsumer(address, filter string, handler messaging.Handler) (messaging.Consumer, error) {
	selector, err := messaging.ParseSelector(filter)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, messaging.ErrSessionClosed
	}

	c := &consumer{session: s, address: address, selector: selector, handler: handler}
	s.consumers = append(s.consumers, c)
	if !s.looping {
		s.looping = true
		go s.deliver()
	}
	s.signal()
	return c, nil
}

func (s *session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return messaging.ErrSessionClosed
	}
	s.started = true
	s.signal()
	return nil
}

func (s *session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return messaging.ErrSessionClosed
	}
	s.started = false
	s.signal()
	return nil
}

func (s *session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.ErrSessionClosed
	}
	pending := s.pending
	s.pending = nil
	s.inflight = nil
	s.mu.Unlock()

	return s.broker.publish(pending)
}

func (s *session) Rollback() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.ErrSessionClosed
	}
	inflight := s.inflight
	s.pending = nil
	s.inflight = nil
	s.mu.Unlock()

	s.broker.requeue(inflight)
	return nil
}

// Close rolls back any open transaction
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inflight := s.inflight
	s.pending = nil
	s.inflight = nil
	s.consumers = nil
	s.mu.Unlock()

	s.cancel()
	s.broker.requeue(inflight)
	return nil
}

func (s *session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) send(address string, msg messaging.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return messaging.ErrSessionClosed
	}

	properties := make(map[string]string, len(msg.Properties))
	for k, v := range msg.Properties {
		properties[k] = v
	}
	s.pending = append(s.pending, &entry{
		address:    address,
		body:       append([]byte(nil), msg.Body...),
		properties: properties,
		durable:    msg.Durable,
	})
	return nil
}

// snapshot returns the active consumers, or nil while stopped
func (s *session) snapshot() (consumers []*consumer, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, true
	}
	if !s.started {
		return nil, false
	}
	for _, c := range s.consumers {
		if !c.closed {
			consumers = append(consumers, c)
		}
	}
	return consumers, false
}

// deliver runs the session's delivery loop
func (s *session) deliver() {
	for {
		changed := s.broker.changes()

		consumers, closed := s.snapshot()
		if closed {
			return
		}

		if len(consumers) > 0 {
			if c, e := s.broker.take(consumers); e != nil {
				if !s.hold(e) {
					s.broker.requeue([]*entry{e})
					return
				}
				c.handler(s.ctx, newMessage(s, e))
				continue
			}
		}

		select {
		case <-changed:
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) hold(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.inflight = append(s.inflight, e)
	return true
}

// ----------------------------------------------------------------------------

type producer struct {
	session *session
	address string

	mu     sync.Mutex
	closed bool
}

func (p *producer) Send(ctx context.Context, msg messaging.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return messaging.ErrSessionClosed
	}

	return p.session.send(p.address, msg)
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type consumer struct {
	session  *session
	address  string
	selector *messaging.Selector
	handler  messaging.Handler
	closed   bool
}

func (c *consumer) Close() error {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	c.closed = true
	c.session.signal()
	return nil
}

// ----------------------------------------------------------------------------

type message struct {
	session    *session
	body       []byte
	properties map[string]string
	deliveries int
}

func newMessage(s *session, e *entry) *message {
	properties := make(map[string]string, len(e.properties))
	for k, v := range e.properties {
		properties[k] = v
	}
	return &message{
		session:    s,
		body:       append([]byte(nil), e.body...),
		properties: properties,
		deliveries: e.deliveries,
	}
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

// Acknowledge is a receipt only; the message settles on Commit
func (m *message) Acknowledge() error {
	if m.session.IsClosed() {
		return messaging.ErrSessionClosed
	}
	return nil
}
