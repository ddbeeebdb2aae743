// ============================================================================
// Dead-letter sinks
// ============================================================================
//
// Package: internal/deadletter
// File: deadletter.go
// Purpose: Record job messages the receiver gives up on.
//
// The receiver commits a message it cannot recover from (a terminal state
// failure or an unclassified terminal job error) and hands a Letter to a
// Sink so the event is kept somewhere an operator can find it.
//
//   LogSink     logrus error line (default)
//   RedisSink   XADD to a redis stream
//   KafkaSink   write to a kafka topic
//   MemorySink  in-memory, for tests
//
// ============================================================================

package deadletter

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Letter describes one dead-lettered message
type Letter struct {
	JobID         string            `json:"job_id,omitempty"`
	JobKey        string            `json:"job_key,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	DeliveryCount int               `json:"delivery_count"`
	Reason        string            `json:"reason"`
	Error         string            `json:"error,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Sink stores dead letters
type Sink interface {
	Send(ctx context.Context, letter Letter) error
	Close() error
}

func stamp(letter Letter) Letter {
	if letter.Timestamp.IsZero() {
		letter.Timestamp = time.Now().UTC()
	}
	return letter
}

// ----------------------------------------------------------------------------
// LogSink
// ----------------------------------------------------------------------------

// LogSink writes dead letters to the log
type LogSink struct {
	logger logrus.FieldLogger
}

// NewLogSink creates a LogSink
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger.WithField("component", "deadletter")}
}

func (s *LogSink) Send(_ context.Context, letter Letter) error {
	letter = stamp(letter)
	s.logger.WithFields(logrus.Fields{
		"job_id":         letter.JobID,
		"job_key":        letter.JobKey,
		"delivery_count": letter.DeliveryCount,
		"reason":         letter.Reason,
		"error":          letter.Error,
		"body":           string(letter.Body),
	}).Error("Job message dead-lettered")
	return nil
}

func (s *LogSink) Close() error { return nil }

// ----------------------------------------------------------------------------
// RedisSink
// ----------------------------------------------------------------------------

// StreamAdder is the part of the redis client RedisSink needs
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends dead letters to a redis stream
type RedisSink struct {
	client StreamAdder
	stream string
	maxLen int64
	closer func() error
}

// NewRedisSink connects to addr and writes to stream. maxLen caps the stream
// length approximately; zero leaves it unbounded.
func NewRedisSink(addr, stream string, maxLen int64) (*RedisSink, error) {
	if addr == "" || stream == "" {
		return nil, errors.New("redis dead-letter sink needs an address and a stream")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	sink := NewRedisSinkWithClient(client, stream, maxLen)
	sink.closer = client.Close
	return sink, nil
}

// NewRedisSinkWithClient wraps an existing client
func NewRedisSinkWithClient(client StreamAdder, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Send(ctx context.Context, letter Letter) error {
	letter = stamp(letter)

	values := map[string]any{
		"job_id":         letter.JobID,
		"job_key":        letter.JobKey,
		"body":           string(letter.Body),
		"delivery_count": strconv.Itoa(letter.DeliveryCount),
		"reason":         letter.Reason,
		"error":          letter.Error,
		"timestamp":      letter.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range letter.Properties {
		values["prop."+k] = v
	}

	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "xadd dead letter (stream=%s)", s.stream)
	}
	return nil
}

func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// ----------------------------------------------------------------------------
// KafkaSink
// ----------------------------------------------------------------------------

// MessageWriter is the part of kafka.Writer KafkaSink needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes dead letters as JSON to a kafka topic, keyed by job id
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a synchronous writer for topic
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka dead-letter sink needs brokers and a topic")
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}), nil
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Send(ctx context.Context, letter Letter) error {
	letter = stamp(letter)

	value, err := json.Marshal(letter)
	if err != nil {
		return errors.Wrap(err, "failed to encode dead letter")
	}

	headers := []kafka.Header{{Key: "reason", Value: []byte(letter.Reason)}}
	if letter.JobKey != "" {
		headers = append(headers, kafka.Header{Key: "job_key", Value: []byte(letter.JobKey)})
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(letter.JobID),
		Value:   value,
		Headers: headers,
		Time:    letter.Timestamp,
	})
	return errors.Wrap(err, "failed to write dead letter")
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// ----------------------------------------------------------------------------
// MemorySink
// ----------------------------------------------------------------------------

// MemorySink keeps dead letters in memory
type MemorySink struct {
	mu      sync.Mutex
	letters []Letter
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Send(_ context.Context, letter Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, stamp(letter))
	return nil
}

// Letters returns a copy of what has been received
func (s *MemorySink) Letters() []Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Letter(nil), s.letters...)
}

func (s *MemorySink) Close() error { return nil }
