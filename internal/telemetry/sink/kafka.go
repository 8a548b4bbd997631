package sink

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// HeaderUploadPath carries the upload path on every Kafka message; the relay uses it as dedupe key.
const HeaderUploadPath = "upload_path"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each batch as a single message to a Kafka topic, keyed by upload path.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic. brokers must be non-empty. Call Close when shutting down.
func NewKafkaSink(brokers []string, topic string, timeout time.Duration) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaSink{writer: writer, timeout: timeout}, nil
}

// Post writes payload unchanged as the message value. The write is bounded by the sink timeout.
func (s *KafkaSink) Post(ctx context.Context, path string, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("kafka: empty payload")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(path),
		Value:   payload,
		Headers: []kafka.Header{{Key: HeaderUploadPath, Value: []byte(path)}},
	})
}

// Close closes the Kafka writer. Safe to call on a nil sink.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
