package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"sap-audit-relay/internal/config"
)

// KafkaSender mirrors admitted records to a Kafka topic, keyed by
// fingerprint. It is best-effort: failures are counted and logged but
// never affect the primary delivery path.
type KafkaSender struct {
	writer  *kafka.Writer
	timeout time.Duration
	logger  *slog.Logger
	closed  atomic.Bool

	produced uint64
	errors   uint64
}

// KafkaMetrics is a point-in-time snapshot of mirror counters.
type KafkaMetrics struct {
	Produced uint64
	Errors   uint64
}

// NewKafkaSender builds the mirror writer. No broker connection is made
// until the first message.
func NewKafkaSender(cfg config.KafkaConfig, logger *slog.Logger) *KafkaSender {
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.Timeout,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka mirror enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)

	return &KafkaSender{
		writer:  writer,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Send publishes one record line keyed by its fingerprint.
func (k *KafkaSender) Send(ctx context.Context, key string, line []byte) error {
	if k.closed.Load() {
		return ErrClosed
	}

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: line,
		Time:  time.Now(),
	})
	if err != nil {
		atomic.AddUint64(&k.errors, 1)
		return fmt.Errorf("produce record: %w", err)
	}

	atomic.AddUint64(&k.produced, 1)
	return nil
}

// Close flushes and closes the writer. Safe to call twice.
func (k *KafkaSender) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.writer.Close()
}

// Metrics returns a snapshot of mirror counters.
func (k *KafkaSender) Metrics() KafkaMetrics {
	return KafkaMetrics{
		Produced: atomic.LoadUint64(&k.produced),
		Errors:   atomic.LoadUint64(&k.errors),
	}
}
