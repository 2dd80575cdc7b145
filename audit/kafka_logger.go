package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

const DefaultTopic = "activity.audit.records"

type KafkaLogger struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger
	done     chan struct{}
}

func NewKafkaLogger(brokers []string, topic string, logger *slog.Logger) (*KafkaLogger, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal

	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Flush.Messages = 100

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to start kafka producer: %w", err)
	}

	return NewKafkaLoggerWithProducer(producer, topic, logger), nil
}

// NewKafkaLoggerWithProducer takes ownership of producer.
func NewKafkaLoggerWithProducer(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaLogger {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}

	k := &KafkaLogger{
		producer: producer,
		topic:    topic,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go k.drainErrors()

	return k
}

// Log enqueues rec keyed by its ref path so records of one document keep
// their order within a partition.
func (k *KafkaLogger) Log(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal failed: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.RefPath),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KafkaLogger) drainErrors() {
	defer close(k.done)
	for err := range k.producer.Errors() {
		recordsTotal.WithLabelValues("kafka", outcomeFailed).Inc()
		k.logger.Warn("Failed to publish audit record to kafka", "topic", k.topic, "error", err)
	}
}

func (k *KafkaLogger) Close() error {
	err := k.producer.Close()
	<-k.done
	return err
}
