package audit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const (
	BackendStore  = "store"
	BackendKafka  = "kafka"
	BackendStdout = "stdout"
)

type Config struct {
	// Enabled determines if audit logging is active
	Enabled bool `envconfig:"AUDIT_ENABLED" default:"true" yaml:"enabled"`

	// Backends lists where records are delivered: store, kafka, stdout.
	Backends []string `envconfig:"AUDIT_BACKENDS" default:"store" yaml:"backends" validate:"dive,oneof=store kafka stdout"`

	// Collection receives records for the store backend.
	Collection string `envconfig:"AUDIT_COLLECTION" default:"mzj_activity_log" yaml:"collection" validate:"required"`

	// Async detaches delivery from the intercepted write.
	Async bool `envconfig:"AUDIT_ASYNC" default:"false" yaml:"async"`

	// BufferSize is the size of the async channel.
	BufferSize int `envconfig:"AUDIT_BUFFER_SIZE" default:"1024" yaml:"buffer_size" validate:"min=1"`

	// BlockOnFull determines the strategy when buffer is full.
	// TRUE: the write path waits for buffer space.
	// FALSE: the record is dropped and counted.
	BlockOnFull bool `envconfig:"AUDIT_BLOCK_ON_FULL" default:"false" yaml:"block_on_full"`

	KafkaBrokers []string `envconfig:"AUDIT_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaTopic   string   `envconfig:"AUDIT_KAFKA_TOPIC" default:"activity.audit.records" yaml:"kafka_topic"`
}

// New builds the Logger described by cfg. The returned closer flushes and
// releases every backend.
func New(cfg Config, stores StoreResolver, logger *slog.Logger) (Logger, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("Audit disabled", "impact", "writes continue but no activity is recorded")
		return &NoopLogger{}, closers(nil), nil
	}

	var (
		sinks MultiLogger
		cs    closers
	)
	for _, b := range cfg.Backends {
		switch b {
		case BackendStore:
			sinks = append(sinks, NewStoreLogger(stores, cfg.Collection))
		case BackendStdout:
			sinks = append(sinks, NewJSONLogger(os.Stdout))
		case BackendKafka:
			if len(cfg.KafkaBrokers) == 0 {
				_ = cs.Close()
				return nil, nil, errors.New("audit: kafka backend requires AUDIT_KAFKA_BROKERS")
			}
			k, err := NewKafkaLogger(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
			if err != nil {
				_ = cs.Close()
				return nil, nil, err
			}
			sinks = append(sinks, k)
			cs = append(cs, k)
		default:
			_ = cs.Close()
			return nil, nil, fmt.Errorf("audit: unknown backend %q", b)
		}
	}

	var out Logger = sinks
	if len(sinks) == 1 {
		out = sinks[0]
	}
	if cfg.Async {
		async := NewAsyncLogger(out, cfg.BufferSize, cfg.BlockOnFull, logger)
		// the queue drains into the backends, so it closes first
		cs = append(closers{async}, cs...)
		out = async
	}
	return out, cs, nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
