package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
)

// Errors returned by the writer.
var (
	// ErrNoBrokers is returned when no broker addresses are configured.
	ErrNoBrokers = errors.New("kafka: no brokers configured")

	// ErrNoTopic is returned when the topic is empty.
	ErrNoTopic = errors.New("kafka: topic is required")

	// ErrInvalidCompression is returned for an unknown compression codec.
	ErrInvalidCompression = errors.New("kafka: invalid compression")

	// ErrInvalidAcks is returned for an unknown required_acks value.
	ErrInvalidAcks = errors.New("kafka: invalid required acks")
)

// messageWriter is the subset of *kafkago.Writer the Writer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes keyed messages to one topic.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Writer struct {
	w     messageWriter
	topic string
}

// NewWriter builds a synchronous writer from config.
func NewWriter(cfg config.KafkaConfig) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Topic == "" {
		return nil, ErrNoTopic
	}
	compression, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	acks, err := parseAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := time.Duration(cfg.BatchTimeout) * time.Millisecond
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}

	return &Writer{
		w: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			BatchSize:    batchSize,
			BatchTimeout: batchTimeout,
			Compression:  compression,
			RequiredAcks: acks,
		},
		topic: cfg.Topic,
	}, nil
}

// Topic returns the topic messages are written to.
func (w *Writer) Topic() string {
	return w.topic
}

// Publish writes one message keyed by key. Headers are optional.
func (w *Writer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	if err := w.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing to %s: %w", w.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (w *Writer) Close() error {
	if w == nil || w.w == nil {
		return nil
	}
	return w.w.Close()
}

func parseCompression(name string) (kafkago.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafkago.Gzip, nil
	case "snappy":
		return kafkago.Snappy, nil
	case "lz4":
		return kafkago.Lz4, nil
	case "zstd":
		return kafkago.Zstd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCompression, name)
}

func parseAcks(name string) (kafkago.RequiredAcks, error) {
	switch strings.ToLower(name) {
	case "", "one":
		return kafkago.RequireOne, nil
	case "none":
		return kafkago.RequireNone, nil
	case "all":
		return kafkago.RequireAll, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAcks, name)
}
