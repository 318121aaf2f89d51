package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewWriter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.KafkaConfig
		wantErr error
	}{
		{"valid", config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "t", Compression: "snappy", RequiredAcks: "all"}, nil},
		{"defaults", config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "t"}, nil},
		{"no brokers", config.KafkaConfig{Topic: "t"}, ErrNoBrokers},
		{"no topic", config.KafkaConfig{Brokers: []string{"k:9092"}}, ErrNoTopic},
		{"bad compression", config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "t", Compression: "brotli"}, ErrInvalidCompression},
		{"bad acks", config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "t", RequiredAcks: "most"}, ErrInvalidAcks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewWriter() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				if w.Topic() != tt.cfg.Topic {
					t.Errorf("Topic() = %q", w.Topic())
				}
				w.Close() //nolint:errcheck // nothing was written
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	tests := map[string]kafkago.Compression{
		"":       0,
		"none":   0,
		"gzip":   kafkago.Gzip,
		"Snappy": kafkago.Snappy,
		"lz4":    kafkago.Lz4,
		"zstd":   kafkago.Zstd,
	}
	for in, want := range tests {
		got, err := parseCompression(in)
		if err != nil || got != want {
			t.Errorf("parseCompression(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestPublish(t *testing.T) {
	fw := &fakeWriter{}
	w := &Writer{w: fw, topic: "events"}

	err := w.Publish(context.Background(), "gw-1", []byte(`{"a":1}`), map[string]string{"type": "device.added"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "gw-1" || string(msg.Value) != `{"a":1}` {
		t.Errorf("message = key %q value %q", msg.Key, msg.Value)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != "type" || string(msg.Headers[0].Value) != "device.added" {
		t.Errorf("headers = %v", msg.Headers)
	}

	fw.err = errors.New("leader not available")
	if err := w.Publish(context.Background(), "gw-1", nil, nil); err == nil {
		t.Error("Publish() expected error")
	}

	if err := w.Close(); err != nil || !fw.closed {
		t.Errorf("Close() error = %v closed=%v", err, fw.closed)
	}
}
