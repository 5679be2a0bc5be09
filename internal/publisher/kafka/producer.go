// Package kafka publishes archive events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a Kafka writer and implements crawler.Publisher.
type Producer struct {
	writer messageWriter
	seq    atomic.Int64
	now    func() time.Time
}

// NewProducer creates a Kafka producer for the given broker and topic.
func NewProducer(broker, topic string) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: false,
	})
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer messageWriter) *Producer {
	return &Producer{writer: writer, now: time.Now}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publish writes payload as JSON. The topic label travels as a header so
// consumers sharing one Kafka topic can still filter by event kind.
func (p *Producer) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	carrier := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := kafka.Message{
		Key:     keyOf(payload),
		Value:   data,
		Time:    p.now().UTC(),
		Headers: carrier.headers(topic),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return "kafka-" + strconv.FormatInt(p.seq.Add(1), 10), nil
}

// keyed payloads partition by their natural id so updates for one listing
// stay ordered.
type keyed interface {
	PartitionKey() string
}

func keyOf(payload any) []byte {
	if k, ok := payload.(keyed); ok && k.PartitionKey() != "" {
		return []byte(k.PartitionKey())
	}
	return nil
}

type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string { return c[key] }

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func (c headerCarrier) headers(topic string) []kafka.Header {
	out := make([]kafka.Header, 0, len(c)+1)
	out = append(out, kafka.Header{Key: "event-topic", Value: []byte(topic)})
	for k, v := range c {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}
