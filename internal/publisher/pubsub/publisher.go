// Package pubsub publishes archive completions to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

// Message attributes set on every publish. Subscribers filter on these
// without decoding the JSON body.
const (
	AttrEventTopic = "event-topic"
	AttrListingPID = "listing-pid"
	AttrArchivedAt = "archived-at"
	AttrChallenge  = "challenge"
)

// Publisher wraps a Pub/Sub topic publisher and implements crawler.Publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish sends payload as JSON. topic is the bus topic the payload came
// from; archive entries also carry their listing in the attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := newMessage(ctx, topic, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

func newMessage(ctx context.Context, topic string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	attrs := attributes(topic, payload)
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

func attributes(topic string, payload any) map[string]string {
	attrs := map[string]string{AttrEventTopic: topic}
	var entry crawler.ArchiveEntry
	switch v := payload.(type) {
	case crawler.ArchiveEntry:
		entry = v
	case *crawler.ArchiveEntry:
		if v == nil {
			return attrs
		}
		entry = *v
	default:
		return attrs
	}
	if entry.ListingPID != "" {
		attrs[AttrListingPID] = entry.ListingPID
	}
	if !entry.CreatedAt.IsZero() {
		attrs[AttrArchivedAt] = entry.CreatedAt.UTC().Format(time.RFC3339)
	}
	attrs[AttrChallenge] = strconv.FormatBool(entry.DetectedChallenge)
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
