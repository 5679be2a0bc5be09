package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
)

// PublisherSink forwards completion events to external subscribers through
// one or more crawler.Publisher implementations (Pub/Sub, Kafka). Each
// message is labelled with the bus topic it came from.
type PublisherSink struct {
	publishers []crawler.Publisher
	logger     *zap.Logger
}

// NewPublisherSink returns a sink that publishes each event payload.
func NewPublisherSink(logger *zap.Logger, publishers ...crawler.Publisher) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publishers: publishers, logger: logger}
}

// Consume publishes every payload; failures are joined so the hub logs them
// once per batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Payload == nil {
			continue
		}
		for _, pub := range s.publishers {
			id, err := pub.Publish(ctx, string(evt.Topic), evt.Payload)
			if err != nil {
				errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Topic, evt.TargetID, err))
				continue
			}
			s.logger.Debug("published event",
				zap.String("topic", string(evt.Topic)),
				zap.String("target_id", evt.TargetID),
				zap.String("message_id", id),
			)
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; publishers are closed by their owner.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
