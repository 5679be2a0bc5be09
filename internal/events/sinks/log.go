package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/events"
)

// LogSink emits structured logs for debugging event streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Payloads are
// omitted since pages and screenshots can be large.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Debug("bus event",
			zap.String("topic", string(evt.Topic)),
			zap.String("target_id", evt.TargetID),
			zap.String("client_id", evt.ClientID),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
