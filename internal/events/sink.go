package events

import "context"

// Sink consumes batches of events. Consume runs on the hub goroutine, so a
// sink must never block on the hub itself; use Emit to publish follow-ups.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// Route binds a sink to the topics it handles. An empty Topics list matches
// every topic.
type Route struct {
	Name   string
	Topics []Topic
	Sink   Sink
}

func (r Route) matches(t Topic) bool {
	if len(r.Topics) == 0 {
		return true
	}
	for _, topic := range r.Topics {
		if topic == t {
			return true
		}
	}
	return false
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(context.Context, []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink; it performs no action.
func (SinkFunc) Close(context.Context) error {
	return nil
}
