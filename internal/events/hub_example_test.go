package events

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, Route{Name: "count", Sink: sink})

	hub.Emit(Event{
		Topic:    TopicListingUpdate,
		TargetID: "00000000-0000-0000-0000-000000000001",
		TS:       time.Unix(0, 0),
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleRoute shows a route that only sees the topics it names.
func ExampleRoute() {
	var errors int
	capture := SinkFunc(func(_ context.Context, batch []Event) error {
		errors += len(batch)
		return nil
	})
	hub := NewHub(Config{MaxBatchEvents: 1}, Route{Name: "errors", Topics: []Topic{TopicError}, Sink: capture})

	hub.Emit(Event{Topic: TopicError, ClientID: "c1", TS: time.Unix(0, 0)})
	hub.Emit(Event{Topic: TopicScreenshot, TargetID: "t1", TS: time.Unix(0, 0)})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("errors seen: %d\n", errors)
	// Output:
	// errors seen: 1
}
