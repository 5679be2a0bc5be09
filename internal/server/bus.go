package server

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/JakeFAU/listing-archiver/internal/events"
)

var errBusDetached = errors.New("event hub not attached")

// lateBus lets components built before the hub emit through it. The hub
// takes their sinks at construction, so it is attached last.
type lateBus struct {
	hub atomic.Pointer[events.Hub]
}

func (b *lateBus) attach(hub *events.Hub) {
	b.hub.Store(hub)
}

// Emit implements events.Emitter. Events emitted before attach are dropped.
func (b *lateBus) Emit(evt events.Event) {
	if hub := b.hub.Load(); hub != nil {
		hub.Emit(evt)
	}
}

func (b *lateBus) Publish(ctx context.Context, evt events.Event) error {
	hub := b.hub.Load()
	if hub == nil {
		return errBusDetached
	}
	return hub.Publish(ctx, evt)
}

// Subscribe returns nil before attach.
func (b *lateBus) Subscribe(filter events.Filter) *events.Subscription {
	hub := b.hub.Load()
	if hub == nil {
		return nil
	}
	return hub.Subscribe(filter)
}
