package events

import (
	"sync"
	"sync/atomic"
)

// Filter narrows which events a subscription receives. Empty fields match
// anything. Events without a client id reach every client watching their
// target; events without a target id reach every target watcher of their
// client.
type Filter struct {
	ClientID string
	TargetID string
	Topics   []Topic
}

func (f Filter) matches(evt Event) bool {
	if evt.Topic.Internal() {
		return false
	}
	if f.ClientID != "" && evt.ClientID != "" && f.ClientID != evt.ClientID {
		return false
	}
	if f.TargetID != "" && evt.TargetID != "" && f.TargetID != evt.TargetID {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == evt.Topic {
			return true
		}
	}
	return false
}

// Subscription is a live client feed. Slow readers lose events rather than
// stalling the hub.
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	hub    *Hub

	dropped atomic.Int64
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	onClose []func()
}

// ID returns the hub-local subscription id.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Filter returns the subscription filter.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// OnClose registers fn to run once when the subscription closes. If it is
// already closed, fn runs immediately.
func (s *Subscription) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close detaches the subscription and runs its close hooks. Safe to call
// multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.hub != nil {
			s.hub.unsubscribe(s)
		}
		close(s.ch)
		s.mu.Lock()
		s.closed = true
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (s *Subscription) deliver(evt Event) {
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}
