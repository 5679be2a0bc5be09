package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-archiver/internal/events"
)

// PrometheusSink exports bus throughput via Prometheus.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	lag         *prometheus.HistogramVec
	now         func() time.Time
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_bus_events_total",
			Help: "Events dispatched by the bus partitioned by topic.",
		}, []string{"topic"}),
		lag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_bus_dispatch_lag_seconds",
			Help:    "Delay between emitting an event and dispatching it.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"topic"}),
		now: time.Now,
	}
	for _, collector := range []prometheus.Collector{s.eventsTotal, s.lag} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	now := s.now()
	for _, evt := range batch {
		topic := string(evt.Topic)
		s.eventsTotal.WithLabelValues(topic).Inc()
		if lag := now.Sub(evt.TS); lag >= 0 {
			s.lag.WithLabelValues(topic).Observe(lag.Seconds())
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
