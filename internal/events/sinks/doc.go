// Package sinks implements concrete event consumers such as Prometheus
// counters, structured logging, and external completion publishers. Each sink
// satisfies the events.Sink interface and is safe for repeated Consume/Close
// cycles.
package sinks
