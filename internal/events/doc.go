// Package events provides the in-process message bus that connects the crawl
// scheduler, the listing diff engine, the archive pipeline, and client
// sessions. Events are batched on a background goroutine and dispatched to
// routes in a fixed order, then fanned out to dynamic client subscriptions.
package events
