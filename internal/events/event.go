package events

import (
	"errors"
	"fmt"
	"time"
)

// Topic names a class of bus message.
type Topic string

// Supported topics.
const (
	// TopicPageCrawled carries a crawler.Page from the scheduler to its consumers.
	TopicPageCrawled Topic = "page.crawled"
	// TopicListingUpdate carries a crawler.ListingUpdate (baseline or non-empty diff).
	TopicListingUpdate Topic = "listing.update"
	// TopicScreenshot carries a crawler.ScreenshotPayload.
	TopicScreenshot Topic = "screenshot"
	// TopicArchiveRequested asks the archive pipeline to archive a listing.
	TopicArchiveRequested Topic = "archive.requested"
	// TopicArchiveCompleted carries the finished crawler.ArchiveEntry.
	TopicArchiveCompleted Topic = "archive.completed"
	// TopicVncReady carries a crawler.VncReady escalation.
	TopicVncReady Topic = "vnc.ready"
	// TopicVncResolved carries a crawler.VncResolved notice.
	TopicVncResolved Topic = "vnc.resolved"
	// TopicError carries a sanitized crawler.ErrorPayload.
	TopicError Topic = "error"
)

// Internal reports whether the topic stays between engine components and is
// never delivered to client subscriptions.
func (t Topic) Internal() bool {
	return t == TopicPageCrawled || t == TopicArchiveRequested
}

// Known reports whether t is a supported topic.
func (t Topic) Known() bool {
	switch t {
	case TopicPageCrawled, TopicListingUpdate, TopicScreenshot, TopicArchiveRequested,
		TopicArchiveCompleted, TopicVncReady, TopicVncResolved, TopicError:
		return true
	}
	return false
}

// Event is one bus message.
type Event struct {
	Topic Topic
	// TargetID scopes the event to a crawl target; required for target topics.
	TargetID string
	// ClientID scopes the event to one client; required for vnc topics.
	ClientID string
	TS       time.Time
	Payload  any
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if !e.Topic.Known() {
		return fmt.Errorf("unknown topic %q", e.Topic)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Topic {
	case TopicPageCrawled, TopicListingUpdate, TopicScreenshot:
		if e.TargetID == "" {
			return fmt.Errorf("%s requires target id", e.Topic)
		}
	case TopicVncReady, TopicVncResolved:
		if e.ClientID == "" {
			return fmt.Errorf("%s requires client id", e.Topic)
		}
	}
	return nil
}
