package crawler

import (
	"time"
)

// CrawlTarget is one logical crawl subject. ID is derived from URL so every
// client requesting the same page maps to the same coordination keys.
type CrawlTarget struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	ClientID string `json:"clientId"`
	Kind     Kind   `json:"kind"`
	// Display is the virtual display used by interactive resolution jobs.
	Display int `json:"display,omitempty"`
}

// CrawlLease is a TTL-bounded claim on a target held in the coordination store.
type CrawlLease struct {
	TargetID   string        `json:"targetId"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	TTL        time.Duration `json:"ttl"`
}

// QueueEntry is a crawl request parked while its target or client was busy.
type QueueEntry struct {
	ClientID string `json:"clientId"`
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Kind     Kind   `json:"kind"`
	Display  int    `json:"display,omitempty"`
}

// Target rebuilds the crawl target described by the entry.
func (e QueueEntry) Target() CrawlTarget {
	return CrawlTarget{
		ID:       e.TargetID,
		URL:      e.URL,
		ClientID: e.ClientID,
		Kind:     e.Kind,
		Display:  e.Display,
	}
}

// CommentSummary is external discussion metadata attached to a listing.
type CommentSummary struct {
	Title      string `json:"title"`
	TotalCount int    `json:"totalCount"`
}

// ListingRecord is one ad found on a search-result page.
type ListingRecord struct {
	ListingID         string          `json:"listingId"`
	Href              string          `json:"href"`
	Title             string          `json:"title"`
	MetaFields        []string        `json:"metaFields,omitempty"`
	ImageURLs         []string        `json:"imageUrls,omitempty"`
	EstimatedPostedAt *time.Time      `json:"estimatedPostedAt,omitempty"`
	Archived          bool            `json:"archived"`
	CommentSummary    *CommentSummary `json:"commentSummary,omitempty"`
}

// ListingSnapshot is the last known full state of a search target.
type ListingSnapshot struct {
	TargetID  string                   `json:"targetId"`
	Listings  map[string]ListingRecord `json:"listings"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// ListingDiff holds only the listings absent from the prior snapshot.
type ListingDiff struct {
	TargetID string                   `json:"targetId"`
	Listings map[string]ListingRecord `json:"listings"`
}

// Empty reports whether the diff carries no new listings.
func (d ListingDiff) Empty() bool {
	return len(d.Listings) == 0
}

// ListingUpdate is the payload of a listing.update event. The first crawl of a
// target carries the baseline Snapshot; later crawls carry only the Diff.
type ListingUpdate struct {
	TargetID string           `json:"targetId"`
	Diff     *ListingDiff     `json:"diff,omitempty"`
	Snapshot *ListingSnapshot `json:"snapshot,omitempty"`
}

// AdMetadata is the posting information extracted from a single ad page.
type AdMetadata struct {
	PostedAt          string            `json:"datetime,omitempty"`
	FriendlyDatetimes map[string]string `json:"friendlyDatetimes,omitempty"`
	Title             string            `json:"title,omitempty"`
	OGTitle           string            `json:"ogTitle,omitempty"`
	OGDescription     string            `json:"ogDescription,omitempty"`
	OGImage           string            `json:"ogImage,omitempty"`
	GeoPosition       string            `json:"geoPosition,omitempty"`
	GeoPlacename      string            `json:"geoPlace,omitempty"`
	GeoRegion         string            `json:"geoRegion,omitempty"`
}

// ArchiveEntry is the durable record of one archived ad.
type ArchiveEntry struct {
	ListingPID        string     `json:"listingPid"`
	CreatedAt         time.Time  `json:"createdAt"`
	Metadata          AdMetadata `json:"metadata"`
	ContentURL        string     `json:"contentUrl"`
	URL               string     `json:"url,omitempty"`
	SourceURL         string     `json:"sourceUrl"`
	ContactHref       string     `json:"contactHref,omitempty"`
	ImageURLs         []string   `json:"imageUrls,omitempty"`
	DetectedChallenge bool       `json:"detectedChallenge"`
}

// Page is the raw result of one browser-automation visit.
type Page struct {
	Target      CrawlTarget `json:"target"`
	URL         string      `json:"url"`
	HTML        string      `json:"-"`
	Screenshot  []byte      `json:"-"`
	Challenge   bool        `json:"challenge"`
	ContactHref string      `json:"contactHref,omitempty"`
	ImageURLs   []string    `json:"imageUrls,omitempty"`
	FetchedAt   time.Time   `json:"fetchedAt"`
}

// VncAllocation is the display/port triple reserved for one interactive session.
type VncAllocation struct {
	ClientID       string    `json:"clientId"`
	Display        int       `json:"display"`
	VncPort        int       `json:"vncPort"`
	WebPort        int       `json:"webPort"`
	AllocatedAt    time.Time `json:"allocatedAt"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
}

// Expired reports whether the allocation lease has elapsed at now.
func (a VncAllocation) Expired(now time.Time) bool {
	return !a.LeaseExpiresAt.IsZero() && !now.Before(a.LeaseExpiresAt)
}

// ScreenshotPayload carries a page capture for a target.
type ScreenshotPayload struct {
	TargetID string `json:"targetId"`
	Image    []byte `json:"imageBuffer"`
}

// ArchiveRequest asks the archive pipeline to preserve one listing.
type ArchiveRequest struct {
	ListingURL string `json:"listingUrl"`
	ClientID   string `json:"clientId"`
}

// VncReady tells a client where to reach its interactive session.
type VncReady struct {
	ClientID string `json:"clientId"`
	URL      string `json:"url"`
	Port     int    `json:"port"`
}

// VncResolved reports that an interactive session finished.
type VncResolved struct {
	ClientID   string `json:"clientId"`
	ListingPID string `json:"listingPid,omitempty"`
	Expired    bool   `json:"expired"`
}

// ErrorPayload is the client-safe form of a failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PartitionKey keys completion messages by listing so brokers keep them ordered.
func (e ArchiveEntry) PartitionKey() string { return e.ListingPID }
