package crawler

import (
	"context"
	"io"
	"time"
)

// Browser opens per-client browser-automation sessions.
type Browser interface {
	NewSession(ctx context.Context, clientID string) (BrowserSession, error)
}

// BrowserSession is the worker handle held for one client. Visit dispatches on
// the target kind. Signal releases an interactive visit waiting for a human and
// reports whether one was waiting; it never releases a later visit.
type BrowserSession interface {
	Visit(ctx context.Context, target CrawlTarget) (Page, error)
	Signal() bool
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// BlobReader reads archived artifacts back along with their content type.
type BlobReader interface {
	GetObject(ctx context.Context, path string) ([]byte, string, error)
}

// Publisher pushes completion events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ImageDownloader fetches a remote asset for archiving.
type ImageDownloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// CommentSource looks up external discussion metadata for a listing.
type CommentSource interface {
	Comments(ctx context.Context, listingID string) (*CommentSummary, error)
}

// Limiter paces navigations per client.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces lease holder tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// ContentTagger derives HTTP entity tags for archived documents.
type ContentTagger interface {
	ETag(data []byte) string
	// Match reports whether an If-None-Match header value covers etag.
	Match(ifNoneMatch, etag string) bool
}
