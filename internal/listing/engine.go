package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
)

// ArchiveChecker reports whether a listing already has an archive entry.
type ArchiveChecker interface {
	Archived(ctx context.Context, listingPID string) (bool, error)
}

// Engine consumes crawled search pages, keeps the per-target baseline, and
// publishes only genuinely new listings.
type Engine struct {
	store         coord.Store
	keys          coord.Keys
	emitter       events.Emitter
	comments      crawler.CommentSource
	archives      ArchiveChecker
	clock         crawler.Clock
	logger        *zap.Logger
	lookupTimeout time.Duration
}

// DefaultLookupTimeout bounds the archive and comment lookups made for one
// crawled page.
const DefaultLookupTimeout = 5 * time.Second

// NewEngine constructs an Engine. comments and archives may be nil.
func NewEngine(
	store coord.Store,
	keys coord.Keys,
	emitter events.Emitter,
	comments crawler.CommentSource,
	archives ArchiveChecker,
	clock crawler.Clock,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:         store,
		keys:          keys,
		emitter:       emitter,
		comments:      comments,
		archives:      archives,
		clock:         clock,
		logger:        logger,
		lookupTimeout: DefaultLookupTimeout,
	}
}

// WithLookupTimeout replaces the per-page lookup budget. Non-positive values
// keep the current one.
func (e *Engine) WithLookupTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.lookupTimeout = d
	}
	return e
}

// Route registers the engine for crawled pages on the bus.
func (e *Engine) Route() events.Route {
	return events.Route{Name: "listing", Topics: []events.Topic{events.TopicPageCrawled}, Sink: e}
}

// Consume handles search pages from a bus batch; other kinds are ignored.
func (e *Engine) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		page, ok := evt.Payload.(crawler.Page)
		if !ok || page.Target.Kind != crawler.KindSearch {
			continue
		}
		if _, err := e.Process(ctx, page); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (e *Engine) Close(context.Context) error {
	return nil
}

// Process parses page, persists the merged baseline, and publishes the diff
// when it is non-empty. The diff is returned either way.
func (e *Engine) Process(ctx context.Context, page crawler.Page) (crawler.ListingDiff, error) {
	targetID := page.Target.ID
	now := e.clock.Now()
	cur, err := ParseListings(targetID, page.HTML, now)
	if err != nil {
		return crawler.ListingDiff{}, err
	}
	prev, found, err := e.Snapshot(ctx, targetID)
	if err != nil {
		return crawler.ListingDiff{}, err
	}

	e.enrich(ctx, &cur)
	diff := Diff(prev, cur)
	merged := Merge(prev, cur)
	if err := e.putJSON(ctx, e.keys.Snapshot(targetID), merged); err != nil {
		return diff, fmt.Errorf("persist snapshot %s: %w", targetID, err)
	}

	e.requestArchives(ctx, page.Target.ClientID, cur)

	if !found {
		// The first crawl is the baseline: nothing is new yet.
		e.emitter.Emit(events.Event{
			Topic:    events.TopicListingUpdate,
			TargetID: targetID,
			TS:       now,
			Payload:  crawler.ListingUpdate{TargetID: targetID, Snapshot: &merged},
		})
		return crawler.ListingDiff{TargetID: targetID, Listings: map[string]crawler.ListingRecord{}}, nil
	}
	if diff.Empty() {
		e.logger.Debug("no new listings", zap.String("target_id", targetID), zap.Int("listings", len(cur.Listings)))
		return diff, nil
	}
	if err := e.putJSON(ctx, e.keys.Diff(targetID), diff); err != nil {
		e.logger.Warn("persist diff failed", zap.String("target_id", targetID), zap.Error(err))
	}
	metrics.ObserveDiff(len(diff.Listings))
	e.emitter.Emit(events.Event{
		Topic:    events.TopicListingUpdate,
		TargetID: targetID,
		TS:       now,
		Payload:  crawler.ListingUpdate{TargetID: targetID, Diff: &diff},
	})
	e.logger.Info("new listings",
		zap.String("target_id", targetID),
		zap.Int("new", len(diff.Listings)),
		zap.Int("total", len(merged.Listings)),
	)
	return diff, nil
}

// Snapshot returns the cached baseline for targetID. The bool is false when
// nothing has been crawled yet.
func (e *Engine) Snapshot(ctx context.Context, targetID string) (crawler.ListingSnapshot, bool, error) {
	var snap crawler.ListingSnapshot
	ok, err := e.getJSON(ctx, e.keys.Snapshot(targetID), &snap)
	if err != nil || !ok {
		return crawler.ListingSnapshot{TargetID: targetID}, false, err
	}
	return snap, true, nil
}

// LastDiff returns the most recent non-empty delta for late subscribers.
func (e *Engine) LastDiff(ctx context.Context, targetID string) (crawler.ListingDiff, bool, error) {
	var diff crawler.ListingDiff
	ok, err := e.getJSON(ctx, e.keys.Diff(targetID), &diff)
	if err != nil || !ok {
		return crawler.ListingDiff{TargetID: targetID}, false, err
	}
	return diff, true, nil
}

// enrich runs on the bus route, so every external lookup shares one deadline.
// Listings whose lookup misses it are published without enrichment.
func (e *Engine) enrich(ctx context.Context, snap *crawler.ListingSnapshot) {
	if e.archives == nil && e.comments == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()
	for id, rec := range snap.Listings {
		if e.archives != nil {
			archived, err := e.archives.Archived(ctx, id)
			if err != nil {
				e.logger.Warn("archive lookup failed", zap.String("listing_id", id), zap.Error(err))
			}
			rec.Archived = archived
		}
		if e.comments != nil {
			commented, err := e.store.SIsMember(ctx, e.keys.RecentlyCommented(), id)
			if err != nil {
				e.logger.Warn("comment registry lookup failed", zap.String("listing_id", id), zap.Error(err))
			}
			if commented {
				summary, err := e.comments.Comments(ctx, id)
				if err != nil {
					e.logger.Warn("comment lookup failed", zap.String("listing_id", id), zap.Error(err))
				} else {
					rec.CommentSummary = summary
				}
			}
		}
		snap.Listings[id] = rec
	}
}

// requestArchives asks the archive pipeline to preserve listings whose first
// comment just arrived. The registry entry is consumed so the request fires once.
func (e *Engine) requestArchives(ctx context.Context, clientID string, snap crawler.ListingSnapshot) {
	for id, rec := range snap.Listings {
		if rec.Archived || rec.CommentSummary == nil || rec.CommentSummary.TotalCount != 1 || rec.Href == "" {
			continue
		}
		if err := e.store.SRem(ctx, e.keys.RecentlyCommented(), id); err != nil {
			e.logger.Warn("comment registry update failed", zap.String("listing_id", id), zap.Error(err))
			continue
		}
		e.emitter.Emit(events.Event{
			Topic:    events.TopicArchiveRequested,
			TargetID: id,
			ClientID: clientID,
			TS:       e.clock.Now(),
			Payload:  crawler.ArchiveRequest{ListingURL: rec.Href, ClientID: clientID},
		})
	}
}

func (e *Engine) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return e.store.Set(ctx, key, string(raw), 0)
}

func (e *Engine) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := e.store.Get(ctx, key)
	if errors.Is(err, coord.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Fresh reports whether snap is young enough to serve from cache. A zero
// maxAge accepts any snapshot.
func Fresh(snap crawler.ListingSnapshot, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(snap.UpdatedAt) <= maxAge
}
