package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/dispatcher"
	"github.com/JakeFAU/listing-archiver/internal/events"
	idgen "github.com/JakeFAU/listing-archiver/internal/id/uuid"
	"github.com/JakeFAU/listing-archiver/internal/listing"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
	"github.com/JakeFAU/listing-archiver/internal/queue/memory"
	"github.com/JakeFAU/listing-archiver/internal/scheduler"
	"github.com/JakeFAU/listing-archiver/internal/vnc"
)

var (
	// ErrNoPending is returned by Resolve when the client has no suspended archive.
	ErrNoPending = errors.New("no archive awaiting resolution")

	pidPattern = regexp.MustCompile(`/(\d+)\.html?$`)
)

// Submitter is the slice of the scheduler the pipeline drives.
type Submitter interface {
	Submit(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
	Signal(clientID string) bool
}

// Escalator opens and closes interactive sessions.
type Escalator interface {
	Open(ctx context.Context, clientID string) (*vnc.Session, error)
	Resolve(ctx context.Context, clientID, listingPID string) error
}

// Bus publishes completions and opens client feeds.
type Bus interface {
	events.Emitter
	Subscribe(filter events.Filter) *events.Subscription
}

// Config controls the pipeline.
type Config struct {
	// Prefix namespaces every stored object.
	Prefix string
	// PublicBaseURL is where the archive content route is reachable.
	PublicBaseURL string
	// RecentBound caps the recent listings list.
	RecentBound int
	// Workers is the number of goroutines persisting archives.
	Workers int
	// QueueDepth bounds pending archive work.
	QueueDepth int
	// ImageTimeout bounds each image download.
	ImageTimeout time.Duration
	// ImageParallel bounds concurrent image transfers per listing.
	ImageParallel int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "listings"
	}
	if c.RecentBound <= 0 {
		c.RecentBound = 100
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = 15 * time.Second
	}
	if c.ImageParallel <= 0 {
		c.ImageParallel = 4
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return c
}

// Request asks for one listing to be archived.
type Request struct {
	ListingURL string
	ClientID   string
	// Subscribe opens a feed for the archive's completion and escalation events.
	Subscribe bool
}

// Result is the outcome of Archive.
type Result struct {
	Cached       *crawler.ArchiveEntry
	Subscription *events.Subscription
	// Queued means the crawl was parked behind other work.
	Queued bool
}

// pending is an archive suspended on interactive resolution.
type pending struct {
	ListingPID  string             `json:"listingPid"`
	ClientID    string             `json:"clientId"`
	TargetID    string             `json:"targetId"`
	URL         string             `json:"url"`
	HTML        string             `json:"html"`
	Metadata    crawler.AdMetadata `json:"metadata"`
	ContactHref string             `json:"contactHref,omitempty"`
	ImageURLs   []string           `json:"imageUrls,omitempty"`
	Challenge   bool               `json:"challenge"`
	StartedAt   time.Time          `json:"startedAt"`
}

type jobKind int

const (
	jobPage jobKind = iota + 1
	jobRequest
	jobExpired
)

// job is one unit of archive work taken off the bus.
type job struct {
	kind     jobKind
	page     crawler.Page
	request  crawler.ArchiveRequest
	clientID string
}

// Pipeline archives single listings.
type Pipeline struct {
	index     *Index
	store     coord.Store
	keys      coord.Keys
	blobs     crawler.BlobStore
	images    crawler.ImageDownloader
	bus       Bus
	sched     Submitter
	escalator Escalator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	queue    *memory.Queue[job]
	dispatch *dispatcher.Dispatcher[job]
	cancel   context.CancelFunc
	done     chan struct{}
	closeMu  sync.Once
}

// New builds a Pipeline and starts its worker pool. escalator may be nil, in
// which case blocked pages are archived as-is.
func New(
	index *Index,
	store coord.Store,
	keys coord.Keys,
	blobs crawler.BlobStore,
	images crawler.ImageDownloader,
	bus Bus,
	sched Submitter,
	escalator Escalator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		index:     index,
		store:     store,
		keys:      keys,
		blobs:     blobs,
		images:    images,
		bus:       bus,
		sched:     sched,
		escalator: escalator,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		queue:     memory.NewQueue[job](cfg.QueueDepth),
		done:      make(chan struct{}),
	}
	p.dispatch = dispatcher.New[job](p.queue, cfg.Workers, p.handle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.done)
		p.dispatch.Run(ctx)
	}()
	return p
}

// ListingPID derives the stable listing identifier from an ad URL: the
// numeric posting id when present, else the URL's target id.
func ListingPID(listingURL string) string {
	if m := pidPattern.FindStringSubmatch(strings.SplitN(idgen.Canonical(listingURL), "?", 2)[0]); m != nil {
		return m[1]
	}
	return idgen.TargetID(listingURL)
}

// Archive returns the cached entry for the listing, or schedules the crawl
// that will produce it. Repeated calls for an archived listing never reach
// the browser.
func (p *Pipeline) Archive(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.ListingURL) == "" || req.ClientID == "" {
		return Result{}, crawler.ErrInvalidTarget
	}
	start := p.clock.Now()
	pid := ListingPID(req.ListingURL)
	entry, ok, err := p.index.Get(ctx, pid)
	if err != nil {
		return Result{}, err
	}
	if ok {
		metrics.ObserveArchive("cached", 0)
		return Result{Cached: &entry}, nil
	}

	target := crawler.CrawlTarget{
		ID:       idgen.TargetID(req.ListingURL),
		URL:      req.ListingURL,
		ClientID: req.ClientID,
		Kind:     crawler.KindSingleAd,
	}
	var res Result
	if req.Subscribe {
		res.Subscription = p.bus.Subscribe(events.Filter{ClientID: req.ClientID, TargetID: target.ID})
	}
	sched, err := p.sched.Submit(ctx, scheduler.Request{Target: target})
	if err != nil {
		if res.Subscription != nil {
			res.Subscription.Close()
		}
		return Result{}, err
	}
	res.Queued = sched.Queued
	p.logger.Info("archive scheduled",
		zap.String("listing_pid", pid),
		zap.String("client_id", req.ClientID),
		zap.Bool("queued", sched.Queued),
		zap.Duration("lookup", p.clock.Now().Sub(start)),
	)
	return res, nil
}

// Route registers the pipeline on the bus.
func (p *Pipeline) Route() events.Route {
	return events.Route{
		Name:   "archive",
		Topics: []events.Topic{events.TopicPageCrawled, events.TopicArchiveRequested, events.TopicVncResolved},
		Sink:   p,
	}
}

// Consume hands relevant events to the worker pool.
func (p *Pipeline) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		var j job
		switch payload := evt.Payload.(type) {
		case crawler.Page:
			if payload.Target.Kind != crawler.KindSingleAd && payload.Target.Kind != crawler.KindInteractiveResolve {
				continue
			}
			j = job{kind: jobPage, page: payload}
		case crawler.ArchiveRequest:
			j = job{kind: jobRequest, request: payload}
		case crawler.VncResolved:
			if !payload.Expired {
				continue
			}
			j = job{kind: jobExpired, clientID: payload.ClientID}
		default:
			continue
		}
		if err := p.dispatch.Enqueue(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", evt.Topic, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the worker pool once queued work has drained or ctx ends.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeMu.Do(p.queue.Close)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return fmt.Errorf("archive pipeline close: %w", ctx.Err())
	}
}

func (p *Pipeline) handle(ctx context.Context, j job) {
	var err error
	switch j.kind {
	case jobPage:
		err = p.handlePage(ctx, j.page)
	case jobRequest:
		_, err = p.Archive(ctx, Request{ListingURL: j.request.ListingURL, ClientID: j.request.ClientID})
	case jobExpired:
		err = p.expire(ctx, j.clientID)
	}
	if err != nil {
		p.logger.Error("archive job failed", zap.Int("kind", int(j.kind)), zap.Error(err))
	}
}

func (p *Pipeline) handlePage(ctx context.Context, page crawler.Page) error {
	if page.Target.Kind == crawler.KindInteractiveResolve {
		return p.completeResolved(ctx, page)
	}
	rec, err := p.record(page)
	if err != nil {
		p.fail(page.Target, err)
		return err
	}
	if (rec.Challenge || rec.ContactHref == "") && p.escalator != nil {
		return p.escalate(ctx, rec)
	}
	_, err = p.finalize(ctx, rec)
	return err
}

func (p *Pipeline) record(page crawler.Page) (pending, error) {
	ad, err := listing.ParseAdPage(page.HTML)
	if err != nil {
		return pending{}, err
	}
	sourceURL := page.Target.URL
	if sourceURL == "" {
		sourceURL = page.URL
	}
	rec := pending{
		ListingPID:  ListingPID(sourceURL),
		ClientID:    page.Target.ClientID,
		TargetID:    page.Target.ID,
		URL:         sourceURL,
		HTML:        page.HTML,
		Metadata:    ad.Metadata,
		ContactHref: firstNonEmpty(page.ContactHref, ad.ContactHref),
		ImageURLs:   page.ImageURLs,
		Challenge:   page.Challenge,
		StartedAt:   p.clock.Now(),
	}
	if len(rec.ImageURLs) == 0 {
		rec.ImageURLs = ad.ImageURLs
	}
	return rec, nil
}

// escalate opens an interactive session, parks the record, and starts the
// headful job that waits for the human.
func (p *Pipeline) escalate(ctx context.Context, rec pending) error {
	sess, err := p.escalator.Open(ctx, rec.ClientID)
	if err != nil {
		metrics.ObserveArchive("escalation_failed", 0)
		if rec.Challenge {
			p.fail(crawler.CrawlTarget{ID: rec.TargetID, ClientID: rec.ClientID}, err)
			return fmt.Errorf("escalate %s: %w", rec.ListingPID, err)
		}
		p.logger.Warn("escalation unavailable, archiving without contact",
			zap.String("listing_pid", rec.ListingPID), zap.Error(err))
		_, err = p.finalize(ctx, rec)
		return err
	}
	if err := p.putPending(ctx, rec); err != nil {
		p.releaseSession(ctx, rec.ClientID, rec.ListingPID)
		return err
	}
	alloc := sess.Allocation()
	target := crawler.CrawlTarget{
		ID:       resolveTargetID(rec.URL, rec.ClientID),
		URL:      rec.URL,
		ClientID: rec.ClientID,
		Kind:     crawler.KindInteractiveResolve,
		Display:  alloc.Display,
	}
	if _, err := p.sched.Submit(ctx, scheduler.Request{Target: target, ForceRefresh: true}); err != nil {
		p.logger.Warn("interactive job not scheduled", zap.String("listing_pid", rec.ListingPID), zap.Error(err))
	}
	metrics.ObserveArchive("escalated", 0)
	p.logger.Info("archive escalated",
		zap.String("listing_pid", rec.ListingPID),
		zap.String("client_id", rec.ClientID),
		zap.Bool("challenge", rec.Challenge),
		zap.Int("web_port", alloc.WebPort),
	)
	return nil
}

// Resolve reports that the client finished its interactive session. When the
// headful job is waiting it is signalled and completes the archive itself;
// otherwise the client's oldest suspended record is completed directly.
func (p *Pipeline) Resolve(ctx context.Context, clientID string) error {
	if p.sched.Signal(clientID) {
		return nil
	}
	recs, err := p.pendingFor(ctx, clientID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		taken, ok, err := p.takePending(ctx, clientID, rec.ListingPID)
		if err != nil {
			return err
		}
		if !ok {
			// Completed concurrently by its interactive job.
			continue
		}
		_, err = p.finalize(ctx, taken)
		p.releaseSession(ctx, clientID, taken.ListingPID)
		return err
	}
	return ErrNoPending
}

func (p *Pipeline) completeResolved(ctx context.Context, page crawler.Page) error {
	clientID := page.Target.ClientID
	fresh, perr := p.record(page)
	pid := ListingPID(page.Target.URL)
	if perr == nil {
		pid = fresh.ListingPID
	}
	rec, ok, err := p.takePending(ctx, clientID, pid)
	if err != nil {
		return err
	}
	if !ok {
		if perr != nil {
			return perr
		}
		rec = fresh
	} else if perr == nil {
		rec.ContactHref = firstNonEmpty(fresh.ContactHref, rec.ContactHref)
		if rec.Challenge && !fresh.Challenge {
			// The first visit only saw the challenge; keep the real page.
			rec.HTML = fresh.HTML
			rec.Metadata = fresh.Metadata
			rec.ImageURLs = fresh.ImageURLs
			rec.Challenge = false
		}
	}
	_, err = p.finalize(ctx, rec)
	p.releaseSession(ctx, clientID, rec.ListingPID)
	return err
}

// expire completes every archive the client's lapsed session was holding,
// without the fields the session was meant to recover.
func (p *Pipeline) expire(ctx context.Context, clientID string) error {
	recs, err := p.pendingFor(ctx, clientID)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		taken, ok, err := p.takePending(ctx, clientID, rec.ListingPID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		p.logger.Info("interactive session expired, archiving as-is",
			zap.String("listing_pid", taken.ListingPID), zap.String("client_id", clientID))
		if _, err := p.finalize(ctx, taken); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// finalize persists rec and indexes it. A storage failure leaves no entry.
func (p *Pipeline) finalize(ctx context.Context, rec pending) (crawler.ArchiveEntry, error) {
	start := p.clock.Now()
	if existing, ok, err := p.index.Get(ctx, rec.ListingPID); err == nil && ok {
		return existing, nil
	}
	contentURL, err := p.persist(ctx, rec, start)
	if err != nil {
		metrics.ObserveArchive("error", p.clock.Now().Sub(start))
		p.fail(crawler.CrawlTarget{ID: rec.TargetID, ClientID: rec.ClientID}, err)
		return crawler.ArchiveEntry{}, err
	}
	entry := crawler.ArchiveEntry{
		ListingPID:        rec.ListingPID,
		CreatedAt:         start,
		Metadata:          rec.Metadata,
		ContentURL:        contentURL,
		SourceURL:         rec.URL,
		ContactHref:       rec.ContactHref,
		ImageURLs:         rec.ImageURLs,
		DetectedChallenge: rec.Challenge,
	}
	if p.cfg.PublicBaseURL != "" {
		entry.URL = p.cfg.PublicBaseURL + "/archive/" + rec.ListingPID + "/" + indexFile
	}
	if err := p.index.Put(ctx, entry); err != nil {
		metrics.ObserveArchive("error", p.clock.Now().Sub(start))
		return crawler.ArchiveEntry{}, err
	}
	p.remember(ctx, entry)

	p.bus.Emit(events.Event{
		Topic:    events.TopicArchiveCompleted,
		TargetID: rec.TargetID,
		ClientID: rec.ClientID,
		TS:       p.clock.Now(),
		Payload:  entry,
	})
	metrics.ObserveArchive("completed", p.clock.Now().Sub(start))
	p.logger.Info("listing archived",
		zap.String("listing_pid", entry.ListingPID),
		zap.String("content_url", entry.ContentURL),
		zap.Int("images", len(entry.ImageURLs)),
	)
	return entry, nil
}

// remember pushes entry onto the recent listings list and pops the oldest
// until the list fits its bound.
func (p *Pipeline) remember(ctx context.Context, entry crawler.ArchiveEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	n, err := p.store.LPush(ctx, p.keys.RecentListings(), string(raw))
	if err != nil {
		p.logger.Warn("recent listings update failed", zap.Error(err))
		return
	}
	for ; n > int64(p.cfg.RecentBound); n-- {
		if _, err := p.store.RPop(ctx, p.keys.RecentListings()); err != nil {
			if !errors.Is(err, coord.ErrNotFound) {
				p.logger.Warn("recent listings trim failed", zap.Error(err))
			}
			return
		}
	}
}

// Recent returns up to limit recently archived entries, newest first.
func (p *Pipeline) Recent(ctx context.Context, limit int) ([]crawler.ArchiveEntry, error) {
	if limit <= 0 || limit > p.cfg.RecentBound {
		limit = p.cfg.RecentBound
	}
	raws, err := p.store.LRange(ctx, p.keys.RecentListings(), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("read recent listings: %w", err)
	}
	out := make([]crawler.ArchiveEntry, 0, len(raws))
	for _, raw := range raws {
		var entry crawler.ArchiveEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// pendingField keys a suspended archive by client and listing, so one client
// can have several archives waiting on the same interactive session.
func pendingField(clientID, listingPID string) string {
	return clientID + "/" + listingPID
}

func (p *Pipeline) putPending(ctx context.Context, rec pending) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pending archive: %w", err)
	}
	if err := p.store.HSet(ctx, p.keys.ArchivePending(), pendingField(rec.ClientID, rec.ListingPID), string(raw)); err != nil {
		return fmt.Errorf("park archive %s: %w", rec.ListingPID, err)
	}
	return nil
}

// takePending loads and removes one suspended record.
func (p *Pipeline) takePending(ctx context.Context, clientID, listingPID string) (pending, bool, error) {
	field := pendingField(clientID, listingPID)
	raw, err := p.store.HGet(ctx, p.keys.ArchivePending(), field)
	if errors.Is(err, coord.ErrNotFound) {
		return pending{}, false, nil
	}
	if err != nil {
		return pending{}, false, fmt.Errorf("load pending archive: %w", err)
	}
	if err := p.store.HDel(ctx, p.keys.ArchivePending(), field); err != nil {
		return pending{}, false, fmt.Errorf("clear pending archive: %w", err)
	}
	var rec pending
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return pending{}, false, fmt.Errorf("decode pending archive: %w", err)
	}
	return rec, true, nil
}

// pendingFor lists the client's suspended records, oldest first.
func (p *Pipeline) pendingFor(ctx context.Context, clientID string) ([]pending, error) {
	all, err := p.store.HGetAll(ctx, p.keys.ArchivePending())
	if err != nil {
		return nil, fmt.Errorf("list pending archives: %w", err)
	}
	var recs []pending
	for field, raw := range all {
		var rec pending
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			p.logger.Warn("discarding malformed pending archive", zap.String("field", field), zap.Error(err))
			continue
		}
		if rec.ClientID == clientID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.Before(recs[j].StartedAt)
		}
		return recs[i].ListingPID < recs[j].ListingPID
	})
	return recs, nil
}

// releaseSession frees the client's interactive session once no archive is
// waiting on it.
func (p *Pipeline) releaseSession(ctx context.Context, clientID, listingPID string) {
	if p.escalator == nil {
		return
	}
	remaining, err := p.pendingFor(ctx, clientID)
	if err != nil {
		p.logger.Warn("pending archive lookup failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if len(remaining) > 0 {
		p.logger.Debug("interactive session kept for waiting archives",
			zap.String("client_id", clientID), zap.Int("waiting", len(remaining)))
		return
	}
	if err := p.escalator.Resolve(ctx, clientID, listingPID); err != nil && !errors.Is(err, vnc.ErrNoSession) {
		p.logger.Warn("interactive session release failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

func (p *Pipeline) fail(target crawler.CrawlTarget, err error) {
	p.bus.Emit(events.Event{
		Topic:    events.TopicError,
		TargetID: target.ID,
		ClientID: target.ClientID,
		TS:       p.clock.Now(),
		Payload:  crawler.ErrorPayload{Message: crawler.SanitizeError(err)},
	})
}

// resolveTargetID keeps the headful job's lease apart from the ad crawl whose
// lease may still be held when escalation starts.
func resolveTargetID(listingURL, clientID string) string {
	return idgen.TargetID(listingURL + "?resolve=" + clientID)
}
