package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/listing"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler: closed")

// Config controls Scheduler behavior.
type Config struct {
	LeaseTTL           time.Duration
	DefaultClientLimit int
	RecrawlInterval    time.Duration
	NavTimeout         time.Duration
	InteractiveTimeout time.Duration
	MaxRetries         int
	SnapshotMaxAge     time.Duration
}

// Bus is the part of the event hub the scheduler uses.
type Bus interface {
	Emit(evt events.Event)
	Publish(ctx context.Context, evt events.Event) error
	Subscribe(filter events.Filter) *events.Subscription
}

// SnapshotReader serves cached search snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context, targetID string) (crawler.ListingSnapshot, bool, error)
}

// Request is one crawl submission.
type Request struct {
	Target       crawler.CrawlTarget
	ForceRefresh bool
	// Subscribe opens a feed for the target's future events.
	Subscribe bool
}

// Result is the outcome of Submit.
type Result struct {
	Cached   *crawler.ListingSnapshot
	IsCached bool
	// Running is set on cached results while another crawl holds the lease.
	Running bool
	// Queued means the target was parked and will run on a later cycle.
	Queued       bool
	Subscription *events.Subscription
}

type job struct {
	target crawler.CrawlTarget
	holder string
}

// worker is the per-client handle: one browser session shared by every batch
// the client runs in this process.
type worker struct {
	session crawler.BrowserSession
	batches int
}

// Scheduler coordinates crawl jobs across processes.
type Scheduler struct {
	store     coord.Store
	keys      coord.Keys
	bus       Bus
	browser   crawler.Browser
	limiter   crawler.Limiter
	snapshots SnapshotReader
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	schedules *Schedules

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler. limiter and snapshots may be nil.
func New(
	store coord.Store,
	keys coord.Keys,
	bus Bus,
	browser crawler.Browser,
	limiter crawler.Limiter,
	snapshots SnapshotReader,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 120 * time.Second
	}
	if cfg.DefaultClientLimit <= 0 {
		cfg.DefaultClientLimit = 1
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.InteractiveTimeout <= 0 {
		cfg.InteractiveTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:     store,
		keys:      keys,
		bus:       bus,
		browser:   browser,
		limiter:   limiter,
		snapshots: snapshots,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("scheduler"),
		workers:   make(map[string]*worker),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	s.schedules = newSchedules(s)
	return s
}

// Schedules returns the periodic re-crawl registry.
func (s *Scheduler) Schedules() *Schedules {
	return s.schedules
}

// Submit requests a crawl of req.Target for its client.
func (s *Scheduler) Submit(ctx context.Context, req Request) (Result, error) {
	target := req.Target
	if target.ID == "" || target.URL == "" || target.ClientID == "" || !target.Kind.Valid() {
		return Result{}, crawler.ErrInvalidTarget
	}
	if s.isClosed() {
		return Result{}, ErrClosed
	}

	var res Result
	if req.Subscribe {
		res.Subscription = s.bus.Subscribe(events.Filter{ClientID: target.ClientID, TargetID: target.ID})
	}
	fail := func(err error) (Result, error) {
		if res.Subscription != nil {
			res.Subscription.Close()
		}
		return Result{}, err
	}

	if target.Kind == crawler.KindSearch && !req.ForceRefresh && s.snapshots != nil {
		snap, ok, err := s.snapshots.Snapshot(ctx, target.ID)
		if err != nil {
			s.logger.Warn("snapshot lookup failed", append(logging.TargetFields(target), zap.Error(err))...)
		}
		if ok && listing.Fresh(snap, s.clock.Now(), s.cfg.SnapshotMaxAge) {
			res.Cached = &snap
			res.IsCached = true
			running, err := s.store.Exists(ctx, s.keys.Lease(target.ID))
			if err != nil {
				s.logger.Warn("lease lookup failed", append(logging.TargetFields(target), zap.Error(err))...)
			}
			res.Running = running
			if err := s.watch(ctx, target, res.Subscription); err != nil {
				return fail(err)
			}
			return res, nil
		}
	}

	first, ok, err := s.lease(ctx, target)
	if err != nil {
		return fail(err)
	}
	if err := s.watch(ctx, target, res.Subscription); err != nil {
		if ok {
			s.release(context.WithoutCancel(ctx), first)
		}
		return fail(err)
	}
	if !ok {
		metrics.ObserveLeaseContention()
		if err := s.enqueue(ctx, target, "leased"); err != nil {
			return fail(err)
		}
		res.Queued = true
		return res, nil
	}

	batch := append([]job{first}, s.drain(ctx, target.ClientID, target.ID)...)
	if !s.launch(ctx, target.ClientID, batch) {
		res.Queued = true
	}
	return res, nil
}

// Signal forwards a resolution signal to the client's browser session. It
// reports whether an interactive visit was waiting for it.
func (s *Scheduler) Signal(clientID string) bool {
	s.mu.Lock()
	w, ok := s.workers[clientID]
	var session crawler.BrowserSession
	if ok {
		session = w.session
	}
	s.mu.Unlock()
	if session == nil {
		return false
	}
	return session.Signal()
}

// SetClientLimit stores a per-client concurrency ceiling.
func (s *Scheduler) SetClientLimit(ctx context.Context, clientID string, limit int) error {
	raw, err := json.Marshal(clientConfig{CrawlerLimit: limit})
	if err != nil {
		return fmt.Errorf("encode client config: %w", err)
	}
	return s.store.HSet(ctx, s.keys.ClientConfig(), clientID, string(raw))
}

type clientConfig struct {
	CrawlerLimit int `json:"crawlerLimit"`
}

func (s *Scheduler) clientLimit(ctx context.Context, clientID string) int {
	raw, err := s.store.HGet(ctx, s.keys.ClientConfig(), clientID)
	if err != nil {
		if !errors.Is(err, coord.ErrNotFound) {
			s.logger.Warn("client config lookup failed", zap.String("client_id", clientID), zap.Error(err))
		}
		return s.cfg.DefaultClientLimit
	}
	var cc clientConfig
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			cc.CrawlerLimit = n
		}
	}
	if cc.CrawlerLimit <= 0 {
		return s.cfg.DefaultClientLimit
	}
	return cc.CrawlerLimit
}

func (s *Scheduler) leaseTTL(kind crawler.Kind) time.Duration {
	switch kind {
	case crawler.KindInteractiveResolve:
		return s.cfg.InteractiveTimeout + s.cfg.LeaseTTL
	default:
		return s.cfg.LeaseTTL
	}
}

func (s *Scheduler) visitTimeout(kind crawler.Kind) time.Duration {
	switch kind {
	case crawler.KindInteractiveResolve:
		return s.cfg.InteractiveTimeout
	case crawler.KindSearch, crawler.KindSingleAd:
		return s.cfg.NavTimeout
	default:
		return s.cfg.NavTimeout
	}
}

func (s *Scheduler) lease(ctx context.Context, target crawler.CrawlTarget) (job, bool, error) {
	holder, err := s.ids.NewID()
	if err != nil {
		return job{}, false, fmt.Errorf("lease holder: %w", err)
	}
	ok, err := s.store.AcquireLease(ctx, s.keys.Lease(target.ID), holder, s.leaseTTL(target.Kind))
	if err != nil {
		return job{}, false, fmt.Errorf("acquire lease %s: %w", target.ID, err)
	}
	return job{target: target, holder: holder}, ok, nil
}

func (s *Scheduler) release(ctx context.Context, j job) {
	err := s.store.ReleaseLease(ctx, s.keys.Lease(j.target.ID), j.holder)
	if err != nil && !errors.Is(err, coord.ErrLeaseNotHeld) {
		s.logger.Warn("lease release failed", append(logging.TargetFields(j.target), zap.Error(err))...)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, target crawler.CrawlTarget, reason string) error {
	entry := crawler.QueueEntry{
		ClientID: target.ClientID,
		TargetID: target.ID,
		URL:      target.URL,
		Kind:     target.Kind,
		Display:  target.Display,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if err := s.store.HSet(ctx, s.keys.Queue(target.ClientID), target.ID, string(raw)); err != nil {
		return fmt.Errorf("enqueue %s: %w", target.ID, err)
	}
	metrics.ObserveQueued(reason)
	s.logger.Debug("target queued", append(logging.TargetFields(target), zap.String("reason", reason))...)
	return nil
}

// drain empties the client's queue and leases every entry it can. Entries
// still leased elsewhere go back on the queue.
func (s *Scheduler) drain(ctx context.Context, clientID, skipTargetID string) []job {
	entries, err := s.store.HDrain(ctx, s.keys.Queue(clientID))
	if err != nil {
		s.logger.Warn("queue drain failed", zap.String("client_id", clientID), zap.Error(err))
		return nil
	}
	var jobs []job
	for targetID, raw := range entries {
		if targetID == skipTargetID {
			continue
		}
		var entry crawler.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("discarding malformed queue entry", zap.String("client_id", clientID), zap.String("target_id", targetID), zap.Error(err))
			continue
		}
		target := entry.Target()
		if target.Kind == 0 {
			target.Kind = crawler.KindSearch
		}
		j, ok, err := s.lease(ctx, target)
		if err != nil || !ok {
			if err := s.enqueue(ctx, target, "leased"); err != nil {
				s.logger.Warn("requeue failed", append(logging.TargetFields(target), zap.Error(err))...)
			}
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// launch starts a batch goroutine when the client is under its ceiling.
// Otherwise the batch is parked for a running worker's next cycle.
func (s *Scheduler) launch(ctx context.Context, clientID string, batch []job) bool {
	if len(batch) == 0 {
		return false
	}
	count, err := s.store.ZIncrBy(ctx, s.keys.Crawlers(), 1, clientID)
	if err != nil {
		s.logger.Warn("worker counter update failed", zap.String("client_id", clientID), zap.Error(err))
		s.park(ctx, batch)
		return false
	}
	if limit := s.clientLimit(ctx, clientID); int(count) > limit {
		s.decrCrawlers(clientID)
		s.park(ctx, batch)
		// A batch that ended while this one was parking has already drained.
		if score, _, err := s.store.ZScore(ctx, s.keys.Crawlers(), clientID); err == nil && int(score) < limit {
			s.resume(clientID)
		}
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.decrCrawlers(clientID)
		s.park(ctx, batch)
		return false
	}
	w, exists := s.workers[clientID]
	if !exists {
		w = &worker{}
		s.workers[clientID] = w
	}
	w.batches++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(clientID, w, batch)
	return true
}

// resume picks up work parked while this process's last batch for the client
// was still counted against its ceiling.
func (s *Scheduler) resume(clientID string) {
	if s.isClosed() {
		return
	}
	ctx := s.baseCtx
	if ctx.Err() != nil {
		return
	}
	s.launch(ctx, clientID, s.drain(ctx, clientID, ""))
}

func (s *Scheduler) park(ctx context.Context, batch []job) {
	for _, j := range batch {
		if err := s.enqueue(ctx, j.target, "ceiling"); err != nil {
			s.logger.Warn("park failed", append(logging.TargetFields(j.target), zap.Error(err))...)
		}
		s.release(ctx, j)
	}
}

// run processes a batch, then keeps draining the client's queue until it is
// empty or nothing in it can be leased.
func (s *Scheduler) run(clientID string, w *worker, batch []job) {
	defer s.wg.Done()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		s.decrCrawlers(clientID)
		s.mu.Lock()
		w.batches--
		s.mu.Unlock()
		s.resume(clientID)
	}()

	ctx := s.baseCtx
	for len(batch) > 0 {
		session, err := s.session(ctx, clientID, w)
		if err != nil {
			s.logger.Error("browser session failed", zap.String("client_id", clientID), zap.Error(err))
			for _, j := range batch {
				s.fail(j.target, err)
				s.release(context.WithoutCancel(ctx), j)
			}
			return
		}
		for _, j := range batch {
			s.process(ctx, session, j)
		}
		if ctx.Err() != nil {
			return
		}
		batch = s.drain(ctx, clientID, "")
	}
}

func (s *Scheduler) session(ctx context.Context, clientID string, w *worker) (crawler.BrowserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.session != nil {
		return w.session, nil
	}
	session, err := s.browser.NewSession(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("new browser session: %w", err)
	}
	w.session = session
	return session, nil
}

func (s *Scheduler) decrCrawlers(clientID string) {
	ctx := context.WithoutCancel(s.baseCtx)
	if _, err := s.store.ZIncrBy(ctx, s.keys.Crawlers(), -1, clientID); err != nil {
		s.logger.Warn("worker counter update failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// process visits one target with a timeout and bounded retries. The lease is
// always released, whatever the outcome.
func (s *Scheduler) process(ctx context.Context, session crawler.BrowserSession, j job) {
	target := j.target
	defer s.release(context.WithoutCancel(ctx), j)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, target.ClientID); err != nil {
			s.fail(target, err)
			return
		}
	}

	start := s.clock.Now()
	var (
		page crawler.Page
		err  error
	)
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		visitCtx, cancel := context.WithTimeout(ctx, s.visitTimeout(target.Kind))
		page, err = session.Visit(visitCtx, target)
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
		s.logger.Warn("visit failed", append(logging.TargetFields(target), zap.Int("attempt", attempt+1), zap.Error(err))...)
	}
	if err != nil {
		metrics.ObserveCrawl(target.Kind.String(), "error", s.clock.Now().Sub(start))
		s.fail(target, err)
		return
	}

	result := "success"
	if page.Challenge {
		result = "challenge"
	}
	metrics.ObserveCrawl(target.Kind.String(), result, s.clock.Now().Sub(start))

	page.Target = target
	if page.URL == "" {
		page.URL = target.URL
	}
	if page.FetchedAt.IsZero() {
		page.FetchedAt = s.clock.Now()
	}
	if len(page.Screenshot) > 0 {
		s.bus.Emit(events.Event{
			Topic:    events.TopicScreenshot,
			TargetID: target.ID,
			ClientID: target.ClientID,
			TS:       page.FetchedAt,
			Payload:  crawler.ScreenshotPayload{TargetID: target.ID, Image: page.Screenshot},
		})
	}
	if err := s.bus.Publish(ctx, events.Event{
		Topic:    events.TopicPageCrawled,
		TargetID: target.ID,
		ClientID: target.ClientID,
		TS:       page.FetchedAt,
		Payload:  page,
	}); err != nil {
		s.logger.Warn("publish crawled page failed", append(logging.TargetFields(target), zap.Error(err))...)
		return
	}
	s.logger.Debug("page crawled", append(logging.TargetFields(target), zap.Bool("challenge", page.Challenge))...)
}

func (s *Scheduler) fail(target crawler.CrawlTarget, err error) {
	s.logger.Warn("target dropped from batch", append(logging.TargetFields(target), zap.Error(err))...)
	s.bus.Emit(events.Event{
		Topic:    events.TopicError,
		TargetID: target.ID,
		ClientID: target.ClientID,
		TS:       s.clock.Now(),
		Payload:  crawler.ErrorPayload{Message: crawler.SanitizeError(err)},
	})
}

// Reset clears every lease, queue, worker counter, schedule, and session set
// in the store, cancels local re-crawl timers, and closes browser sessions.
func (s *Scheduler) Reset(ctx context.Context) error {
	s.schedules.stopAll()

	var keys []string
	for _, pattern := range []string{s.keys.Lease("*"), s.keys.Queue("*"), s.keys.Sessions("*")} {
		found, err := s.store.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("reset scan %s: %w", pattern, err)
		}
		keys = append(keys, found...)
	}
	keys = append(keys, s.keys.Crawlers(), s.keys.Schedules())
	if err := s.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("reset delete: %w", err)
	}

	s.mu.Lock()
	for clientID, w := range s.workers {
		if w.session != nil {
			if err := w.session.Close(); err != nil {
				s.logger.Warn("close browser session failed", zap.String("client_id", clientID), zap.Error(err))
			}
			w.session = nil
		}
		if w.batches == 0 {
			delete(s.workers, clientID)
		}
	}
	s.mu.Unlock()
	s.logger.Info("scheduler state reset", zap.Int("keys", len(keys)))
	return nil
}

// Close stops re-crawl timers, waits for running batches, and closes browser
// sessions.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.schedules.stopAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler close wait: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for clientID, w := range s.workers {
		if w.session != nil {
			if err := w.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session %s: %w", clientID, err))
			}
		}
		delete(s.workers, clientID)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
