package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/logging"
)

// scheduleRecord is the store marker for a target with an active re-crawl.
type scheduleRecord struct {
	Target    crawler.CrawlTarget `json:"target"`
	StartedAt time.Time           `json:"startedAt"`
	Interval  time.Duration       `json:"interval"`
}

// Schedules is the registry of periodic re-crawls. A target is re-crawled at
// a fixed interval while its session set in the store is non-empty.
type Schedules struct {
	s *Scheduler

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newSchedules(s *Scheduler) *Schedules {
	return &Schedules{s: s, running: make(map[string]context.CancelFunc)}
}

// Active reports whether this process runs a re-crawl timer for targetID.
func (r *Schedules) Active(targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[targetID]
	return ok
}

// Len returns the number of local re-crawl timers.
func (r *Schedules) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Watch adds sessionID to the target's session set and starts the re-crawl
// timer if this process is not already running one.
func (r *Schedules) Watch(ctx context.Context, target crawler.CrawlTarget, sessionID string) error {
	s := r.s
	if err := s.store.SAdd(ctx, s.keys.Sessions(target.ID), sessionID); err != nil {
		return fmt.Errorf("watch %s: %w", target.ID, err)
	}
	if s.cfg.RecrawlInterval <= 0 {
		return nil
	}

	r.mu.Lock()
	if _, ok := r.running[target.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	tickCtx, cancel := context.WithCancel(s.baseCtx)
	r.running[target.ID] = cancel
	r.mu.Unlock()

	raw, err := json.Marshal(scheduleRecord{Target: target, StartedAt: s.clock.Now(), Interval: s.cfg.RecrawlInterval})
	if err == nil {
		err = s.store.HSet(ctx, s.keys.Schedules(), target.ID, string(raw))
	}
	if err != nil {
		s.logger.Warn("schedule marker write failed", append(logging.TargetFields(target), zap.Error(err))...)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.mu.Lock()
		delete(r.running, target.ID)
		r.mu.Unlock()
		cancel()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go r.loop(tickCtx, target)
	s.logger.Debug("recrawl scheduled", append(logging.TargetFields(target), zap.Duration("interval", s.cfg.RecrawlInterval))...)
	return nil
}

// Unwatch removes sessionID from the target's session set and cancels the
// re-crawl once the set is empty.
func (r *Schedules) Unwatch(ctx context.Context, targetID, sessionID string) error {
	s := r.s
	if err := s.store.SRem(ctx, s.keys.Sessions(targetID), sessionID); err != nil {
		return fmt.Errorf("unwatch %s: %w", targetID, err)
	}
	n, err := s.store.SCard(ctx, s.keys.Sessions(targetID))
	if err != nil {
		return fmt.Errorf("unwatch %s: %w", targetID, err)
	}
	if n == 0 {
		r.stop(ctx, targetID)
	}
	return nil
}

func (r *Schedules) loop(ctx context.Context, target crawler.CrawlTarget) {
	s := r.s
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RecrawlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := s.store.SCard(ctx, s.keys.Sessions(target.ID))
		if err != nil {
			s.logger.Warn("session count failed", append(logging.TargetFields(target), zap.Error(err))...)
			continue
		}
		if n == 0 {
			r.stop(context.WithoutCancel(ctx), target.ID)
			return
		}
		if _, err := s.Submit(ctx, Request{Target: target, ForceRefresh: true}); err != nil {
			s.logger.Warn("recrawl submit failed", append(logging.TargetFields(target), zap.Error(err))...)
		}
	}
}

func (r *Schedules) stop(ctx context.Context, targetID string) {
	r.mu.Lock()
	cancel, ok := r.running[targetID]
	delete(r.running, targetID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	if err := r.s.store.HDel(ctx, r.s.keys.Schedules(), targetID); err != nil {
		r.s.logger.Warn("schedule marker delete failed", zap.String("target_id", targetID), zap.Error(err))
	}
	if err := r.s.store.Del(ctx, r.s.keys.Sessions(targetID)); err != nil {
		r.s.logger.Warn("session set delete failed", zap.String("target_id", targetID), zap.Error(err))
	}
}

func (r *Schedules) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.running {
		cancel()
		delete(r.running, id)
	}
}

// watch ties a subscription to the target's re-crawl schedule. Requests
// without a subscription do not keep a schedule alive.
func (s *Scheduler) watch(ctx context.Context, target crawler.CrawlTarget, sub *events.Subscription) error {
	if sub == nil || target.Kind != crawler.KindSearch {
		return nil
	}
	sessionID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	if err := s.schedules.Watch(ctx, target, sessionID); err != nil {
		return err
	}
	sub.OnClose(func() {
		ctx := context.WithoutCancel(s.baseCtx)
		if err := s.schedules.Unwatch(ctx, target.ID, sessionID); err != nil {
			s.logger.Warn("unwatch failed", append(logging.TargetFields(target), zap.Error(err))...)
		}
	})
	return nil
}
