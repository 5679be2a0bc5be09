// Package headless drives Chrome through chromedp for crawl jobs.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/logging"
)

// Selectors used to reveal and wait for an ad's contact channel.
const (
	replyButtonSelector = "button.reply-button"
	contactSelector     = ".reply-email-address > a"
)

// ChallengeDetector recognizes bot-challenge pages.
type ChallengeDetector interface {
	Challenged(status int, html string) bool
}

// Config controls the behavior of the chromedp browser.
type Config struct {
	MaxParallel int
	UserAgent   string
	Headless    bool
	// ProfileDir, when set, keeps one Chrome profile per client below it.
	ProfileDir string
	// SettleDelay is the pause after the body is ready, letting late scripts
	// populate listings.
	SettleDelay time.Duration
	// ContactWait bounds how long a single-ad visit waits for the contact link.
	ContactWait time.Duration
}

// Browser implements crawler.Browser with one Chrome instance per client.
// Every visit runs in its own tab.
type Browser struct {
	cfg      Config
	detector ChallengeDetector
	limiter  chan struct{}
	logger   *zap.Logger
}

// NewChromedp creates a browser backed by chromedp.
func NewChromedp(cfg Config, detector ChallengeDetector, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.ContactWait <= 0 {
		cfg.ContactWait = 5 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{
		cfg:      cfg,
		detector: detector,
		limiter:  limiter,
		logger:   logging.OrNop(logger).Named("browser"),
	}, nil
}

// NewSession starts a Chrome allocator for clientID. The process itself is
// launched lazily by the first visit.
func (b *Browser) NewSession(_ context.Context, clientID string) (crawler.BrowserSession, error) {
	opts := b.allocatorOptions(b.cfg.Headless, "")
	if b.cfg.ProfileDir != "" {
		dir := filepath.Join(b.cfg.ProfileDir, sanitizeDir(clientID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return &Session{
		browser:  b,
		clientID: clientID,
		ctx:      browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

func (b *Browser) allocatorOptions(headless bool, display string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if display != "" {
		opts = append(opts, chromedp.Env("DISPLAY="+display))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	return opts
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// Session is one client's browser. Signal wakes an interactive visit.
type Session struct {
	browser  *Browser
	clientID string
	ctx      context.Context
	cancel   func()

	mu     sync.Mutex
	closed bool
	// waiting is set only while an interactive visit blocks on a human.
	waiting chan struct{}
}

// Visit dispatches on the target kind.
func (s *Session) Visit(ctx context.Context, target crawler.CrawlTarget) (crawler.Page, error) {
	if err := s.browser.acquire(ctx); err != nil {
		return crawler.Page{}, err
	}
	defer s.browser.release()

	switch target.Kind {
	case crawler.KindSearch:
		return s.visitSearch(ctx, target)
	case crawler.KindSingleAd:
		return s.visitAd(ctx, target)
	case crawler.KindInteractiveResolve:
		return s.visitInteractive(ctx, target)
	default:
		return crawler.Page{}, fmt.Errorf("%w: kind %s", crawler.ErrInvalidTarget, target.Kind)
	}
}

// Signal releases the interactive visit currently waiting for resolution.
// Without one it does nothing and returns false.
func (s *Session) Signal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting == nil {
		return false
	}
	select {
	case s.waiting <- struct{}{}:
	default:
	}
	return true
}

// await marks the session as blocked on a human until the returned stop runs.
func (s *Session) await() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiting = wake
	s.mu.Unlock()
	return wake, func() {
		s.mu.Lock()
		if s.waiting == wake {
			s.waiting = nil
		}
		s.mu.Unlock()
	}
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}

func (s *Session) visitSearch(ctx context.Context, target crawler.CrawlTarget) (crawler.Page, error) {
	tabCtx, cancel := s.tab(ctx)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html       string
		finalURL   string
		screenshot []byte
	)
	err := chromedp.Run(tabCtx,
		s.browser.networkSetupAction(),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.browser.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&screenshot),
	)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp search visit: %w", err)
	}
	return s.page(target, meta, finalURL, html, screenshot), nil
}

func (s *Session) visitAd(ctx context.Context, target crawler.CrawlTarget) (crawler.Page, error) {
	tabCtx, cancel := s.tab(ctx)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	if err := chromedp.Run(tabCtx,
		s.browser.networkSetupAction(),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.browser.cfg.SettleDelay),
		chromedp.Location(&finalURL),
	); err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp ad visit: %w", err)
	}

	// The contact link only appears after the reply button is clicked; its
	// absence is reported through the page, not as an error.
	contact := s.revealContact(tabCtx)

	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp ad html: %w", err)
	}
	page := s.page(target, meta, finalURL, html, nil)
	page.ContactHref = contact
	return page, nil
}

func (s *Session) revealContact(ctx context.Context) string {
	waitCtx, cancel := context.WithTimeout(ctx, s.browser.cfg.ContactWait)
	defer cancel()
	var (
		href string
		ok   bool
	)
	err := chromedp.Run(waitCtx,
		chromedp.Click(replyButtonSelector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.WaitVisible(contactSelector, chromedp.ByQuery),
		chromedp.AttributeValue(contactSelector, "href", &href, &ok, chromedp.ByQuery),
	)
	if err != nil || !ok {
		return ""
	}
	return href
}

// visitInteractive opens a visible browser on the session's virtual display
// and waits for the resolution signal before reading the page.
func (s *Session) visitInteractive(ctx context.Context, target crawler.CrawlTarget) (crawler.Page, error) {
	if target.Display <= 0 {
		return crawler.Page{}, fmt.Errorf("%w: interactive visit without display", crawler.ErrInvalidTarget)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, s.browser.allocatorOptions(false, ":"+strconv.Itoa(target.Display))...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	if err := chromedp.Run(tabCtx,
		s.browser.networkSetupAction(),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp interactive visit: %w", err)
	}
	s.browser.logger.Info("waiting for interactive resolution",
		zap.String("client_id", s.clientID),
		zap.Int("display", target.Display),
	)

	wake, stop := s.await()
	select {
	case <-wake:
		stop()
	case <-ctx.Done():
		stop()
		return crawler.Page{}, fmt.Errorf("interactive resolution: %w", ctx.Err())
	}

	contact := s.revealContact(tabCtx)
	var (
		html     string
		finalURL string
	)
	if err := chromedp.Run(tabCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp interactive html: %w", err)
	}
	page := s.page(target, meta, finalURL, html, nil)
	page.ContactHref = contact
	return page, nil
}

// tab opens a new tab in the client's browser, bounded by ctx.
func (s *Session) tab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := chromedp.NewContext(s.ctx)
	stop := context.AfterFunc(ctx, tabCancel)
	return tabCtx, func() {
		stop()
		tabCancel()
	}
}

func (s *Session) page(target crawler.CrawlTarget, meta *responseMeta, finalURL, html string, screenshot []byte) crawler.Page {
	status, url := meta.snapshotWithFallbacks(target.URL, finalURL)
	challenged := false
	if s.browser.detector != nil {
		challenged = s.browser.detector.Challenged(status, html)
	}
	return crawler.Page{
		Target:     target,
		URL:        url,
		HTML:       html,
		Screenshot: screenshot,
		Challenge:  challenged,
	}
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func sanitizeDir(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "default"
	}
	return string(out)
}
