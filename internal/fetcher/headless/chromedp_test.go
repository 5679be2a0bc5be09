package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

type stubDetector struct{ challenged bool }

func (s stubDetector) Challenged(int, string) bool { return s.challenged }

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil, nil)
	require.Error(t, err)

	browser, err := NewChromedp(Config{MaxParallel: 2}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cap(browser.limiter))
	require.Equal(t, 500*time.Millisecond, browser.cfg.SettleDelay)
	require.Equal(t, 5*time.Second, browser.cfg.ContactWait)
}

func TestBrowserLimiterBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	browser, err := NewChromedp(Config{MaxParallel: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, browser.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, browser.acquire(ctx), context.DeadlineExceeded)

	browser.release()
	require.NoError(t, browser.acquire(context.Background()))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 403,
			URL:    "https://example.org/rendered",
		},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "https://example.org/rendered", url)

	meta = newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 500}})
	status, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestSessionPageAppliesDetector(t *testing.T) {
	t.Parallel()

	browser, err := NewChromedp(Config{}, stubDetector{challenged: true}, nil)
	require.NoError(t, err)
	sess := &Session{browser: browser}
	target := crawler.CrawlTarget{ID: "u1", URL: "https://example.org/a.html", Kind: crawler.KindSingleAd}

	page := sess.page(target, newResponseMeta(), "", "<html></html>", []byte("png"))
	require.True(t, page.Challenge)
	require.Equal(t, target, page.Target)
	require.Equal(t, "https://example.org/a.html", page.URL)
	require.Equal(t, []byte("png"), page.Screenshot)
}

func TestSignalOnlyWakesWaitingVisit(t *testing.T) {
	t.Parallel()

	sess := &Session{}
	require.False(t, sess.Signal(), "no interactive visit is waiting")

	wake, stop := sess.await()
	require.True(t, sess.Signal())
	require.True(t, sess.Signal(), "signals coalesce while waiting")
	select {
	case <-wake:
	default:
		t.Fatal("expected the waiting visit to be woken")
	}
	select {
	case <-wake:
		t.Fatal("signals should coalesce")
	default:
	}
	stop()

	require.False(t, sess.Signal(), "a finished visit must not absorb a later signal")
	next, stopNext := sess.await()
	defer stopNext()
	select {
	case <-next:
		t.Fatal("a new visit must not see an earlier signal")
	default:
	}
}

func TestVisitRejectsUnknownKindAndMissingDisplay(t *testing.T) {
	t.Parallel()

	browser, err := NewChromedp(Config{}, nil, nil)
	require.NoError(t, err)
	sess := &Session{browser: browser}

	_, err = sess.Visit(context.Background(), crawler.CrawlTarget{Kind: crawler.Kind(99)})
	require.ErrorIs(t, err, crawler.ErrInvalidTarget)
	_, err = sess.Visit(context.Background(), crawler.CrawlTarget{Kind: crawler.KindInteractiveResolve})
	require.ErrorIs(t, err, crawler.ErrInvalidTarget)
}

func TestSanitizeDir(t *testing.T) {
	t.Parallel()

	require.Equal(t, "client_1___", sanitizeDir("client 1/.."))
	require.Equal(t, "default", sanitizeDir(""))
}

func TestNoopRefusesSessions(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().NewSession(context.Background(), "c1")
	require.ErrorIs(t, err, errDisabled)
}
