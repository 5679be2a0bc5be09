package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archive"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/hash/sha256"
	idgen "github.com/JakeFAU/listing-archiver/internal/id/uuid"
	"github.com/JakeFAU/listing-archiver/internal/scheduler"
	"github.com/JakeFAU/listing-archiver/internal/storage/memory"
)

func TestServer_SubmitCrawl_Accepted(t *testing.T) {
	t.Parallel()

	crawl := &fakeCrawler{res: scheduler.Result{Queued: true}}
	server := newTestServer(Deps{Crawler: crawl}, config.Config{})

	body := `{"url":"https://ads.example.com/search?q=bike","clientId":"c1"}`
	rec := serve(server, http.MethodPost, "/v1/crawl", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp crawlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Queued)
	require.False(t, resp.IsCached)

	reqs := crawl.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, idgen.TargetID("https://ads.example.com/search?q=bike"), reqs[0].Target.ID)
	require.Equal(t, crawler.KindSearch, reqs[0].Target.Kind)
	require.Equal(t, "c1", reqs[0].Target.ClientID)
	require.False(t, reqs[0].Subscribe)
}

func TestServer_SubmitCrawl_Cached(t *testing.T) {
	t.Parallel()

	snap := crawler.ListingSnapshot{
		TargetID: "t1",
		Listings: map[string]crawler.ListingRecord{"1": {ListingID: "1", Title: "bike"}},
	}
	crawl := &fakeCrawler{res: scheduler.Result{Cached: &snap, IsCached: true, Running: true}}
	server := newTestServer(Deps{Crawler: crawl}, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/crawl", `{"url":"https://ads.example.com/s","clientId":"c1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp crawlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.IsCached)
	require.True(t, resp.Running)
	require.NotNil(t, resp.Snapshot)
	require.Contains(t, resp.Snapshot.Listings, "1")
}

func TestServer_SubmitCrawl_Invalid(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{Crawler: &fakeCrawler{}}, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/crawl", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/crawl", `{"url":"https://ads.example.com/s"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/crawl", `{"url":"https://ads.example.com/s","clientId":"c1","kind":"interactiveResolve"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitCrawl_SanitizesErrors(t *testing.T) {
	t.Parallel()

	crawl := &fakeCrawler{err: fmt.Errorf("dial redis 10.0.0.7:6379: %w", errors.New("connection refused"))}
	server := newTestServer(Deps{Crawler: crawl}, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/crawl", `{"url":"https://ads.example.com/s","clientId":"c1"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.7")
	require.Contains(t, rec.Body.String(), crawler.SanitizeError(crawl.err))

	crawl.err = fmt.Errorf("allocate: %w", crawler.ErrExhausted)
	rec = serve(server, http.MethodPost, "/v1/crawl", `{"url":"https://ads.example.com/s","clientId":"c1"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SubmitArchive(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{}
	server := newTestServer(Deps{Archiver: arch}, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/archive", `{"listingUrl":"https://ads.example.com/bik/12345.html","clientId":"c1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp archiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "12345", resp.ListingPID)
	require.False(t, resp.IsCached)

	arch.setResult(archive.Result{Cached: &crawler.ArchiveEntry{ListingPID: "12345", URL: "https://archive.example.com/archive/12345/index.htm"}})
	rec = serve(server, http.MethodPost, "/v1/archive", `{"listingUrl":"https://ads.example.com/bik/12345.html","clientId":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.IsCached)
	require.Equal(t, "https://archive.example.com/archive/12345/index.htm", resp.Entry.URL)
}

func TestServer_RecentArchives(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{recent: []crawler.ArchiveEntry{{ListingPID: "2"}, {ListingPID: "1"}}}
	server := newTestServer(Deps{Archiver: arch}, config.Config{})

	rec := serve(server, http.MethodGet, "/v1/archive/recent?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Entries []crawler.ArchiveEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	require.Equal(t, 5, arch.lastLimit())

	rec = serve(server, http.MethodGet, "/v1/archive/recent?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ResolveVnc(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{}
	server := newTestServer(Deps{Archiver: arch}, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/vnc/c1/resolve", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"c1"}, arch.resolvedClients())

	arch.setResolveErr(archive.ErrNoPending)
	rec = serve(server, http.MethodPost, "/v1/vnc/c2/resolve", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ArchiveContent(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := blobs.PutObject(context.Background(), "listings/12345/index.htm", "text/html; charset=utf-8",
		strings.NewReader("<html>archived</html>"))
	require.NoError(t, err)
	server := newTestServer(Deps{Content: blobs, Tagger: sha256.New()},
		config.Config{Archive: config.ArchiveConfig{Prefix: "listings"}})

	rec := serve(server, http.MethodGet, "/archive/12345/index.htm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "<html>archived</html>", rec.Body.String())
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/archive/12345/index.htm", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/archive/12345/index.htm", nil)
	req.Header.Set("If-None-Match", `"stale", W/`+etag)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)

	rec = serve(server, http.MethodGet, "/archive/12345/page.htm", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/archive/../secret", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Reset(t *testing.T) {
	t.Parallel()

	var calls int
	server := newTestServer(Deps{Reset: func(context.Context) error {
		calls++
		return nil
	}}, config.Config{})

	rec := serve(server, http.MethodPost, "/admin/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, calls)

	failing := newTestServer(Deps{Reset: func(context.Context) error {
		return errors.New("redis unreachable")
	}}, config.Config{})
	rec = serve(failing, http.MethodPost, "/admin/reset", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "redis")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{}, config.Config{})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", "").Code)

	down := newTestServer(Deps{Ready: func(context.Context) error { return errors.New("down") }}, config.Config{})
	require.Equal(t, http.StatusServiceUnavailable, serve(down, http.MethodGet, "/readyz", "").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{}, config.Config{})
	serve(server, http.MethodGet, "/healthz", "")

	rec := serve(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(Deps{Archiver: &fakeArchiver{}}, cfg)

	rec := serve(server, http.MethodGet, "/v1/archive/recent", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/archive/recent", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open for the orchestrator.
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(Deps{}, config.Config{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	newTestServer(Deps{}, config.Config{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(Deps{}, config.Config{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func TestServer_ProxyVnc(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = w.Write([]byte("novnc"))
	}))
	defer upstream.Close()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	sessions := &fakeSessions{live: map[int]crawler.VncAllocation{port: {ClientID: "c1", WebPort: port}}}
	server := newTestServer(Deps{Sessions: sessions}, config.Config{})

	rec := serve(server, http.MethodGet, fmt.Sprintf("/vnc/%d/vnc.html", port), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "novnc", rec.Body.String())
	require.Equal(t, "/vnc.html", <-paths)

	rec = serve(server, http.MethodGet, fmt.Sprintf("/vnc/%d/vnc.html", port+1), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/vnc/notaport/vnc.html", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StreamEvents(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(events.Config{MaxBatchWait: time.Millisecond})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	server := NewServer(Deps{Events: hub, Heartbeat: time.Hour}, config.Config{}, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?client_id=c1&target_id=t1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, _ := readSSE(t, reader)
	require.Equal(t, eventConnected, name)

	now := time.Now()
	require.NoError(t, hub.Publish(ctx, events.Event{Topic: events.TopicListingUpdate, TargetID: "other", ClientID: "c1", TS: now}))
	require.NoError(t, hub.Publish(ctx, events.Event{
		Topic:    events.TopicListingUpdate,
		TargetID: "t1",
		ClientID: "c1",
		TS:       now,
		Payload:  map[string]string{"pid": "42"},
	}))

	name, data := readSSE(t, reader)
	require.Equal(t, string(events.TopicListingUpdate), name)
	var evt struct {
		TargetID string            `json:"targetId"`
		Payload  map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	require.Equal(t, "t1", evt.TargetID)
	require.Equal(t, "42", evt.Payload["pid"])
}

func TestServer_StreamEventsSubmitsCrawl(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(events.Config{MaxBatchWait: time.Millisecond})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	crawl := &fakeCrawler{bus: hub}
	server := NewServer(Deps{Crawler: crawl, Heartbeat: time.Hour}, config.Config{}, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target := "https://ads.example.com/search?q=bike"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/v1/events?client_id=c1&url="+url.QueryEscape(target), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	name, data := readSSE(t, reader)
	require.Equal(t, eventConnected, name)
	require.Contains(t, data, idgen.TargetID(target))

	reqs := crawl.requests()
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].Subscribe)

	require.NoError(t, hub.Publish(ctx, events.Event{
		Topic:    events.TopicArchiveCompleted,
		TargetID: idgen.TargetID(target),
		ClientID: "c1",
		TS:       time.Now(),
	}))
	name, _ = readSSE(t, reader)
	require.Equal(t, string(events.TopicArchiveCompleted), name)
}

func TestServer_StreamEventsRequiresClient(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{}, config.Config{})
	rec := serve(server, http.MethodGet, "/v1/events", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- helpers/fakes ---

func newTestServer(deps Deps, cfg config.Config) *Server {
	return NewServer(deps, cfg, zap.NewNop())
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// readSSE returns the next event name and data, skipping comments.
func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

type fakeCrawler struct {
	mu   sync.Mutex
	reqs []scheduler.Request
	res  scheduler.Result
	err  error
	bus  *events.Hub
}

func (f *fakeCrawler) Submit(_ context.Context, req scheduler.Request) (scheduler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return scheduler.Result{}, f.err
	}
	res := f.res
	if req.Subscribe && f.bus != nil {
		res.Subscription = f.bus.Subscribe(events.Filter{ClientID: req.Target.ClientID, TargetID: req.Target.ID})
	}
	return res, nil
}

func (f *fakeCrawler) requests() []scheduler.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Request(nil), f.reqs...)
}

type fakeArchiver struct {
	mu         sync.Mutex
	res        archive.Result
	resolveErr error
	resolved   []string
	recent     []crawler.ArchiveEntry
	limit      int
}

func (f *fakeArchiver) Archive(_ context.Context, req archive.Request) (archive.Result, error) {
	if req.ListingURL == "" || req.ClientID == "" {
		return archive.Result{}, crawler.ErrInvalidTarget
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, nil
}

func (f *fakeArchiver) Resolve(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved = append(f.resolved, clientID)
	return nil
}

func (f *fakeArchiver) Recent(_ context.Context, limit int) ([]crawler.ArchiveEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.recent, nil
}

func (f *fakeArchiver) setResult(res archive.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res = res
}

func (f *fakeArchiver) setResolveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveErr = err
}

func (f *fakeArchiver) resolvedClients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

func (f *fakeArchiver) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

type fakeSessions struct {
	live map[int]crawler.VncAllocation
}

func (f *fakeSessions) Lookup(_ context.Context, webPort int) (crawler.VncAllocation, bool, error) {
	alloc, ok := f.live[webPort]
	return alloc, ok, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
