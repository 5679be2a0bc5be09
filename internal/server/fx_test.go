package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
)

func testConfig(addr string) config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 0},
		Redis:   config.RedisConfig{Addr: addr, Prefix: "test"},
		Browser: config.BrowserConfig{Enabled: false},
		Storage: config.StorageConfig{Backend: "memory"},
		Archive: config.ArchiveConfig{
			Prefix:           "listings",
			TierAge:          time.Hour,
			TransferSchedule: "@every 1h",
		},
		VNC: config.VNCConfig{
			Enabled:        true,
			Displays:       config.PortRange{Min: 99, Max: 100},
			VncPorts:       config.PortRange{Min: 5900, Max: 5901},
			WebPorts:       config.PortRange{Min: 6080, Max: 6081},
			LeaseTTL:       time.Minute,
			TempDir:        "",
			CleanupPolicy:  config.CleanupSweep,
			SweepSchedule:  "@every 30m",
			ExpirySchedule: "@every 30s",
		},
		Telemetry: config.TelemetryConfig{ServiceName: "archiver-test"},
	}
}

func buildTestApp(t *testing.T) (*App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := testConfig(mr.Addr())
	cfg.VNC.TempDir = t.TempDir()
	app, err := Build(context.Background(), cfg, zap.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	return app, mr
}

func TestBuildServesHealthEndpoints(t *testing.T) {
	app, _ := buildTestApp(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestReadyzFailsWhenStoreDown(t *testing.T) {
	app, mr := buildTestApp(t)
	mr.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildFailsWithoutStore(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Build(ctx, testConfig(addr), zap.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "coordination store init failed")
}

func TestResetClearsCoordinationState(t *testing.T) {
	app, mr := buildTestApp(t)
	require.NoError(t, mr.Set("test:lease:t1", "holder"))
	mr.HSet("test:queue:c1", "t1", "{}")
	_, err := mr.ZAdd("test:crawlers", 1, "c1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.False(t, mr.Exists("test:lease:t1"))
	require.False(t, mr.Exists("test:queue:c1"))
	require.False(t, mr.Exists("test:crawlers"))
}

func TestTransferMovesAgedEntries(t *testing.T) {
	app, mr := buildTestApp(t)
	old, err := json.Marshal(crawler.ArchiveEntry{ListingPID: "1", CreatedAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	fresh, err := json.Marshal(crawler.ArchiveEntry{ListingPID: "2", CreatedAt: time.Now()})
	require.NoError(t, err)
	mr.HSet("test:archives", "1", string(old))
	mr.HSet("test:archives", "2", string(fresh))

	moved, err := app.Transfer(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	require.NotEmpty(t, mr.HGet("test:archives-older", "1"))
	keys, err := mr.HKeys("test:archives")
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, keys)
}

func TestSweepAndExpireWithVNC(t *testing.T) {
	app, _ := buildTestApp(t)

	removed, err := app.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, removed)

	expired, err := app.ExpireSessions(context.Background())
	require.NoError(t, err)
	require.Zero(t, expired)
}

func TestPeriodicJobs(t *testing.T) {
	app, _ := buildTestApp(t)

	var names []string
	for _, job := range app.periodicJobs() {
		names = append(names, job.name)
	}
	require.Equal(t, []string{"archive_transfer", "vnc_expiry", "vnc_sweep"}, names)

	app.cfg.Archive.TransferSchedule = "not a schedule"
	require.ErrorContains(t, app.startCron(), "archive_transfer")
}

func TestBusDeliversToSubscribers(t *testing.T) {
	app, _ := buildTestApp(t)

	sub := app.hub.Subscribe(events.Filter{ClientID: "c1"})
	defer sub.Close()
	app.bus.Emit(events.Event{
		Topic:    events.TopicError,
		ClientID: "c1",
		TS:       time.Now(),
		Payload:  crawler.ErrorPayload{Message: "boom"},
	})

	select {
	case evt := <-sub.C():
		require.Equal(t, events.TopicError, evt.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLateBusBeforeAttach(t *testing.T) {
	t.Parallel()

	bus := &lateBus{}
	bus.Emit(events.Event{Topic: events.TopicError, TS: time.Now()})
	require.ErrorIs(t, bus.Publish(context.Background(), events.Event{}), errBusDetached)
	require.Nil(t, bus.Subscribe(events.Filter{}))

	hub := events.NewHub(events.Config{})
	defer func() { _ = hub.Close(context.Background()) }()
	bus.attach(hub)
	sub := bus.Subscribe(events.Filter{ClientID: "c1"})
	require.NotNil(t, sub)
	sub.Close()
}
