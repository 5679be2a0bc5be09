package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlsTotal == nil || vncAllocationsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCrawl(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlsTotal.WithLabelValues("singleAd", "challenge"))
	ObserveCrawl("singleAd", "challenge", 2*time.Second)
	if got := testutil.ToFloat64(crawlsTotal.WithLabelValues("singleAd", "challenge")); got != before+1 {
		t.Errorf("expected crawl counter to grow by 1, got %f -> %f", before, got)
	}
}

func TestObserveCountersIgnoreEmpty(t *testing.T) {
	Init()
	diffBefore := testutil.ToFloat64(diffListingsTotal)
	ObserveDiff(0)
	ObserveDiff(3)
	if got := testutil.ToFloat64(diffListingsTotal); got != diffBefore+3 {
		t.Errorf("expected diff counter +3, got %f -> %f", diffBefore, got)
	}

	movesBefore := testutil.ToFloat64(tierMovesTotal)
	ObserveTierMoves(-1)
	ObserveTierMoves(2)
	if got := testutil.ToFloat64(tierMovesTotal); got != movesBefore+2 {
		t.Errorf("expected tier moves +2, got %f -> %f", movesBefore, got)
	}
}

func TestVncSessionGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(vncSessions)
	AddVncSessions(1)
	AddVncSessions(1)
	AddVncSessions(-1)
	if got := testutil.ToFloat64(vncSessions); got != before+1 {
		t.Errorf("expected gauge +1, got %f -> %f", before, got)
	}
}
