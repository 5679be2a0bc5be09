package vnc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	coordredis "github.com/JakeFAU/listing-archiver/internal/coord/redis"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("token-%d", s.n.Add(1)), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Topic(topic events.Topic) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

type fakeProvisioner struct {
	mu         sync.Mutex
	running    map[int]crawler.VncAllocation
	provisionE error
	torndown   []crawler.VncAllocation
}

func (p *fakeProvisioner) Provision(_ context.Context, alloc crawler.VncAllocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provisionE != nil {
		return p.provisionE
	}
	if p.running == nil {
		p.running = make(map[int]crawler.VncAllocation)
	}
	if _, busy := p.running[alloc.Display]; busy {
		return fmt.Errorf("display :%d already supervised", alloc.Display)
	}
	p.running[alloc.Display] = alloc
	return nil
}

func (p *fakeProvisioner) Teardown(alloc crawler.VncAllocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, alloc.Display)
	p.torndown = append(p.torndown, alloc)
	return nil
}

func (p *fakeProvisioner) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

var testRanges = AllocatorConfig{
	Displays: Range{Min: 99, Max: 101},
	VncPorts: Range{Min: 5900, Max: 5902},
	WebPorts: Range{Min: 6080, Max: 6082},
	LeaseTTL: time.Minute,
	Lock:     coord.LockConfig{RetryDelay: 5 * time.Millisecond, MaxRetries: 400},
}

func newAllocator(t *testing.T, cfg AllocatorConfig) (*Allocator, coord.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := coordredis.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return NewAllocator(store, coord.NewKeys("test"), &seqIDs{}, fixedClock{now: testNow}, cfg, nil), store, mr
}

func TestAllocateLowestFreeTriple(t *testing.T) {
	t.Parallel()
	alloc, _, _ := newAllocator(t, testRanges)

	got, err := alloc.Allocate(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 99, got.Display)
	require.Equal(t, 5900, got.VncPort)
	require.Equal(t, 6080, got.WebPort)
	require.Equal(t, testNow.Add(time.Minute), got.LeaseExpiresAt)
}

func TestAllocateIsIdempotentPerClient(t *testing.T) {
	t.Parallel()
	alloc, _, _ := newAllocator(t, testRanges)
	ctx := context.Background()

	first, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	second, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	all, err := alloc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestConcurrentAllocationsAreDisjointAndExhaust(t *testing.T) {
	t.Parallel()
	alloc, store, _ := newAllocator(t, testRanges)
	ctx := context.Background()

	const n = 3
	results := make([]crawler.VncAllocation, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = alloc.Allocate(ctx, fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	displays, vncPorts, webPorts := map[int]bool{}, map[int]bool{}, map[int]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		r := results[i]
		require.True(t, testRanges.Displays.Contains(r.Display))
		require.True(t, testRanges.VncPorts.Contains(r.VncPort))
		require.True(t, testRanges.WebPorts.Contains(r.WebPort))
		require.False(t, displays[r.Display])
		require.False(t, vncPorts[r.VncPort])
		require.False(t, webPorts[r.WebPort])
		displays[r.Display], vncPorts[r.VncPort], webPorts[r.WebPort] = true, true, true
	}

	before, err := store.HGetAll(ctx, "test:vnc:alloc")
	require.NoError(t, err)

	_, err = alloc.Allocate(ctx, "overflow")
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, crawler.ErrExhausted)

	after, err := store.HGetAll(ctx, "test:vnc:alloc")
	require.NoError(t, err)
	require.Equal(t, before, after)
	exists, err := store.Exists(ctx, "test:vnc:lease:overflow")
	require.NoError(t, err)
	require.False(t, exists)
	used, err := store.ZRangeWithScores(ctx, "test:vnc:used:display")
	require.NoError(t, err)
	require.Len(t, used, n)
}

func TestExhaustionInOneDimensionReservesNothing(t *testing.T) {
	t.Parallel()
	cfg := testRanges
	cfg.WebPorts = Range{Min: 6080, Max: 6080}
	alloc, store, _ := newAllocator(t, cfg)
	ctx := context.Background()

	_, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	_, err = alloc.Allocate(ctx, "c2")
	require.ErrorIs(t, err, ErrExhausted)

	for _, dim := range []string{"display", "vncport", "webport"} {
		used, err := store.ZRangeWithScores(ctx, "test:vnc:used:"+dim)
		require.NoError(t, err)
		require.Len(t, used, 1, dim)
	}
}

func TestReleaseReturnsValuesToPool(t *testing.T) {
	t.Parallel()
	alloc, store, _ := newAllocator(t, testRanges)
	ctx := context.Background()

	first, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	_, err = alloc.Allocate(ctx, "c2")
	require.NoError(t, err)

	released, err := alloc.Release(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, first, released)
	_, err = alloc.Get(ctx, "c1")
	require.ErrorIs(t, err, ErrNoSession)
	exists, err := store.Exists(ctx, "test:vnc:lease:c1")
	require.NoError(t, err)
	require.False(t, exists)

	again, err := alloc.Allocate(ctx, "c3")
	require.NoError(t, err)
	require.Equal(t, first.Display, again.Display)
	require.Equal(t, first.WebPort, again.WebPort)

	_, err = alloc.Release(ctx, "missing")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()
	alloc, _, mr := newAllocator(t, testRanges)
	ctx := context.Background()

	first, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	expired, err := alloc.Expired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	_, live, err := alloc.ByWebPort(ctx, first.WebPort)
	require.NoError(t, err)
	require.False(t, live)

	freed, err := alloc.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Len(t, freed, 1)
	all, err := alloc.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStaleAllocationReplacedOnReallocate(t *testing.T) {
	t.Parallel()
	alloc, store, mr := newAllocator(t, testRanges)
	ctx := context.Background()

	_, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	again, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 99, again.Display)
	used, err := store.ZRangeWithScores(ctx, "test:vnc:used:webport")
	require.NoError(t, err)
	require.Len(t, used, 1)
}

func TestAllocatorReset(t *testing.T) {
	t.Parallel()
	alloc, store, _ := newAllocator(t, testRanges)
	ctx := context.Background()
	_, err := alloc.Allocate(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, alloc.Reset(ctx))
	keys, err := store.Keys(ctx, "test:vnc:*")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()
	sess := NewSession()
	require.Equal(t, StateUnallocated, sess.State())
	require.ErrorIs(t, sess.Transition(StateReady), ErrInvalidTransition)

	require.NoError(t, sess.Allocate(crawler.VncAllocation{ClientID: "c1", WebPort: 6080}))
	require.NoError(t, sess.Transition(StateProvisioning))
	require.NoError(t, sess.Ready("https://example.org/vnc/6080/"))
	require.Equal(t, "https://example.org/vnc/6080/", sess.URL())
	require.NoError(t, sess.Transition(StateResolved))
	require.ErrorIs(t, sess.Transition(StateExpired), ErrInvalidTransition)
	require.NoError(t, sess.Transition(StateReleased))
	require.ErrorIs(t, sess.Transition(StateAllocated), ErrInvalidTransition)
	require.Equal(t, "released", sess.State().String())
}

func TestSessionExpiredPath(t *testing.T) {
	t.Parallel()
	sess := NewSession()
	require.NoError(t, sess.Allocate(crawler.VncAllocation{}))
	require.NoError(t, sess.Transition(StateProvisioning))
	require.NoError(t, sess.Ready(""))
	require.NoError(t, sess.Transition(StateExpired))
	require.NoError(t, sess.Transition(StateReleased))
}

func newManager(t *testing.T) (*Manager, *fakeProvisioner, *recordingEmitter, *Allocator, *miniredis.Miniredis) {
	t.Helper()
	alloc, _, mr := newAllocator(t, testRanges)
	prov := &fakeProvisioner{}
	emitter := &recordingEmitter{}
	return NewManager(alloc, prov, emitter, fixedClock{now: testNow}, "https://archiver.example.org/", nil), prov, emitter, alloc, mr
}

func TestManagerOpenAnnouncesAndResolveFrees(t *testing.T) {
	t.Parallel()
	mgr, prov, emitter, alloc, _ := newManager(t)
	ctx := context.Background()

	sess, err := mgr.Open(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StateReady, sess.State())
	a := sess.Allocation()
	require.True(t, testRanges.Displays.Contains(a.Display))
	require.True(t, testRanges.WebPorts.Contains(a.WebPort))
	require.Equal(t, 1, prov.Running())

	ready := emitter.Topic(events.TopicVncReady)
	require.Len(t, ready, 1)
	payload := ready[0].Payload.(crawler.VncReady)
	require.Equal(t, a.WebPort, payload.Port)
	require.Contains(t, payload.URL, fmt.Sprintf("/vnc/%d/", a.WebPort))
	require.Equal(t, "https://archiver.example.org/vnc/6080/", payload.URL)

	found, live, err := mgr.Lookup(ctx, a.WebPort)
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, "c1", found.ClientID)

	require.NoError(t, mgr.Resolve(ctx, "c1", "pid-1"))
	require.Equal(t, StateReleased, sess.State())
	require.Zero(t, prov.Running())
	_, ok := mgr.Session("c1")
	require.False(t, ok)

	resolved := emitter.Topic(events.TopicVncResolved)
	require.Len(t, resolved, 1)
	require.Equal(t, crawler.VncResolved{ClientID: "c1", ListingPID: "pid-1"}, resolved[0].Payload)

	next, err := alloc.Allocate(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, a.Display, next.Display)
	require.Equal(t, a.VncPort, next.VncPort)
	require.Equal(t, a.WebPort, next.WebPort)
}

func TestManagerOpenReusesReadySession(t *testing.T) {
	t.Parallel()
	mgr, prov, emitter, _, _ := newManager(t)
	ctx := context.Background()

	first, err := mgr.Open(ctx, "c1")
	require.NoError(t, err)
	second, err := mgr.Open(ctx, "c1")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, prov.Running())
	require.Len(t, emitter.Topic(events.TopicVncReady), 2)
}

func TestManagerProvisionFailureReleasesAllocation(t *testing.T) {
	t.Parallel()
	mgr, prov, _, alloc, _ := newManager(t)
	prov.provisionE = ErrDisplayNotReady

	_, err := mgr.Open(context.Background(), "c1")
	require.ErrorIs(t, err, ErrDisplayNotReady)
	_, err = alloc.Get(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestManagerExpireSweep(t *testing.T) {
	t.Parallel()
	mgr, prov, emitter, _, mr := newManager(t)
	ctx := context.Background()

	sess, err := mgr.Open(ctx, "c1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	n, err := mgr.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StateReleased, sess.State())
	require.Zero(t, prov.Running())
	resolved := emitter.Topic(events.TopicVncResolved)
	require.Len(t, resolved, 1)
	require.True(t, resolved[0].Payload.(crawler.VncResolved).Expired)
}

// newManagerPair builds two managers, as two processes would, over one store.
func newManagerPair(t *testing.T) (a, b *Manager, provA *fakeProvisioner, emitterB *recordingEmitter, mr *miniredis.Miniredis) {
	t.Helper()
	mr = miniredis.RunT(t)
	store := coordredis.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	ids := &seqIDs{}
	clock := fixedClock{now: testNow}
	provA, emitterB = &fakeProvisioner{}, &recordingEmitter{}
	a = NewManager(NewAllocator(store, coord.NewKeys("test"), ids, clock, testRanges, nil), provA, &recordingEmitter{}, clock, "https://archiver.example.org/", nil)
	b = NewManager(NewAllocator(store, coord.NewKeys("test"), ids, clock, testRanges, nil), &fakeProvisioner{}, emitterB, clock, "https://archiver.example.org/", nil)
	return a, b, provA, emitterB, mr
}

func TestManagerReapsSessionExpiredByAnotherProcess(t *testing.T) {
	t.Parallel()
	a, b, provA, emitterB, mr := newManagerPair(t)
	ctx := context.Background()

	sess, err := a.Open(ctx, "c1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	n, err := b.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, emitterB.Topic(events.TopicVncResolved), 1)
	require.Equal(t, 1, provA.Running())

	n, err = a.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, provA.Running())
	require.Equal(t, StateReleased, sess.State())
	_, ok := a.Session("c1")
	require.False(t, ok)
}

func TestManagerOpenReplacesStaleLocalHolder(t *testing.T) {
	t.Parallel()
	a, b, provA, _, mr := newManagerPair(t)
	ctx := context.Background()

	stale, err := a.Open(ctx, "c1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = b.ExpireSweep(ctx)
	require.NoError(t, err)

	next, err := a.Open(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, stale.Allocation().Display, next.Allocation().Display)
	require.Equal(t, StateReleased, stale.State())
	require.Equal(t, 1, provA.Running())
	_, ok := a.Session("c1")
	require.False(t, ok)
}

func TestManagerOpenDoesNotReuseReleasedAllocation(t *testing.T) {
	t.Parallel()
	a, b, provA, _, _ := newManagerPair(t)
	ctx := context.Background()

	first, err := a.Open(ctx, "c1")
	require.NoError(t, err)
	_, err = b.alloc.Release(ctx, "c1")
	require.NoError(t, err)

	second, err := a.Open(ctx, "c1")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, StateReleased, first.State())
	require.Equal(t, StateReady, second.State())
	require.Equal(t, 1, provA.Running())
}

func TestManagerExhaustionSurfaces(t *testing.T) {
	t.Parallel()
	mgr, _, _, _, _ := newManager(t)
	ctx := context.Background()
	for i := range 3 {
		_, err := mgr.Open(ctx, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}
	_, err := mgr.Open(ctx, "c9")
	require.ErrorIs(t, err, ErrExhausted)
	require.NoError(t, mgr.Close(ctx))
}

func TestSweeperRemovesOldEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := filepath.Join(dir, "session-99-1")
	fresh := filepath.Join(dir, "session-100-2")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "xvfb.log"), []byte("log"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(old, "xvfb.log"), past, past))
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := NewSweeper(dir, 24*time.Hour, nil).Sweep(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}

func TestSweeperKeepsOldDirWithFreshContent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	live := filepath.Join(dir, "session-99-1")
	require.NoError(t, os.MkdirAll(filepath.Join(live, "profile"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(live, "profile", "websockify.log"), []byte("log"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(live, "profile"), past, past))
	require.NoError(t, os.Chtimes(live, past, past))

	n, err := NewSweeper(dir, 24*time.Hour, nil).Sweep(time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = os.Stat(live)
	require.NoError(t, err)
}

func TestSweeperMissingDir(t *testing.T) {
	t.Parallel()
	n, err := NewSweeper(filepath.Join(t.TempDir(), "absent"), time.Hour, nil).Sweep(time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSupervisorStartsAndKillsProcessGroup(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep binary not available")
	}
	socketDir := t.TempDir()
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "X99"), nil, 0o644))

	sup := NewSupervisor(SupervisorConfig{
		SocketDir:        socketDir,
		TempDir:          tempDir,
		ReadyAttempts:    3,
		ReadyInterval:    5 * time.Millisecond,
		RemoveOnTeardown: true,
	}, nil)
	var started []string
	sup.command = func(name string, _ ...string) *exec.Cmd {
		started = append(started, name)
		return exec.Command("sleep", "30")
	}

	alloc := crawler.VncAllocation{ClientID: "c1", Display: 99, VncPort: 5900, WebPort: 6080}
	require.NoError(t, sup.Provision(context.Background(), alloc))
	require.Equal(t, []string{"Xvfb", "x11vnc", "websockify"}, started)
	require.True(t, sup.Running(99))

	require.NoError(t, sup.Teardown(alloc))
	require.False(t, sup.Running(99))
	require.NoError(t, sup.Teardown(alloc))
	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSupervisorDisplayNeverReady(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep binary not available")
	}
	sup := NewSupervisor(SupervisorConfig{
		SocketDir:     t.TempDir(),
		TempDir:       t.TempDir(),
		ReadyAttempts: 2,
		ReadyInterval: time.Millisecond,
	}, nil)
	sup.command = func(string, ...string) *exec.Cmd { return exec.Command("sleep", "30") }

	err := sup.Provision(context.Background(), crawler.VncAllocation{Display: 100})
	require.ErrorIs(t, err, ErrDisplayNotReady)
	require.False(t, sup.Running(100))
}
