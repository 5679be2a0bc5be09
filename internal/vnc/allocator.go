package vnc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
)

var (
	// ErrExhausted is returned when a range has no free value. Nothing is
	// reserved when it is returned.
	ErrExhausted = crawler.ErrExhausted
	// ErrNoSession is returned for clients without an allocation.
	ErrNoSession = errors.New("vnc: no session for client")
)

// Used-set dimensions.
const (
	dimDisplay = "display"
	dimVncPort = "vncport"
	dimWebPort = "webport"
)

// Range is an inclusive numeric range.
type Range struct {
	Min int
	Max int
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// AllocatorConfig holds the three disjoint ranges and the lease bound.
type AllocatorConfig struct {
	Displays Range
	VncPorts Range
	WebPorts Range
	LeaseTTL time.Duration
	Lock     coord.LockConfig
}

// Allocator reserves display/port triples in the coordination store. Every
// read-modify-write runs under a store lock so several processes can
// allocate from the same ranges.
type Allocator struct {
	store  coord.Store
	keys   coord.Keys
	lock   *coord.Lock
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    AllocatorConfig
	logger *zap.Logger
}

// NewAllocator constructs an Allocator.
func NewAllocator(store coord.Store, keys coord.Keys, ids crawler.IDGenerator, clock crawler.Clock, cfg AllocatorConfig, logger *zap.Logger) *Allocator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	return &Allocator{
		store:  store,
		keys:   keys,
		lock:   coord.NewLock(store, keys.VncLock(), cfg.Lock),
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("vnc_allocator"),
	}
}

// Allocate returns the client's live allocation, or reserves the lowest free
// display, VNC port, and web port.
func (a *Allocator) Allocate(ctx context.Context, clientID string) (crawler.VncAllocation, error) {
	var out crawler.VncAllocation
	err := a.locked(ctx, func() error {
		existing, found, err := a.get(ctx, clientID)
		if err != nil {
			return err
		}
		if found {
			live, err := a.store.Exists(ctx, a.keys.VncLease(clientID))
			if err != nil {
				return fmt.Errorf("check vnc lease: %w", err)
			}
			if live {
				out = existing
				metrics.ObserveVncAllocation("reused")
				return nil
			}
		}

		used := make(map[string]map[int]bool, 3)
		for _, dim := range []string{dimDisplay, dimVncPort, dimWebPort} {
			set, err := a.used(ctx, dim)
			if err != nil {
				return err
			}
			used[dim] = set
		}
		if found {
			// The stale allocation's values are reclaimed in the same write.
			delete(used[dimDisplay], existing.Display)
			delete(used[dimVncPort], existing.VncPort)
			delete(used[dimWebPort], existing.WebPort)
		}

		display, ok1 := lowestFree(a.cfg.Displays, used[dimDisplay])
		vncPort, ok2 := lowestFree(a.cfg.VncPorts, used[dimVncPort])
		webPort, ok3 := lowestFree(a.cfg.WebPorts, used[dimWebPort])
		if !ok1 || !ok2 || !ok3 {
			metrics.ObserveVncAllocation("exhausted")
			return ErrExhausted
		}

		now := a.clock.Now()
		alloc := crawler.VncAllocation{
			ClientID:       clientID,
			Display:        display,
			VncPort:        vncPort,
			WebPort:        webPort,
			AllocatedAt:    now,
			LeaseExpiresAt: now.Add(a.cfg.LeaseTTL),
		}
		raw, err := json.Marshal(alloc)
		if err != nil {
			return fmt.Errorf("encode allocation: %w", err)
		}
		score := float64(now.UnixNano())
		ops := make([]coord.Op, 0, 8)
		if found {
			ops = append(ops, a.freeOps(existing)...)
		}
		ops = append(ops,
			coord.HSetOp{Key: a.keys.VncAlloc(), Field: clientID, Value: string(raw)},
			coord.ZAddOp{Key: a.keys.VncUsed(dimDisplay), Member: strconv.Itoa(display), Score: score},
			coord.ZAddOp{Key: a.keys.VncUsed(dimVncPort), Member: strconv.Itoa(vncPort), Score: score},
			coord.ZAddOp{Key: a.keys.VncUsed(dimWebPort), Member: strconv.Itoa(webPort), Score: score},
			coord.SetOp{Key: a.keys.VncLease(clientID), Value: strconv.Itoa(webPort), TTL: a.cfg.LeaseTTL},
		)
		if err := a.store.Exec(ctx, ops...); err != nil {
			return fmt.Errorf("write allocation: %w", err)
		}
		out = alloc
		metrics.ObserveVncAllocation("allocated")
		a.logger.Info("vnc allocated",
			zap.String("client_id", clientID),
			zap.Int("display", display),
			zap.Int("vnc_port", vncPort),
			zap.Int("web_port", webPort),
		)
		return nil
	})
	return out, err
}

// Release frees the client's allocation and returns what was held.
func (a *Allocator) Release(ctx context.Context, clientID string) (crawler.VncAllocation, error) {
	var out crawler.VncAllocation
	err := a.locked(ctx, func() error {
		alloc, found, err := a.get(ctx, clientID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNoSession
		}
		ops := append(a.freeOps(alloc), coord.DelOp{Keys: []string{a.keys.VncLease(clientID)}})
		if err := a.store.Exec(ctx, ops...); err != nil {
			return fmt.Errorf("free allocation: %w", err)
		}
		out = alloc
		return nil
	})
	if err == nil {
		a.logger.Info("vnc released", zap.String("client_id", clientID), zap.Int("web_port", out.WebPort))
	}
	return out, err
}

// Get returns the client's allocation, live or not.
func (a *Allocator) Get(ctx context.Context, clientID string) (crawler.VncAllocation, error) {
	alloc, found, err := a.get(ctx, clientID)
	if err != nil {
		return crawler.VncAllocation{}, err
	}
	if !found {
		return crawler.VncAllocation{}, ErrNoSession
	}
	return alloc, nil
}

// Live reports whether clientID's lease key is still present.
func (a *Allocator) Live(ctx context.Context, clientID string) (bool, error) {
	live, err := a.store.Exists(ctx, a.keys.VncLease(clientID))
	if err != nil {
		return false, fmt.Errorf("check vnc lease: %w", err)
	}
	return live, nil
}

// ByWebPort finds the live allocation serving port.
func (a *Allocator) ByWebPort(ctx context.Context, port int) (crawler.VncAllocation, bool, error) {
	all, err := a.List(ctx)
	if err != nil {
		return crawler.VncAllocation{}, false, err
	}
	for _, alloc := range all {
		if alloc.WebPort != port {
			continue
		}
		live, err := a.store.Exists(ctx, a.keys.VncLease(alloc.ClientID))
		if err != nil {
			return crawler.VncAllocation{}, false, fmt.Errorf("check vnc lease: %w", err)
		}
		return alloc, live, nil
	}
	return crawler.VncAllocation{}, false, nil
}

// List returns every recorded allocation ordered oldest first.
func (a *Allocator) List(ctx context.Context) ([]crawler.VncAllocation, error) {
	raw, err := a.store.HGetAll(ctx, a.keys.VncAlloc())
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	out := make([]crawler.VncAllocation, 0, len(raw))
	for clientID, value := range raw {
		var alloc crawler.VncAllocation
		if err := json.Unmarshal([]byte(value), &alloc); err != nil {
			a.logger.Warn("skipping malformed allocation", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		out = append(out, alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out, nil
}

// Expired returns allocations whose lease key has lapsed, oldest first.
func (a *Allocator) Expired(ctx context.Context) ([]crawler.VncAllocation, error) {
	all, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []crawler.VncAllocation
	for _, alloc := range all {
		live, err := a.store.Exists(ctx, a.keys.VncLease(alloc.ClientID))
		if err != nil {
			return nil, fmt.Errorf("check vnc lease: %w", err)
		}
		if !live {
			out = append(out, alloc)
		}
	}
	return out, nil
}

// ExpireSweep releases every allocation whose lease has lapsed and returns
// what was freed.
func (a *Allocator) ExpireSweep(ctx context.Context) ([]crawler.VncAllocation, error) {
	expired, err := a.Expired(ctx)
	if err != nil {
		return nil, err
	}
	var freed []crawler.VncAllocation
	for _, alloc := range expired {
		if _, err := a.Release(ctx, alloc.ClientID); err != nil && !errors.Is(err, ErrNoSession) {
			return freed, err
		}
		freed = append(freed, alloc)
	}
	return freed, nil
}

// Reset drops every allocation, used set, and lease.
func (a *Allocator) Reset(ctx context.Context) error {
	leases, err := a.store.Keys(ctx, a.keys.VncLease("*"))
	if err != nil {
		return fmt.Errorf("scan vnc leases: %w", err)
	}
	keys := append(leases,
		a.keys.VncAlloc(),
		a.keys.VncUsed(dimDisplay),
		a.keys.VncUsed(dimVncPort),
		a.keys.VncUsed(dimWebPort),
		a.keys.VncLock(),
	)
	if err := a.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("reset vnc state: %w", err)
	}
	return nil
}

func (a *Allocator) locked(ctx context.Context, fn func() error) error {
	token, err := a.ids.NewID()
	if err != nil {
		return fmt.Errorf("lock token: %w", err)
	}
	unlock, err := a.lock.Acquire(ctx, token)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("vnc lock release failed", zap.Error(err))
		}
	}()
	return fn()
}

func (a *Allocator) get(ctx context.Context, clientID string) (crawler.VncAllocation, bool, error) {
	raw, err := a.store.HGet(ctx, a.keys.VncAlloc(), clientID)
	if errors.Is(err, coord.ErrNotFound) {
		return crawler.VncAllocation{}, false, nil
	}
	if err != nil {
		return crawler.VncAllocation{}, false, fmt.Errorf("read allocation: %w", err)
	}
	var alloc crawler.VncAllocation
	if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
		return crawler.VncAllocation{}, false, fmt.Errorf("decode allocation: %w", err)
	}
	return alloc, true, nil
}

func (a *Allocator) used(ctx context.Context, dim string) (map[int]bool, error) {
	members, err := a.store.ZRangeWithScores(ctx, a.keys.VncUsed(dim))
	if err != nil {
		return nil, fmt.Errorf("read used %s: %w", dim, err)
	}
	set := make(map[int]bool, len(members))
	for _, m := range members {
		v, err := strconv.Atoi(m.Member)
		if err != nil {
			continue
		}
		set[v] = true
	}
	return set, nil
}

func (a *Allocator) freeOps(alloc crawler.VncAllocation) []coord.Op {
	return []coord.Op{
		coord.HDelOp{Key: a.keys.VncAlloc(), Fields: []string{alloc.ClientID}},
		coord.ZRemOp{Key: a.keys.VncUsed(dimDisplay), Members: []string{strconv.Itoa(alloc.Display)}},
		coord.ZRemOp{Key: a.keys.VncUsed(dimVncPort), Members: []string{strconv.Itoa(alloc.VncPort)}},
		coord.ZRemOp{Key: a.keys.VncUsed(dimWebPort), Members: []string{strconv.Itoa(alloc.WebPort)}},
	}
}

func lowestFree(r Range, used map[int]bool) (int, bool) {
	for v := r.Min; v <= r.Max; v++ {
		if !used[v] {
			return v, true
		}
	}
	return 0, false
}
