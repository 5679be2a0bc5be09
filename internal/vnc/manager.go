package vnc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
)

// Manager ties allocation to provisioning and owns the sessions opened by
// this process.
type Manager struct {
	alloc         *Allocator
	prov          Provisioner
	emitter       events.Emitter
	clock         crawler.Clock
	publicBaseURL string
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager. publicBaseURL prefixes the /vnc/<port>/
// access path announced to clients.
func NewManager(alloc *Allocator, prov Provisioner, emitter events.Emitter, clock crawler.Clock, publicBaseURL string, logger *zap.Logger) *Manager {
	return &Manager{
		alloc:         alloc,
		prov:          prov,
		emitter:       emitter,
		clock:         clock,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		logger:        logging.OrNop(logger).Named("vnc"),
		sessions:      make(map[string]*Session),
	}
}

// AccessURL is the public path of the bridge on webPort.
func (m *Manager) AccessURL(webPort int) string {
	return m.publicBaseURL + "/vnc/" + strconv.Itoa(webPort) + "/"
}

// Open returns the client's ready session, provisioning one if needed, and
// announces it with a vnc.ready event.
func (m *Manager) Open(ctx context.Context, clientID string) (*Session, error) {
	if sess, ok := m.Session(clientID); ok {
		if sess.State() == StateReady && !sess.Allocation().Expired(m.clock.Now()) && m.stillHeld(ctx, clientID, sess) {
			m.announce(sess)
			return sess, nil
		}
		if err := m.Expire(ctx, clientID); err != nil && !errors.Is(err, ErrNoSession) {
			return nil, err
		}
	}

	alloc, err := m.alloc.Allocate(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("allocate interactive session: %w", err)
	}
	sess := NewSession()
	if err := sess.Allocate(alloc); err != nil {
		return nil, err
	}
	if err := sess.Transition(StateProvisioning); err != nil {
		return nil, err
	}
	m.dropConflicting(alloc)
	if err := m.prov.Provision(ctx, alloc); err != nil {
		_ = sess.Transition(StateReleased)
		if _, relErr := m.alloc.Release(context.WithoutCancel(ctx), clientID); relErr != nil {
			m.logger.Warn("release after failed provisioning", zap.String("client_id", clientID), zap.Error(relErr))
		}
		return nil, fmt.Errorf("provision interactive session: %w", err)
	}
	if err := sess.Ready(m.AccessURL(alloc.WebPort)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[clientID] = sess
	m.mu.Unlock()
	metrics.AddVncSessions(1)
	m.announce(sess)
	return sess, nil
}

// Session returns the client's local session.
func (m *Manager) Session(clientID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[clientID]
	return sess, ok
}

// Resolve ends the client's session after a successful resolution.
func (m *Manager) Resolve(ctx context.Context, clientID, listingPID string) error {
	return m.finish(ctx, clientID, listingPID, StateResolved)
}

// Expire ends the client's session because its lease lapsed.
func (m *Manager) Expire(ctx context.Context, clientID string) error {
	return m.finish(ctx, clientID, "", StateExpired)
}

// ExpireSweep ends every session whose lease lapsed, oldest first, then tears
// down local sessions whose allocation another process already released.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := m.alloc.Expired(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, alloc := range expired {
		if err := m.Expire(ctx, alloc.ClientID); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	reaped, err := m.reapOrphans(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	return n + reaped, errors.Join(errs...)
}

// reapOrphans drops local sessions the store no longer records for their
// client. The store side is already released, so nothing is emitted.
func (m *Manager) reapOrphans(ctx context.Context) (int, error) {
	m.mu.Lock()
	local := make(map[string]*Session, len(m.sessions))
	for clientID, sess := range m.sessions {
		local[clientID] = sess
	}
	m.mu.Unlock()

	n := 0
	for clientID, sess := range local {
		held, err := m.held(ctx, clientID, sess)
		if err != nil {
			return n, err
		}
		if held {
			continue
		}
		if m.dropLocal(clientID, sess, "allocation released elsewhere") {
			n++
		}
	}
	return n, nil
}

// stillHeld is held with lookup errors treated as held.
func (m *Manager) stillHeld(ctx context.Context, clientID string, sess *Session) bool {
	held, err := m.held(ctx, clientID, sess)
	if err != nil {
		m.logger.Warn("allocation lookup failed", zap.String("client_id", clientID), zap.Error(err))
		return true
	}
	return held
}

// held reports whether the store still carries sess's allocation for
// clientID under a live lease.
func (m *Manager) held(ctx context.Context, clientID string, sess *Session) (bool, error) {
	cur, err := m.alloc.Get(ctx, clientID)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	mine := sess.Allocation()
	if cur.Display != mine.Display || cur.VncPort != mine.VncPort || cur.WebPort != mine.WebPort {
		return false, nil
	}
	if cur.Expired(m.clock.Now()) {
		return false, nil
	}
	return m.alloc.Live(ctx, clientID)
}

// dropConflicting tears down local sessions of other clients holding any
// value of alloc. The store handed those values out again, so the processes
// behind them are stale.
func (m *Manager) dropConflicting(alloc crawler.VncAllocation) {
	m.mu.Lock()
	stale := make(map[string]*Session)
	for clientID, sess := range m.sessions {
		if clientID == alloc.ClientID {
			continue
		}
		a := sess.Allocation()
		if a.Display == alloc.Display || a.VncPort == alloc.VncPort || a.WebPort == alloc.WebPort {
			stale[clientID] = sess
		}
	}
	m.mu.Unlock()
	for clientID, sess := range stale {
		m.dropLocal(clientID, sess, "allocation reassigned")
	}
}

// dropLocal tears down sess without touching the store. It reports false if
// sess was no longer the client's local session.
func (m *Manager) dropLocal(clientID string, sess *Session, reason string) bool {
	m.mu.Lock()
	if m.sessions[clientID] != sess {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, clientID)
	m.mu.Unlock()

	if sess.State() == StateReady {
		_ = sess.Transition(StateExpired)
	}
	if err := m.prov.Teardown(sess.Allocation()); err != nil {
		m.logger.Warn("teardown failed", zap.String("client_id", clientID), zap.Error(err))
	}
	_ = sess.Transition(StateReleased)
	metrics.AddVncSessions(-1)
	m.logger.Info("stale interactive session dropped", zap.String("client_id", clientID), zap.String("reason", reason))
	return true
}

// Lookup resolves a proxied web port to its live allocation.
func (m *Manager) Lookup(ctx context.Context, webPort int) (crawler.VncAllocation, bool, error) {
	return m.alloc.ByWebPort(ctx, webPort)
}

// Reset tears down local sessions and clears all allocation state.
func (m *Manager) Reset(ctx context.Context) error {
	m.teardownLocal()
	return m.alloc.Reset(ctx)
}

// Close tears down local sessions and frees their allocations.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]string, 0, len(m.sessions))
	for clientID := range m.sessions {
		clients = append(clients, clientID)
	}
	m.mu.Unlock()
	var errs []error
	for _, clientID := range clients {
		if err := m.finish(ctx, clientID, "", StateReleased); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) finish(ctx context.Context, clientID, listingPID string, terminal State) error {
	m.mu.Lock()
	sess, local := m.sessions[clientID]
	delete(m.sessions, clientID)
	m.mu.Unlock()

	if _, err := m.alloc.Release(ctx, clientID); err != nil {
		if !errors.Is(err, ErrNoSession) || !local {
			return err
		}
	}
	if local {
		if terminal != StateReleased {
			if err := sess.Transition(terminal); err != nil {
				m.logger.Warn("session transition", zap.String("client_id", clientID), zap.Error(err))
			}
		}
		if err := m.prov.Teardown(sess.Allocation()); err != nil {
			m.logger.Warn("teardown failed", zap.String("client_id", clientID), zap.Error(err))
		}
		_ = sess.Transition(StateReleased)
		metrics.AddVncSessions(-1)
	}

	if terminal != StateReleased {
		m.emitter.Emit(events.Event{
			Topic:    events.TopicVncResolved,
			ClientID: clientID,
			TS:       m.clock.Now(),
			Payload: crawler.VncResolved{
				ClientID:   clientID,
				ListingPID: listingPID,
				Expired:    terminal == StateExpired,
			},
		})
	}
	m.logger.Info("interactive session ended", zap.String("client_id", clientID), zap.Stringer("state", terminal))
	return nil
}

func (m *Manager) announce(sess *Session) {
	alloc := sess.Allocation()
	m.emitter.Emit(events.Event{
		Topic:    events.TopicVncReady,
		ClientID: alloc.ClientID,
		TS:       m.clock.Now(),
		Payload:  crawler.VncReady{ClientID: alloc.ClientID, URL: sess.URL(), Port: alloc.WebPort},
	})
}

func (m *Manager) teardownLocal() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for clientID, sess := range sessions {
		if err := m.prov.Teardown(sess.Allocation()); err != nil {
			m.logger.Warn("teardown failed", zap.String("client_id", clientID), zap.Error(err))
		}
		_ = sess.Transition(StateReleased)
		metrics.AddVncSessions(-1)
	}
}
