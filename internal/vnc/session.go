package vnc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

// ErrInvalidTransition is returned when a session is moved to a state that
// does not follow its current one.
var ErrInvalidTransition = errors.New("vnc: invalid session transition")

// State is the lifecycle position of an interactive session.
type State int

// Session states.
const (
	StateUnallocated State = iota
	StateAllocated
	StateProvisioning
	StateReady
	StateResolved
	StateExpired
	StateReleased
)

var stateNames = map[State]string{
	StateUnallocated:  "unallocated",
	StateAllocated:    "allocated",
	StateProvisioning: "provisioning",
	StateReady:        "ready",
	StateResolved:     "resolved",
	StateExpired:      "expired",
	StateReleased:     "released",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Provisioning failures and early teardown may skip straight to released.
var transitions = map[State][]State{
	StateUnallocated:  {StateAllocated},
	StateAllocated:    {StateProvisioning, StateReleased},
	StateProvisioning: {StateReady, StateReleased},
	StateReady:        {StateResolved, StateExpired, StateReleased},
	StateResolved:     {StateReleased},
	StateExpired:      {StateReleased},
}

// Session tracks one client's interactive resolution session.
type Session struct {
	mu         sync.Mutex
	allocation crawler.VncAllocation
	state      State
	url        string
}

// NewSession returns an unallocated session.
func NewSession() *Session {
	return &Session{}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Allocation returns the reserved display and ports.
func (s *Session) Allocation() crawler.VncAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocation
}

// URL is the public access path, set once the session is ready.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Allocate records the reservation and moves the session to allocated.
func (s *Session) Allocate(alloc crawler.VncAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateAllocated); err != nil {
		return err
	}
	s.allocation = alloc
	return nil
}

// Ready marks the session reachable at url.
func (s *Session) Ready(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.url = url
	return nil
}

// Transition moves the session to next.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(next)
}

func (s *Session) transition(next State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, next)
}
