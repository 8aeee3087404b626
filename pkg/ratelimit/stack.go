package ratelimit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/discourse/discourse-sub105/pkg/classify"
)

// Stack mutation errors. Mutations referencing an unknown candidate
// fail loudly: a silent no-op would hide configuration bugs until
// request time.
var (
	// ErrCandidateRegistered is returned when a candidate name is
	// already present in the stack.
	ErrCandidateRegistered = errors.New("rate limiter candidate already registered")

	// ErrCandidateNotFound is returned when a referenced candidate
	// name is not present in the stack.
	ErrCandidateNotFound = errors.New("rate limiter candidate not found")
)

// Stack is an ordered sequence of limiter candidates, highest priority
// first. Registration order is the precedence policy: Resolve probes
// candidates in order and the first active one wins.
//
// Mutations are expected only during startup and configuration;
// Resolve is the per-request read path. A single RWMutex covers both
// without affecting steady-state throughput.
type Stack struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

// DefaultStack returns the built-in precedence: trusted users are
// checked before the blanket IP limiter.
func DefaultStack() *Stack {
	s := NewStack()
	// Use on an empty stack cannot fail.
	_ = s.Use(UserCandidate{})
	_ = s.Use(IPCandidate{})
	return s
}

// Use appends a candidate at the lowest priority. Registering the same
// name twice is a programmer error.
func (s *Stack) Use(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(c.Name()) >= 0 {
		return fmt.Errorf("%w: %s", ErrCandidateRegistered, c.Name())
	}
	s.candidates = append(s.candidates, c)
	return nil
}

// Delete removes the named candidate.
func (s *Stack) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrCandidateNotFound, name)
	}
	s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
	return nil
}

// InsertBefore registers c immediately before the named existing
// candidate, giving it higher priority.
func (s *Stack) InsertBefore(existing string, c Candidate) error {
	return s.insertAt(existing, c, 0)
}

// InsertAfter registers c immediately after the named existing
// candidate.
func (s *Stack) InsertAfter(existing string, c Candidate) error {
	return s.insertAt(existing, c, 1)
}

func (s *Stack) insertAt(existing string, c Candidate, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(c.Name()) >= 0 {
		return fmt.Errorf("%w: %s", ErrCandidateRegistered, c.Name())
	}
	i := s.indexOf(existing)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrCandidateNotFound, existing)
	}
	at := i + offset
	s.candidates = append(s.candidates, nil)
	copy(s.candidates[at+1:], s.candidates[at:])
	s.candidates[at] = c
	return nil
}

// Names returns the candidate names in priority order.
func (s *Stack) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.candidates))
	for i, c := range s.candidates {
		names[i] = c.Name()
	}
	return names
}

// Resolve probes the candidates in priority order and returns the
// first active limiter along with its candidate name. ok is false when
// no candidate is active; the request then proceeds unlimited. That is
// deliberate fail-open behavior: failing closed on a classification
// bug would outage the whole service.
func (s *Stack) Resolve(facts classify.Facts, id *Identity) (limiter Limiter, name string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.candidates {
		l := c.Build(facts, id)
		if l.Active() {
			LimiterSelections.WithLabelValues(c.Name()).Inc()
			return l, c.Name(), true
		}
	}
	UnlimitedRequests.Inc()
	return nil, "", false
}

// indexOf requires the lock to be held.
func (s *Stack) indexOf(name string) int {
	for i, c := range s.candidates {
		if c.Name() == name {
			return i
		}
	}
	return -1
}
