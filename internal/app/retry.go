package app

import (
	"sync"
	"time"

	"github.com/meshcall/meshcall/internal/domain"
)

// RetryPolicy bounds how aggressively failed peer entries are recycled.
type RetryPolicy struct {
	Min    time.Duration
	Max    time.Duration
	Budget int
}

// Delay returns the backoff before recycle attempt n (0-based), doubling
// from Min and clamped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Min
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// RetryState tracks per-peer recycle attempts against the policy.
type RetryState struct {
	mu       sync.Mutex
	policy   RetryPolicy
	attempts map[domain.PeerID]int
	notUntil map[domain.PeerID]time.Time
}

func NewRetryState(policy RetryPolicy) *RetryState {
	return &RetryState{
		policy:   policy,
		attempts: make(map[domain.PeerID]int),
		notUntil: make(map[domain.PeerID]time.Time),
	}
}

// Failure records one recycle. It reports whether the budget still allows a
// retry, and if so, when the next attempt may run.
func (s *RetryState) Failure(peer domain.PeerID, now time.Time) (retry bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.attempts[peer]
	s.attempts[peer] = n + 1
	if n+1 >= s.policy.Budget {
		return false, time.Time{}
	}
	at = now.Add(s.policy.Delay(n))
	s.notUntil[peer] = at
	return true, at
}

// Allowed reports whether a recreate for peer may run now.
func (s *RetryState) Allowed(peer domain.PeerID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts[peer] >= s.policy.Budget {
		return false
	}
	return !now.Before(s.notUntil[peer])
}

// Reset clears the history after a successful negotiation or after the peer
// left the roster.
func (s *RetryState) Reset(peer domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, peer)
	delete(s.notUntil, peer)
}

// Prune clears the history of every tracked peer absent from current. The
// reconciler runs it against the wanted set each pass, so a peer that left
// the roster starts with a fresh budget if it returns, even when its entry
// was removed before the departure.
func (s *RetryState) Prune(current map[domain.PeerID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peer := range s.attempts {
		if !current[peer] {
			delete(s.attempts, peer)
			delete(s.notUntil, peer)
		}
	}
}

// Exhausted reports whether the peer ran out of budget.
func (s *RetryState) Exhausted(peer domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[peer] >= s.policy.Budget
}
