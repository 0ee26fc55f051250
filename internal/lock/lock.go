// Package lock serializes autopilot passes per (operation, platform, owner)
// inside one process. Entries older than the timeout count as abandoned.
package lock

import (
	"context"
	"sync"
	"time"

	"postpilot/internal/clock"
)

// Kind names the critical section.
type Kind string

const (
	KindSchedule Kind = "schedule"
	KindReply    Kind = "reply"
)

const DefaultTimeout = 10 * time.Minute

type key struct {
	kind     Kind
	platform string
	owner    string
}

// Store maps lock keys to acquisition times.
type Store struct {
	mu      sync.Mutex
	held    map[key]time.Time
	timeout time.Duration
	clk     clock.Clock
}

func New(timeout time.Duration, clk clock.Clock) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{held: map[key]time.Time{}, timeout: timeout, clk: clock.OrReal(clk)}
}

// TryAcquire records now for the key unless a younger entry exists.
func (s *Store) TryAcquire(kind Kind, platform, owner string) bool {
	k := key{kind, platform, owner}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.held[k]; ok && now.Sub(at) < s.timeout {
		return false
	}
	s.held[k] = now
	return true
}

func (s *Store) Release(kind Kind, platform, owner string) {
	s.mu.Lock()
	delete(s.held, key{kind, platform, owner})
	s.mu.Unlock()
}

// Sweep drops abandoned entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, at := range s.held {
		if now.Sub(at) >= s.timeout {
			delete(s.held, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// SetTimeout changes the abandonment timeout (config reload).
func (s *Store) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}
