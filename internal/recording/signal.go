package recording

import (
	"context"
	"sync"
)

// Signal is a two-state flag that goroutines can wait on. Waiters are released
// when the flag is set; a set happens-before every Wait that observes it.
type Signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewSignal returns a Signal in the given initial state.
func NewSignal(set bool) *Signal {
	s := &Signal{ch: make(chan struct{})}
	if set {
		s.set = true
		close(s.ch)
	}
	return s
}

// Set sets the flag and releases all waiters. Setting a set flag is a no-op.
func (s *Signal) Set() {
	s.trySet()
}

// trySet sets the flag and reports whether this call changed it.
func (s *Signal) trySet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	close(s.ch)
	return true
}

// Clear resets the flag. Later waiters block until the next Set.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports the current state.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel that is closed once the flag is set.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the flag is set or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
