package consensus

import (
	"sync"

	"github.com/VanDung-dev/genbft-engine/protocol"
)

// LeaderSchedule publishes the leader mode of each episode. Readers asking for an
// episode that was not published yet park until it is, or until Close.
type LeaderSchedule struct {
	mu     sync.Mutex
	cond   *sync.Cond
	modes  map[int64]protocol.LeaderMode
	closed bool
}

// NewLeaderSchedule creates a schedule with episode 0 already published.
func NewLeaderSchedule(first protocol.LeaderMode) *LeaderSchedule {
	s := &LeaderSchedule{modes: map[int64]protocol.LeaderMode{0: first}}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish records the mode of an episode and wakes every waiter.
func (s *LeaderSchedule) Publish(episode int64, mode protocol.LeaderMode) {
	s.mu.Lock()
	s.modes[episode] = mode
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Wait blocks until the mode of episode is known. It reports false once closed.
func (s *LeaderSchedule) Wait(episode int64) (protocol.LeaderMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if m, ok := s.modes[episode]; ok {
			return m, true
		}
		if s.closed {
			return protocol.LeaderStable, false
		}
		s.cond.Wait()
	}
}

// Known reports the mode of episode without blocking.
func (s *LeaderSchedule) Known(episode int64) (protocol.LeaderMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modes[episode]
	return m, ok
}

// Close releases every waiter.
func (s *LeaderSchedule) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
