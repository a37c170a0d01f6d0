package escalation

import (
	"sync"
	"time"
)

// Scheduler owns a set of named one-shot timers. Starting a timer cancels any
// prior timer with the same name, and a callback whose timer was superseded
// or cancelled before it ran is dropped.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	seq    uint64
	timers map[string]scheduled
	closed bool
}

type scheduled struct {
	id    uint64
	timer Timer
}

func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{clock: clock, timers: make(map[string]scheduled)}
}

func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
	}
	s.seq++
	id := s.seq
	t := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[name]
		if !ok || cur.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		s.mu.Unlock()
		fn()
	})
	s.timers[name] = scheduled{id: id, timer: t}
}

func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.timers[name]
	if !ok {
		return false
	}
	prev.timer.Stop()
	delete(s.timers, name)
	return true
}

func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, prev := range s.timers {
		prev.timer.Stop()
		delete(s.timers, name)
	}
}

// Close cancels every timer and refuses new ones.
func (s *Scheduler) Close() {
	s.CancelAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
