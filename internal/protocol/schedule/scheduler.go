package schedule

import (
	"sort"
	"sync"
	"time"
)

// Token identifies a scheduled call. The zero Token is never issued.
type Token uint64

type (
	Scheduler interface {
		Schedule(after time.Duration, fn func()) Token
		Cancel(t Token)
	}

	// Timers runs scheduled calls on time.AfterFunc goroutines.
	Timers struct {
		mu     sync.Mutex
		next   Token
		timers map[Token]*time.Timer
	}

	// Manual is a virtual clock. Calls only run from Advance, on the
	// caller's goroutine, in due order.
	Manual struct {
		mu      sync.Mutex
		now     time.Time
		next    Token
		pending map[Token]*entry
	}

	entry struct {
		token Token
		at    time.Time
		fn    func()
	}
)

func NewTimers() *Timers {
	return &Timers{timers: make(map[Token]*time.Timer)}
}

func (s *Timers) Schedule(after time.Duration, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	t := s.next
	s.timers[t] = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		fn()
	})
	return t
}

func (s *Timers) Cancel(t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[t]; ok {
		timer.Stop()
		delete(s.timers, t)
	}
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, pending: make(map[Token]*entry)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(after time.Duration, fn func()) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.pending[m.next] = &entry{token: m.next, at: m.now.Add(after), fn: fn}
	return m.next
}

func (m *Manual) Cancel(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, t)
}

// Pending is the number of scheduled calls that have not run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by d, running every call that falls due,
// including calls scheduled by the calls it runs.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		e := m.due(end)
		if e == nil {
			m.now = end
			m.mu.Unlock()
			return
		}
		delete(m.pending, e.token)
		m.now = e.at
		m.mu.Unlock()

		e.fn()
	}
}

func (m *Manual) due(end time.Time) *entry {
	var ready []*entry
	for _, e := range m.pending {
		if !e.at.After(end) {
			ready = append(ready, e)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].at.Equal(ready[j].at) {
			return ready[i].token < ready[j].token
		}
		return ready[i].at.Before(ready[j].at)
	})
	return ready[0]
}
