// Package tick owns every timer a session schedules, so detaching a session can cancel
// them all and tests can drive time by hand.
package tick

import (
	"sort"
	"sync"
	"time"
)

// Handle cancels a scheduled callback. Stop is idempotent.
type Handle interface {
	Stop()
}

// Scheduler schedules callbacks. Callbacks may run on any goroutine; callers that need
// serialized handling post back into their own loop.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f once after d.
	AfterFunc(d time.Duration, f func()) Handle
	// Every runs f every d until stopped.
	Every(d time.Duration, f func()) Handle
	// Pending reports how many callbacks are still scheduled.
	Pending() int
}

// ─── Real scheduler ────────────────────────────────────────────────

type realScheduler struct {
	mu      sync.Mutex
	pending int
}

// NewReal returns a Scheduler backed by the runtime timers.
func NewReal() Scheduler {
	return &realScheduler{}
}

func (s *realScheduler) Now() time.Time { return time.Now() }

func (s *realScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *realScheduler) track(delta int) {
	s.mu.Lock()
	s.pending += delta
	s.mu.Unlock()
}

type realHandle struct {
	once sync.Once
	stop func()
}

func (h *realHandle) Stop() { h.once.Do(h.stop) }

func (s *realScheduler) AfterFunc(d time.Duration, f func()) Handle {
	s.track(1)
	h := &realHandle{}
	t := time.AfterFunc(d, func() {
		// Whoever wins the once owns the pending count.
		fired := false
		h.once.Do(func() { fired = true; s.track(-1) })
		if fired {
			f()
		}
	})
	h.stop = func() {
		t.Stop()
		s.track(-1)
	}
	return h
}

func (s *realScheduler) Every(d time.Duration, f func()) Handle {
	s.track(1)
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				f()
			}
		}
	}()
	return &realHandle{stop: func() {
		ticker.Stop()
		close(done)
		s.track(-1)
	}}
}

// ─── Manual scheduler ──────────────────────────────────────────────

// Manual is a Scheduler whose clock only moves when Advance is called. Callbacks run on the
// goroutine calling Advance, in due order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	entries map[int]*manualEntry
}

type manualEntry struct {
	id     int
	due    time.Time
	period time.Duration
	f      func()
}

// NewManual returns a Manual scheduler starting at now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now, entries: make(map[int]*manualEntry)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type manualHandle struct {
	m  *Manual
	id int
}

func (h manualHandle) Stop() {
	h.m.mu.Lock()
	delete(h.m.entries, h.id)
	h.m.mu.Unlock()
}

func (m *Manual) schedule(d, period time.Duration, f func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries[m.seq] = &manualEntry{id: m.seq, due: m.now.Add(d), period: period, f: f}
	return manualHandle{m: m, id: m.seq}
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Handle {
	return m.schedule(d, 0, f)
}

func (m *Manual) Every(d time.Duration, f func()) Handle {
	return m.schedule(d, d, f)
}

// Advance moves the clock forward by d, firing every callback that falls due on the way.
// A callback may schedule or stop others; the changes apply to the rest of the advance.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		e := m.nextDue(target)
		if e == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = e.due
		if e.period > 0 {
			e.due = e.due.Add(e.period)
		} else {
			delete(m.entries, e.id)
		}
		f := e.f
		m.mu.Unlock()
		f()
	}
}

// Set jumps the clock without firing anything. Used to model a wall clock that moved while
// nothing was scheduled.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) nextDue(target time.Time) *manualEntry {
	var due []*manualEntry
	for _, e := range m.entries {
		if !e.due.After(target) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
