package loop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a virtual-time Scheduler. Nothing runs until Flush or Advance is
// called, which makes timer-driven behaviour reproducible in tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	queue  []func()
	timers []*manualTimer
	hold   bool
	held   []func()
}

type manualTimer struct {
	m      *Manual
	seq    uint64
	at     time.Time
	period time.Duration
	fn     func()
	dead   bool
}

func (t *manualTimer) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.dead = true
	t.m.removeLocked(t)
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.add(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	return m.add(d, d, fn)
}

// Go runs work inline and queues done, so a Flush observes the result.
// After HoldWork the work waits for ReleaseWork instead.
func (m *Manual) Go(work func() error, done func(error)) {
	run := func() {
		err := work()
		m.Post(func() { done(err) })
	}
	m.mu.Lock()
	if m.hold {
		m.held = append(m.held, run)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	run()
}

// HoldWork parks every later Go call, so loop tasks can run while the work
// is still in flight.
func (m *Manual) HoldWork() {
	m.mu.Lock()
	m.hold = true
	m.mu.Unlock()
}

// ReleaseWork runs the parked work in order, then flushes the results. Go
// runs inline again afterwards.
func (m *Manual) ReleaseWork() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.hold = false
	m.mu.Unlock()
	for _, run := range held {
		run()
	}
	m.Flush()
}

func (m *Manual) add(d, period time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, seq: m.seq, at: m.now.Add(d), period: period, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Flush runs queued tasks, including tasks they post, until the queue is empty.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves virtual time forward by d, firing due timers in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.Flush()

		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = next.at
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.dead = true
			m.removeLocked(next)
		}
		m.mu.Unlock()
		next.fn()
	}
	m.Flush()
}

// Call runs fn with the queue drained before and after, mirroring Loop.Call.
func (m *Manual) Call(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Flush()
	fn()
	m.Flush()
	return nil
}

// Pending reports how many timers are armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if !t.dead && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}
