package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests. Posted work runs inline,
// timers fire only on Advance, and Go either runs inline or, with HoldIO,
// waits for FlushIO so tests can interleave other events with in-flight I/O.
type Manual struct {
	now    time.Time
	seq    int
	timers []*manualTimer
	hold   bool
	io     []heldIO
}

type manualTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type heldIO struct {
	io, then func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Post(fn func()) error {
	fn()
	return nil
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Go(io func(), then func()) {
	if m.hold {
		m.io = append(m.io, heldIO{io: io, then: then})
		return
	}
	io()
	if then != nil {
		then()
	}
}

// HoldIO queues Go calls until FlushIO.
func (m *Manual) HoldIO(hold bool) { m.hold = hold }

// FlushIO runs held I/O and continuations in call order and returns how many ran.
func (m *Manual) FlushIO() int {
	n := 0
	for len(m.io) > 0 {
		next := m.io[0]
		m.io = m.io[1:]
		next.io()
		if next.then != nil {
			next.then()
		}
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Timers created by fired callbacks also fire if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		t.fired = true
		t.fn()
	}
	m.now = target
	m.compact()
}

// PendingTimers counts timers that have neither fired nor been stopped.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.fired && !t.stopped && !t.at.After(target) {
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

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
}
