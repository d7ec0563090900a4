// Package timeout is component H, the Timeout & Lifecycle Manager: it
// tracks the two per-connection timers spec.md section 4.H names (idle
// and total-request) and tells the engine how long the reactor's next
// wait call should block for. Grounded on the teacher's server/engine
// package, which drives its own accept-loop select timeout from a
// similar min-deadline computation, generalised here into a reusable
// keyed-by-fd registry instead of one global timer.
package timeout

import (
	"time"
)

const (
	// DefaultIdle is spec.md section 4.H's default idle timeout.
	DefaultIdle = 30 * time.Second
	// DefaultTotal is spec.md section 4.H's default total-request timeout.
	DefaultTotal = 60 * time.Second
)

// Kind distinguishes which timer expired, since each fires a different
// connection-state-machine response.
type Kind int

const (
	KindIdle Kind = iota
	KindTotal
)

type entry struct {
	idleDeadline  time.Time
	totalDeadline time.Time // zero if not started (HeadersDone hasn't fired yet)
}

// Manager tracks idle and total-request deadlines for every open
// connection, keyed by file descriptor.
type Manager struct {
	idle    time.Duration
	total   time.Duration
	entries map[int]*entry
}

func New(idle, total time.Duration) *Manager {
	return &Manager{idle: idle, total: total, entries: make(map[int]*entry)}
}

// Track registers fd with a fresh idle deadline; called when a
// connection is accepted.
func (m *Manager) Track(fd int, now time.Time) {
	m.entries[fd] = &entry{idleDeadline: now.Add(m.idle)}
}

// ResetIdle is called on every read or write, per spec.md section 4.H
// ("resets on any read or write").
func (m *Manager) ResetIdle(fd int, now time.Time) {
	e, ok := m.entries[fd]
	if !ok {
		return
	}
	e.idleDeadline = now.Add(m.idle)
}

// StartTotal begins the total-request timer once headers are fully
// parsed (spec.md: "starts at HeadersDone").
func (m *Manager) StartTotal(fd int, now time.Time) {
	e, ok := m.entries[fd]
	if !ok {
		return
	}
	e.totalDeadline = now.Add(m.total)
}

// ClearTotal ends the total-request timer once a response has been sent
// or the connection returns to idling between requests.
func (m *Manager) ClearTotal(fd int) {
	e, ok := m.entries[fd]
	if !ok {
		return
	}
	e.totalDeadline = time.Time{}
}

// Untrack drops fd's timers, called on connection close.
func (m *Manager) Untrack(fd int) {
	delete(m.entries, fd)
}

// Expired returns every fd whose idle or total deadline has passed by
// now, along with which timer fired. If both fired for the same fd, the
// total-request timer takes priority since it is the more specific
// deadline of the two.
func (m *Manager) Expired(now time.Time) []struct {
	Fd   int
	Kind Kind
} {
	var out []struct {
		Fd   int
		Kind Kind
	}
	for fd, e := range m.entries {
		switch {
		case !e.totalDeadline.IsZero() && now.After(e.totalDeadline):
			out = append(out, struct {
				Fd   int
				Kind Kind
			}{fd, KindTotal})
		case now.After(e.idleDeadline):
			out = append(out, struct {
				Fd   int
				Kind Kind
			}{fd, KindIdle})
		}
	}
	return out
}

// NextDeadline returns the soonest deadline across all tracked
// connections, or zero if none are tracked. The engine passes
// deadline.Sub(now) as the reactor's wait timeout (spec.md section
// 4.H: "the engine computes the nearest deadline across all connections
// and passes it as the reactor's wait timeout").
func (m *Manager) NextDeadline() (time.Time, bool) {
	var soonest time.Time
	found := false
	for _, e := range m.entries {
		candidates := []time.Time{e.idleDeadline}
		if !e.totalDeadline.IsZero() {
			candidates = append(candidates, e.totalDeadline)
		}
		for _, d := range candidates {
			if !found || d.Before(soonest) {
				soonest = d
				found = true
			}
		}
	}
	return soonest, found
}

// WaitTimeoutMs converts NextDeadline into the millisecond timeout
// reactor.Wait expects: -1 (block forever) when nothing is tracked, 0
// when a deadline has already passed.
func (m *Manager) WaitTimeoutMs(now time.Time) int {
	deadline, ok := m.NextDeadline()
	if !ok {
		return -1
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(1<<31-1) {
		return 1<<31 - 1
	}
	return int(ms)
}
