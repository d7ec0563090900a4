package timeout

import (
	"testing"
	"time"
)

func TestResetIdleExtendsDeadline(t *testing.T) {
	base := time.Unix(1000, 0)
	m := New(30*time.Second, 60*time.Second)
	m.Track(5, base)

	later := base.Add(20 * time.Second)
	m.ResetIdle(5, later)

	deadline, ok := m.NextDeadline()
	if !ok {
		t.Fatalf("expected a deadline")
	}
	if !deadline.Equal(later.Add(30 * time.Second)) {
		t.Fatalf("expected reset deadline, got %v", deadline)
	}
}

func TestExpiredIdleFiresAfterDeadline(t *testing.T) {
	base := time.Unix(1000, 0)
	m := New(10*time.Second, 60*time.Second)
	m.Track(5, base)

	expired := m.Expired(base.Add(5 * time.Second))
	if len(expired) != 0 {
		t.Fatalf("expected no expiry yet, got %v", expired)
	}

	expired = m.Expired(base.Add(11 * time.Second))
	if len(expired) != 1 || expired[0].Fd != 5 || expired[0].Kind != KindIdle {
		t.Fatalf("expected idle expiry for fd 5, got %v", expired)
	}
}

func TestTotalTimeoutTakesPriorityOverIdle(t *testing.T) {
	base := time.Unix(1000, 0)
	m := New(30*time.Second, 5*time.Second)
	m.Track(5, base)
	m.StartTotal(5, base)

	expired := m.Expired(base.Add(6 * time.Second))
	if len(expired) != 1 || expired[0].Kind != KindTotal {
		t.Fatalf("expected total expiry to take priority, got %v", expired)
	}
}

func TestUntrackRemovesEntry(t *testing.T) {
	m := New(time.Second, time.Second)
	m.Track(5, time.Unix(0, 0))
	m.Untrack(5)
	if _, ok := m.NextDeadline(); ok {
		t.Fatalf("expected no deadline after untrack")
	}
}

func TestWaitTimeoutMsNoConnections(t *testing.T) {
	m := New(time.Second, time.Second)
	if got := m.WaitTimeoutMs(time.Unix(0, 0)); got != -1 {
		t.Fatalf("expected -1 (block forever), got %d", got)
	}
}

func TestWaitTimeoutMsPastDeadlineIsZero(t *testing.T) {
	base := time.Unix(1000, 0)
	m := New(time.Second, time.Second)
	m.Track(5, base)
	if got := m.WaitTimeoutMs(base.Add(5 * time.Second)); got != 0 {
		t.Fatalf("expected 0 for already-past deadline, got %d", got)
	}
}
