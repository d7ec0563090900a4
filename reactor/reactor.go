// Package reactor is a thin wrapper over Linux epoll, matching spec.md
// component A: register/modify/unregister descriptors with an interest
// mask, block for at most a computed timeout, return a batch of ready
// events. Grounded on the teacher's server/engine/epoll.go, generalised
// from a single accept-loop into a reusable type any number of listeners
// and connections can share.
package reactor

import (
	"fmt"
	"syscall"
)

// Interest is a bitmask of readiness a caller wants notified about.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	HangUp
)

func (i Interest) toEpollEvents() uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= syscall.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= syscall.EPOLLOUT
	}
	// EPOLLHUP/EPOLLERR are always reported by the kernel regardless of
	// the requested mask; HangUp exists as an Interest value purely so
	// callers can express intent, not because it changes toEpollEvents.
	return ev
}

// Event is one readiness notification: which fd, and which bits fired.
type Event struct {
	Fd       int32
	Readable bool
	Writable bool
	HangUp   bool
	Err      bool
}

// Reactor owns one epoll instance. Not safe for concurrent use — the
// engine calls Wait from its single event-loop goroutine only, satisfying
// spec.md's "exactly one wait call per engine iteration" contract.
type Reactor struct {
	epfd   int
	events []syscall.EpollEvent
}

func New(maxEvents int) (*Reactor, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:   epfd,
		events: make([]syscall.EpollEvent, maxEvents),
	}, nil
}

func (r *Reactor) Close() error {
	return syscall.Close(r.epfd)
}

// Register adds fd to the reactor's interest set. Level-triggered: a
// still-readable/writable fd keeps firing on every Wait until drained,
// matching the teacher's default (no EPOLLET flag set).
func (r *Reactor) Register(fd int, interest Interest) error {
	ev := &syscall.EpollEvent{
		Events: interest.toEpollEvents(),
		Fd:     int32(fd),
	}
	if err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Modify changes fd's interest mask, called after every connection state
// transition per spec.md section 4.D.
func (r *Reactor) Modify(fd int, interest Interest) error {
	ev := &syscall.EpollEvent{
		Events: interest.toEpollEvents(),
		Fd:     int32(fd),
	}
	if err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Unregister drops fd from the interest set. Safe to call even if the fd
// was already closed by the caller (EBADF/ENOENT are swallowed) since a
// late CGI event can race a connection close, per spec.md section 9.
func (r *Reactor) Unregister(fd int) error {
	err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != syscall.ENOENT && err != syscall.EBADF {
		return fmt.Errorf("reactor: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks for at most timeoutMs (negative = forever, 0 = poll) and
// returns a fresh snapshot of ready events. The reactor never retains a
// batch across calls, per spec.md section 4.A.
func (r *Reactor) Wait(timeoutMs int) ([]Event, error) {
	n, err := syscall.EpollWait(r.epfd, r.events, timeoutMs)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := r.events[i]
		out = append(out, Event{
			Fd:       e.Fd,
			Readable: e.Events&syscall.EPOLLIN != 0,
			Writable: e.Events&syscall.EPOLLOUT != 0,
			HangUp:   e.Events&(syscall.EPOLLHUP|syscall.EPOLLRDHUP) != 0,
			Err:      e.Events&syscall.EPOLLERR != 0,
		})
	}
	return out, nil
}

// SetNonblocking marks fd non-blocking, required for every socket, pipe,
// or file descriptor the reactor manages per spec.md section 5.
func SetNonblocking(fd int) error {
	return syscall.SetNonblock(fd, true)
}
