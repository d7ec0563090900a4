package reactor

import (
	"syscall"
	"testing"
)

func TestRegisterAndWaitReadable(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	r, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Register(fds[0], Readable); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := syscall.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := r.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Fd != int32(fds[0]) || !events[0].Readable {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestWaitTimesOutWithNoActivity(t *testing.T) {
	r, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	events, err := r.Wait(10)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer syscall.Close(fds[1])

	r, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Register(fds[0], Readable); err != nil {
		t.Fatalf("Register: %v", err)
	}
	syscall.Close(fds[0])
	if err := r.Unregister(fds[0]); err != nil {
		t.Fatalf("Unregister after close should not error: %v", err)
	}
	if err := r.Unregister(fds[0]); err != nil {
		t.Fatalf("second Unregister should be idempotent: %v", err)
	}
}

func TestModifyToWritable(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	r, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Register(fds[0], Readable); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Modify(fds[0], Writable); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	events, err := r.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || !events[0].Writable {
		t.Fatalf("expected writable event, got %+v", events)
	}
}
