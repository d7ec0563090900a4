package conn

import (
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/kfcemployee/webserv/httpresp"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { syscall.Close(fds[1]) })
	return fds[0], fds[1]
}

func TestOnReadableAccumulatesAndParses(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	c := New(clientFd, "127.0.0.1", nil, 1<<20, time.Now())

	req := "GET /hi HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if _, err := syscall.Write(peerFd, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	res := c.OnReadable(time.Now())
	if res.Err != nil || res.PeerClosed {
		t.Fatalf("unexpected read result: %+v", res)
	}

	parsed, err, ok := c.TryParse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a complete parse")
	}
	if parsed.Method != "GET" || parsed.Path != "/hi" {
		t.Fatalf("unexpected request: %+v", parsed)
	}
	if c.State != Dispatching {
		t.Fatalf("expected Dispatching, got %v", c.State)
	}
}

func TestOnReadablePeerClosed(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	c := New(clientFd, "127.0.0.1", nil, 1<<20, time.Now())
	syscall.Close(peerFd)

	res := c.OnReadable(time.Now())
	if !res.PeerClosed {
		t.Fatalf("expected PeerClosed, got %+v", res)
	}
}

func TestBeginResponseAndWriteKeepsAlive(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	c := New(clientFd, "127.0.0.1", nil, 1<<20, time.Now())

	req := "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n"
	syscall.Write(peerFd, []byte(req))
	c.OnReadable(time.Now())
	if _, err, ok := c.TryParse(); err != nil || !ok {
		t.Fatalf("parse failed: err=%v ok=%v", err, ok)
	}

	resp := &httpresp.Response{StatusCode: 200, Body: httpresp.NewByteBody([]byte("hi"))}
	c.BeginResponse(resp, "webserv")
	if c.State != Writing {
		t.Fatalf("expected Writing, got %v", c.State)
	}

	var result WriteResult
	for i := 0; i < 10 && !result.Done; i++ {
		result = c.OnWritable(time.Now())
		if result.Err != nil {
			t.Fatalf("write error: %v", result.Err)
		}
	}
	if !result.Done {
		t.Fatalf("response never finished draining")
	}
	if c.State != KeepAlive {
		t.Fatalf("expected KeepAlive after keep-alive response, got %v", c.State)
	}

	out := make([]byte, 4096)
	n, err := syscall.Read(peerFd, out)
	if err != nil {
		t.Fatalf("read peer side: %v", err)
	}
	got := string(out[:n])
	if !containsAll(got, "HTTP/1.1 200 OK", "hi") {
		t.Fatalf("unexpected response bytes: %q", got)
	}
}

func TestBeginResponseConnectionClose(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	c := New(clientFd, "127.0.0.1", nil, 1<<20, time.Now())

	req := "GET / HTTP/1.0\r\nHost: example.com\r\n\r\n"
	syscall.Write(peerFd, []byte(req))
	c.OnReadable(time.Now())
	c.TryParse()

	resp := &httpresp.Response{StatusCode: 200, Body: httpresp.NewByteBody(nil)}
	c.BeginResponse(resp, "webserv")

	var result WriteResult
	for i := 0; i < 10 && !result.Done; i++ {
		result = c.OnWritable(time.Now())
	}
	if c.State != Draining {
		t.Fatalf("expected Draining for HTTP/1.0 response, got %v", c.State)
	}
}

func TestOnReadableAcceptsBodyLargerThanOldHardcodedCap(t *testing.T) {
	clientFd, peerFd := socketpair(t)
	c := New(clientFd, "127.0.0.1", nil, 4<<20, time.Now())

	body := make([]byte, 2<<20) // larger than the old 1 MiB inbuf cap
	for i := range body {
		body[i] = 'x'
	}
	req := "POST /big HTTP/1.1\r\nHost: example.com\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n"

	go func() {
		syscall.Write(peerFd, []byte(req))
		syscall.Write(peerFd, body)
	}()

	for i := 0; i < 200; i++ {
		if res := c.OnReadable(time.Now()); res.Err != nil {
			t.Fatalf("read error: %v", res.Err)
		}
		if r, err, ok := c.TryParse(); ok {
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if len(r.Body) != len(body) {
				t.Fatalf("expected full %d-byte body, got %d", len(body), len(r.Body))
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request never parsed complete")
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		found := false
		for i := 0; i+len(n) <= len(haystack); i++ {
			if haystack[i:i+len(n)] == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
