// Package conn is component D, the Connection State Machine: the
// per-client finite state machine that drives reads, writes, keep-alive,
// and closure, owning the parser and response buffers. Grounded on the
// teacher's internal/handleclient.go read-parse-write loop (raw
// syscall.Read/syscall.Write on the accepted fd, buffer offset tracking,
// EAGAIN-as-yield), generalised from its one-shot worker-pool/EPOLLONESHOT
// design into the single-threaded, level-triggered state machine spec.md
// section 5 mandates: exactly one reactor per process, no goroutines per
// connection.
package conn

import (
	"syscall"
	"time"

	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/httpmsg"
	"github.com/kfcemployee/webserv/httpresp"
	"github.com/kfcemployee/webserv/reactor"
)

// State is spec.md section 3's ConnState enumeration.
type State int

const (
	ReadingHeaders State = iota
	ReadingBody
	Dispatching
	AwaitingUpstream
	Writing
	Draining
	KeepAlive
	Closed
)

// Connection is one live client, spec.md section 3's Connection entity.
type Connection struct {
	Fd       int
	PeerAddr string

	// Servers lists every VirtualServer sharing the listener this
	// connection was accepted on; Router.SelectServer narrows this to
	// one per request via the Host header.
	Servers []*config.VirtualServer

	State      State
	inbuf      []byte
	consumedAt int // bytes of inbuf already handed to a completed parse

	limits  httpmsg.Limits
	Request *httpmsg.Request

	prepared  *httpresp.Prepared
	headerOff int
	bodyBuf   []byte // drained remainder of a Read() call not yet written
	bodyEOF   bool

	closeAfterResponse bool

	createdAt time.Time
	lastUsed  time.Time
}

// New creates a Connection in its initial ReadingHeaders state.
func New(fd int, peerAddr string, servers []*config.VirtualServer, defaultBodyLimit int64, now time.Time) *Connection {
	return &Connection{
		Fd:        fd,
		PeerAddr:  peerAddr,
		Servers:   servers,
		State:     ReadingHeaders,
		limits:    httpmsg.DefaultLimits(defaultBodyLimit),
		createdAt: now,
		lastUsed:  now,
	}
}

// Interest computes the reactor mask for the connection's current state,
// per spec.md section 4.D: "recomputed after every state transition."
func (c *Connection) Interest() reactor.Interest {
	switch c.State {
	case ReadingHeaders, ReadingBody, KeepAlive:
		return reactor.Readable
	case Writing, Draining:
		return reactor.Writable
	case AwaitingUpstream:
		return 0 // the client socket itself is idle; the engine watches the CGI pipe fds directly
	default:
		return 0
	}
}

// ReadResult tells the engine what happened after a readable event.
type ReadResult struct {
	PeerClosed bool
	Err        error
}

// OnReadable performs exactly one non-blocking read and feeds the new
// bytes to the parser, per spec.md section 4.D.
func (c *Connection) OnReadable(now time.Time) ReadResult {
	c.lastUsed = now
	chunk := make([]byte, 64*1024)
	n, err := syscall.Read(c.Fd, chunk)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return ReadResult{}
		}
		return ReadResult{Err: err}
	}
	if n == 0 {
		return ReadResult{PeerClosed: true}
	}
	c.inbuf = append(c.inbuf, chunk[:n]...)
	return ReadResult{}
}

// TryParse attempts to parse a complete request out of the inbound
// buffer. It returns (nil, false) while more bytes are needed, a
// non-nil error on a terminal parse failure (the caller should respond
// with httpmsg.StatusFor(err) and close), or a Request plus true once one
// full message has been consumed and the connection has advanced to
// Dispatching.
func (c *Connection) TryParse() (*httpmsg.Request, error, bool) {
	req, n, _, err := httpmsg.Parse(c.inbuf, c.limits)
	if err == httpmsg.ErrIncomplete {
		return nil, nil, false
	}
	if err != nil {
		return nil, err, true
	}
	c.inbuf = c.inbuf[n:]
	c.Request = req
	c.State = Dispatching
	return req, nil, true
}

// SetBodyLimit sets the body ceiling the parser applies to requests
// parsed on this connection from now on. The engine calls it with the
// effective limit (VirtualServer or Location override, spec.md section
// 4.E step 4) of each request it routes, after that request's body has
// been read.
func (c *Connection) SetBodyLimit(max int64) {
	c.limits.MaxBodyBytes = max
}

// BeginResponse hands the connection a fully-built response, transitions
// to Writing, and records whether the socket must close once it drains.
func (c *Connection) BeginResponse(resp *httpresp.Response, serverName string) {
	closeAfter := !c.Request.KeepAlive || resp.HasHeader("Connection") && !hasKeepAlive(resp)
	c.closeAfterResponse = closeAfter

	c.prepared = httpresp.Prepare(resp, httpresp.BuildOptions{
		ServerName:  serverName,
		KeepAlive:   !closeAfter,
		Now:         time.Now(),
		HeadRequest: c.Request.Method == "HEAD",
	})
	c.headerOff = 0
	c.bodyBuf = nil
	c.bodyEOF = c.prepared.Body == nil
	c.State = Writing
}

func hasKeepAlive(resp *httpresp.Response) bool {
	for _, h := range resp.Headers {
		if equalFold(h.Name, "Connection") {
			return equalFold(h.Value, "keep-alive")
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// WriteResult tells the engine what happened after a writable event.
type WriteResult struct {
	Done bool // response fully drained; caller should check Connection.State next
	Err  error
}

// OnWritable drains as much of the prepared response as the socket
// accepts without blocking, per spec.md section 4.D and 4.C.
func (c *Connection) OnWritable(now time.Time) WriteResult {
	c.lastUsed = now
	if c.headerOff < len(c.prepared.HeaderBytes) {
		n, err := syscall.Write(c.Fd, c.prepared.HeaderBytes[c.headerOff:])
		if n > 0 {
			c.headerOff += n
		}
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return WriteResult{}
			}
			return WriteResult{Err: err}
		}
		if c.headerOff < len(c.prepared.HeaderBytes) {
			return WriteResult{}
		}
	}

	if c.prepared.HeadOnly || c.prepared.Body == nil {
		return c.finishWrite()
	}

	for {
		if len(c.bodyBuf) == 0 && !c.bodyEOF {
			buf := make([]byte, 64*1024)
			n, done, err := c.prepared.Body.Read(buf)
			if err != nil {
				return WriteResult{Err: err}
			}
			if n > 0 {
				if c.prepared.Chunked {
					c.bodyBuf = append(c.bodyBuf, httpresp.FrameChunk(buf[:n])...)
				} else {
					c.bodyBuf = append(c.bodyBuf, buf[:n]...)
				}
			}
			if done {
				c.bodyEOF = true
				if c.prepared.Chunked {
					c.bodyBuf = append(c.bodyBuf, httpresp.FinalChunk()...)
				}
			}
		}
		if len(c.bodyBuf) == 0 {
			if c.bodyEOF {
				return c.finishWrite()
			}
			return WriteResult{}
		}
		n, err := syscall.Write(c.Fd, c.bodyBuf)
		if n > 0 {
			c.bodyBuf = c.bodyBuf[n:]
		}
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return WriteResult{}
			}
			return WriteResult{Err: err}
		}
		if len(c.bodyBuf) > 0 {
			return WriteResult{}
		}
	}
}

func (c *Connection) finishWrite() WriteResult {
	if c.prepared.Body != nil {
		c.prepared.Body.Close()
	}
	c.prepared = nil
	c.Request = nil
	if c.closeAfterResponse {
		c.State = Draining
	} else if len(c.inbuf) > 0 {
		// Pipelined bytes already buffered: resume parsing immediately.
		c.State = ReadingHeaders
	} else {
		c.State = KeepAlive
	}
	return WriteResult{Done: true}
}

// Reset restores a KeepAlive connection to ReadingHeaders for its next
// request, per spec.md's "empty parser and empty outbound queue" KeepAlive
// invariant.
func (c *Connection) Reset() {
	c.State = ReadingHeaders
}

// HasBufferedInput reports whether pipelined bytes are already sitting in
// the inbound buffer, waiting to be parsed as the next request.
func (c *Connection) HasBufferedInput() bool { return len(c.inbuf) > 0 }

// IdleSince and TotalSince support the timeout manager's deadline
// tracking (spec.md section 4.H).
func (c *Connection) IdleSince() time.Time  { return c.lastUsed }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Close releases the socket and any in-flight response body.
func (c *Connection) Close() {
	if c.prepared != nil && c.prepared.Body != nil {
		c.prepared.Body.Close()
	}
	syscall.Close(c.Fd)
	c.State = Closed
}
