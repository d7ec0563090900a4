// Package httpresp is the Response Builder: component C. It serialises a
// Response into status-line + header + body bytes, adding the framing
// headers spec.md section 4.C requires, and frames streamed bodies
// (files, CGI pipes) either as identity-with-Content-Length or chunked
// when the length is not known upfront. Grounded on the teacher's
// server/protocol/builder.go status table and zero-alloc int formatting,
// generalised from one-shot buffer building to support streamed sources.
package httpresp

import (
	"fmt"
	"strconv"
	"time"
)

// Header is one outgoing response header. Order is preserved and
// duplicates are allowed, per spec.md section 3.
type Header struct {
	Name  string
	Value string
}

// Body is a non-blocking, pull-based body source. Read must never block;
// it returns as many bytes as are immediately available. done=true
// signals the body is fully drained (n may be >0 on the same call).
type Body interface {
	Read(p []byte) (n int, done bool, err error)
	// Len returns the exact remaining byte count if known, or -1 if the
	// length cannot be determined upfront (forcing chunked framing).
	Len() int64
	Close() error
}

// ByteBody is a Body backed by an in-memory byte slice, used for
// immediate (non-streamed) responses.
type ByteBody struct {
	data []byte
	off  int
}

func NewByteBody(data []byte) *ByteBody { return &ByteBody{data: data} }

func (b *ByteBody) Read(p []byte) (int, bool, error) {
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, b.off >= len(b.data), nil
}

func (b *ByteBody) Len() int64  { return int64(len(b.data) - b.off) }
func (b *ByteBody) Close() error { return nil }

// Response is spec.md section 3's Response entity.
type Response struct {
	StatusCode int
	Reason     string
	Headers    []Header
	Body       Body
}

func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

func (r *Response) HasHeader(name string) bool {
	for _, h := range r.Headers {
		if equalFold(h.Name, name) {
			return true
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

// BuildOptions carries the ambient fields the builder stamps onto every
// response (spec.md section 4.C: "adding Date, Server, Content-Length or
// Transfer-Encoding: chunked, and Connection: close or keep-alive").
type BuildOptions struct {
	ServerName string
	KeepAlive  bool
	Now        time.Time
	// HeadRequest suppresses body bytes (HEAD) while still reporting
	// Content-Length as if the body had been sent.
	HeadRequest bool
}

// Prepared is a response with its header bytes already serialised and its
// framing mode decided. Chunked is true when the body must be wrapped in
// chunk framing because its length isn't known upfront.
type Prepared struct {
	HeaderBytes []byte
	Chunked     bool
	Body        Body
	HeadOnly    bool
}

// Prepare serialises the status line and headers, deciding identity vs.
// chunked body framing from Body.Len().
func Prepare(resp *Response, opts BuildOptions) *Prepared {
	chunked := resp.Body != nil && resp.Body.Len() < 0

	buf := make([]byte, 0, 256)
	buf = append(buf, "HTTP/1.1 "...)
	buf = appendInt(buf, resp.StatusCode)
	buf = append(buf, ' ')
	buf = append(buf, reasonPhrase(resp.StatusCode, resp.Reason)...)
	buf = append(buf, "\r\n"...)

	for _, h := range resp.Headers {
		buf = append(buf, h.Name...)
		buf = append(buf, ": "...)
		buf = append(buf, h.Value...)
		buf = append(buf, "\r\n"...)
	}

	if !resp.HasHeader("Date") {
		buf = append(buf, "Date: "...)
		buf = append(buf, opts.Now.UTC().Format(time.RFC1123)...)
		buf = append(buf, "\r\n"...)
	}
	if !resp.HasHeader("Server") {
		name := opts.ServerName
		if name == "" {
			name = "webserv"
		}
		buf = append(buf, "Server: "...)
		buf = append(buf, name...)
		buf = append(buf, "\r\n"...)
	}
	if !resp.HasHeader("Content-Length") && !resp.HasHeader("Transfer-Encoding") {
		if chunked {
			buf = append(buf, "Transfer-Encoding: chunked\r\n"...)
		} else {
			n := int64(0)
			if resp.Body != nil {
				n = resp.Body.Len()
			}
			buf = append(buf, "Content-Length: "...)
			buf = strconv.AppendInt(buf, n, 10)
			buf = append(buf, "\r\n"...)
		}
	}
	if !resp.HasHeader("Connection") {
		if opts.KeepAlive {
			buf = append(buf, "Connection: keep-alive\r\n"...)
		} else {
			buf = append(buf, "Connection: close\r\n"...)
		}
	}
	buf = append(buf, "\r\n"...)

	return &Prepared{
		HeaderBytes: buf,
		Chunked:     chunked,
		Body:        resp.Body,
		HeadOnly:    opts.HeadRequest,
	}
}

func appendInt(buf []byte, n int) []byte {
	return strconv.AppendInt(buf, int64(n), 10)
}

// FrameChunk wraps data as one chunked-encoding frame.
func FrameChunk(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	head := fmt.Sprintf("%x\r\n", len(data))
	out := make([]byte, 0, len(head)+len(data)+2)
	out = append(out, head...)
	out = append(out, data...)
	out = append(out, "\r\n"...)
	return out
}

// FinalChunk is the terminating zero-size chunk with no trailers.
func FinalChunk() []byte {
	return []byte("0\r\n\r\n")
}
