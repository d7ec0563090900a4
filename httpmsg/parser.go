// Package httpmsg is the HTTP/1.1 message parser: component B of the
// engine. It is pure — it never performs I/O — consuming a growing byte
// buffer and reporting how many bytes it consumed, so the connection
// state machine can feed it partial reads of any size (spec.md section
// 4.B, 9). Grounded on the teacher's server/protocol/parser.go zero-copy
// scanning style, generalised to cover chunked transfer-encoding, body
// size limits, and RFC 7230 edge cases the teacher's toy parser skips.
package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors. The engine maps these to status codes via StatusFor.
var (
	ErrIncomplete      = errors.New("httpmsg: incomplete request")
	ErrBadRequest      = errors.New("httpmsg: malformed request")
	ErrHeadersTooLarge = errors.New("httpmsg: header section too large")
	ErrBodyTooLarge    = errors.New("httpmsg: body too large")
	ErrLengthRequired  = errors.New("httpmsg: content-length required")
	ErrURITooLong      = errors.New("httpmsg: request-target too long")
)

// StatusFor maps a parser error to the HTTP status spec.md section 7
// assigns it.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrHeadersTooLarge):
		return 431
	case errors.Is(err, ErrBodyTooLarge):
		return 413
	case errors.Is(err, ErrLengthRequired):
		return 411
	case errors.Is(err, ErrURITooLong):
		return 414
	case errors.Is(err, ErrBadRequest):
		return 400
	default:
		return 400
	}
}

// Limits bounds a single request the way spec.md section 3 invariant 3
// requires: header_limit + body_size_limit caps the inbound buffer.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
	MaxURILength   int
}

// DefaultLimits matches spec.md section 4.B: an 8 KiB header section.
// MaxBodyBytes is always supplied by the caller from the VirtualServer's
// client_max_body_size; there is no sane global default for it.
func DefaultLimits(maxBody int64) Limits {
	return Limits{
		MaxHeaderBytes: 8 << 10,
		MaxBodyBytes:   maxBody,
		MaxURILength:   8192,
	}
}

// Header is one raw header field, order-preserving so duplicates (notably
// Set-Cookie) survive.
type Header struct {
	Name  string
	Value string
}

// EventKind tags one parser event, matching spec.md section 4.B's emitted
// sequence.
type EventKind int

const (
	EventRequestLine EventKind = iota
	EventHeader
	EventHeadersDone
	EventBodyChunk
	EventBodyDone
	EventError
)

// Event is one step of the parse, mostly useful for tests and diagnostics;
// callers normally just use the returned Request.
type Event struct {
	Kind    EventKind
	Header  Header
	Chunk   []byte
	Err     error
}

// Request is the fully parsed request: spec.md section 3's Request entity.
// The body is always fully buffered, up to Limits.MaxBodyBytes.
type Request struct {
	Method     string
	RawTarget  string
	Path       string
	Query      string
	Version    string
	Headers    []Header
	Body       []byte
	Chunked    bool
	KeepAlive  bool
}

// HeaderValues returns every value for name (case-insensitive), in
// arrival order. Used for Cookie/Set-Cookie concatenation semantics.
func (r *Request) HeaderValues(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Header returns the last value for name (case-insensitive), matching
// spec.md section 3's "last-value-wins" rule, except for Cookie, whose
// values are joined with "; " in arrival order. Individual Set-Cookie
// values are available from HeaderValues.
func (r *Request) Header(name string) (string, bool) {
	vals := r.HeaderValues(name)
	if len(vals) == 0 {
		return "", false
	}
	if strings.EqualFold(name, "Cookie") {
		return strings.Join(vals, "; "), true
	}
	return vals[len(vals)-1], true
}

var bodilessMethods = map[string]bool{"GET": true, "HEAD": true, "DELETE": true}

// Parse attempts to parse one full request from the front of buf. It never
// mutates or retains buf. On success it returns the request, the number of
// bytes consumed from buf, the parse events, and a nil error. If buf does
// not yet contain a full request, it returns (nil, 0, nil, ErrIncomplete)
// and the caller should call again once more bytes have arrived. Any other
// error is terminal for the connection's current request; the events then
// end with an EventError.
func Parse(buf []byte, limits Limits) (*Request, int, []Event, error) {
	var events []Event
	fail := func(err error) (*Request, int, []Event, error) {
		events = append(events, Event{Kind: EventError, Err: err})
		return nil, 0, events, err
	}

	headerEnd, err := findHeaderEnd(buf, limits.MaxHeaderBytes)
	if err != nil {
		return fail(err)
	}
	if headerEnd < 0 {
		return nil, 0, nil, ErrIncomplete
	}

	lineEnd, err := findLine(buf, 0)
	if err != nil {
		return fail(err)
	}
	if lineEnd == nil {
		return nil, 0, nil, ErrIncomplete
	}
	reqLine := buf[:lineEnd.contentEnd]
	if len(reqLine) > limits.MaxURILength+64 {
		return fail(ErrURITooLong)
	}

	method, rawTarget, version, err := parseRequestLine(reqLine)
	if err != nil {
		return fail(err)
	}
	if len(rawTarget) > limits.MaxURILength {
		return fail(ErrURITooLong)
	}
	events = append(events, Event{Kind: EventRequestLine})

	path, query, err := normalizeTarget(rawTarget)
	if err != nil {
		return fail(err)
	}

	headers, contentLength, chunked, err := parseHeaders(buf[lineEnd.next:headerEnd])
	if err != nil {
		return fail(err)
	}
	for _, h := range headers {
		events = append(events, Event{Kind: EventHeader, Header: h})
	}
	events = append(events, Event{Kind: EventHeadersDone})

	bodyStart := headerEnd
	var body []byte
	var consumed int

	switch {
	case chunked:
		decoded, n, derr := DecodeChunked(buf[bodyStart:], limits.MaxBodyBytes)
		if derr != nil {
			return fail(derr)
		}
		if n < 0 {
			return nil, 0, nil, ErrIncomplete
		}
		body = decoded
		consumed = bodyStart + n
	case contentLength >= 0:
		if int64(contentLength) > limits.MaxBodyBytes {
			return fail(ErrBodyTooLarge)
		}
		if bodyStart+contentLength > len(buf) {
			return nil, 0, nil, ErrIncomplete
		}
		body = buf[bodyStart : bodyStart+contentLength]
		consumed = bodyStart + contentLength
	default:
		if bodilessMethods[method] {
			consumed = bodyStart
		} else if method == "POST" {
			return fail(ErrLengthRequired)
		} else {
			consumed = bodyStart
		}
	}

	if len(body) > 0 {
		events = append(events, Event{Kind: EventBodyChunk, Chunk: body})
	}
	events = append(events, Event{Kind: EventBodyDone})

	bodyCopy := append([]byte(nil), body...)

	req := &Request{
		Method:    method,
		RawTarget: rawTarget,
		Path:      path,
		Query:     query,
		Version:   version,
		Headers:   headers,
		Body:      bodyCopy,
		Chunked:   chunked,
	}
	req.KeepAlive = computeKeepAlive(req)
	return req, consumed, events, nil
}

func computeKeepAlive(r *Request) bool {
	conn, ok := r.Header("Connection")
	if ok {
		return strings.EqualFold(strings.TrimSpace(conn), "keep-alive")
	}
	return r.Version != "HTTP/1.0"
}

type lineBounds struct {
	contentEnd int // exclusive of CR/LF
	next       int // index just past the terminator
}

// findLine locates the next line terminator starting at start. It accepts
// a lone LF leniently but rejects a bare CR that is not immediately
// followed by LF, per spec.md section 4.B.
func findLine(buf []byte, start int) (*lineBounds, error) {
	for i := start; i < len(buf); i++ {
		if buf[i] == '\n' {
			if i > start && buf[i-1] == '\r' {
				return &lineBounds{contentEnd: i - 1, next: i + 1}, nil
			}
			return &lineBounds{contentEnd: i, next: i + 1}, nil
		}
		if buf[i] == '\r' {
			if i+1 >= len(buf) {
				return nil, nil // could still turn into CRLF once more bytes arrive
			}
			if buf[i+1] != '\n' {
				return nil, fmt.Errorf("%w: lone CR", ErrBadRequest)
			}
		}
	}
	return nil, nil
}

// findHeaderEnd locates the index just past the blank line terminating the
// header section (CRLFCRLF, or the lenient LFLF), enforcing maxHeaderBytes.
// Returns -1 if not yet found within the scanned prefix (need more data).
func findHeaderEnd(buf []byte, maxHeaderBytes int) (int, error) {
	limit := len(buf)
	if limit > maxHeaderBytes {
		limit = maxHeaderBytes
	}
	if idx := bytes.Index(buf[:limit], []byte("\r\n\r\n")); idx >= 0 {
		return idx + 4, nil
	}
	if idx := bytes.Index(buf[:limit], []byte("\n\n")); idx >= 0 {
		return idx + 2, nil
	}
	if len(buf) > maxHeaderBytes {
		// No terminator found even after scanning the max allowed
		// header bytes: the header section itself is too large.
		return 0, ErrHeadersTooLarge
	}
	return -1, nil
}

func parseRequestLine(line []byte) (method, target, version string, err error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: malformed request line", ErrBadRequest)
	}
	method = string(parts[0])
	target = string(parts[1])
	version = string(parts[2])

	if method == "" || method != strings.ToUpper(method) {
		return "", "", "", fmt.Errorf("%w: method must be uppercase token", ErrBadRequest)
	}
	for _, c := range method {
		if !isTokenChar(byte(c)) {
			return "", "", "", fmt.Errorf("%w: invalid method token", ErrBadRequest)
		}
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return "", "", "", fmt.Errorf("%w: unsupported version %q", ErrBadRequest, version)
	}
	return method, target, version, nil
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	default:
		return false
	}
}

// parseHeaders parses the header block (excluding the trailing blank
// line). It rejects obsolete line folding and duplicate Content-Length
// values that disagree, and applies the RFC 7230 rule that
// Transfer-Encoding: chunked takes precedence over Content-Length.
func parseHeaders(block []byte) (headers []Header, contentLength int, chunked bool, err error) {
	contentLength = -1
	pos := 0
	sawCL := false
	var clValue string

	for pos < len(block) {
		lb, lerr := findLine(block, pos)
		if lerr != nil {
			return nil, 0, false, lerr
		}
		if lb == nil {
			return nil, 0, false, fmt.Errorf("%w: truncated header line", ErrBadRequest)
		}
		line := block[pos:lb.contentEnd]
		pos = lb.next

		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, 0, false, fmt.Errorf("%w: obsolete header line folding", ErrBadRequest)
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, false, fmt.Errorf("%w: malformed header line", ErrBadRequest)
		}
		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		if !validHeaderName(name) {
			return nil, 0, false, fmt.Errorf("%w: invalid header name %q", ErrBadRequest, name)
		}
		headers = append(headers, Header{Name: name, Value: value})

		if strings.EqualFold(name, "Content-Length") {
			if sawCL && value != clValue {
				return nil, 0, false, fmt.Errorf("%w: conflicting Content-Length", ErrBadRequest)
			}
			sawCL = true
			clValue = value
			n, cerr := strconv.Atoi(value)
			if cerr != nil || n < 0 {
				return nil, 0, false, fmt.Errorf("%w: invalid Content-Length", ErrBadRequest)
			}
			contentLength = n
		}
		if strings.EqualFold(name, "Transfer-Encoding") && strings.Contains(strings.ToLower(value), "chunked") {
			chunked = true
		}
	}

	if chunked {
		// Content-Length is dropped per RFC 7230 when both are present.
		contentLength = -1
	}
	return headers, contentLength, chunked, nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
