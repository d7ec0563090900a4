package httpmsg

import (
	"fmt"
)

// DecodeChunked decodes an HTTP/1.1 chunked transfer-coded body from the
// front of buf. Grounded on the corpus's LinkGSD-httpd/httpd/chunk.go
// chunkReader, rewritten as a non-streaming decode-the-whole-thing pass
// since spec.md section 3 buffers the Request body fully. Returns the
// decoded bytes and the number of bytes consumed from buf (chunk framing
// included), or n=-1 if buf does not yet hold a complete chunked body.
// Trailer headers, if present, are parsed for well-formedness and
// discarded, matching spec.md section 4.B.
func DecodeChunked(buf []byte, maxBody int64) (decoded []byte, consumed int, err error) {
	pos := 0
	var out []byte

	for {
		lb, lerr := findLine(buf, pos)
		if lerr != nil {
			return nil, 0, lerr
		}
		if lb == nil {
			return nil, -1, nil
		}
		sizeLine := buf[pos:lb.contentEnd]
		pos = lb.next

		size, perr := parseChunkSize(sizeLine)
		if perr != nil {
			return nil, 0, perr
		}

		if size == 0 {
			// Zero-size chunk terminates the body; consume (and discard)
			// any trailer headers up to the final blank line.
			trailerConsumed, terr := scanTrailer(buf, pos)
			if terr != nil {
				return nil, 0, terr
			}
			if trailerConsumed < 0 {
				return nil, -1, nil
			}
			return out, trailerConsumed, nil
		}

		if pos+size+2 > len(buf) {
			return nil, -1, nil
		}
		if int64(len(out)+size) > maxBody {
			return nil, 0, ErrBodyTooLarge
		}
		out = append(out, buf[pos:pos+size]...)
		pos += size

		if buf[pos] != '\r' || pos+1 >= len(buf) || buf[pos+1] != '\n' {
			if !(buf[pos] == '\n') {
				return nil, 0, fmt.Errorf("%w: missing chunk-data CRLF", ErrBadRequest)
			}
			pos++
			continue
		}
		pos += 2
	}
}

// scanTrailer consumes zero or more trailer header lines followed by the
// final blank line, starting at pos. Returns the index just past that
// blank line, or -1 if buf does not yet hold the full trailer section.
func scanTrailer(buf []byte, pos int) (int, error) {
	for {
		lb, err := findLine(buf, pos)
		if err != nil {
			return 0, err
		}
		if lb == nil {
			return -1, nil
		}
		line := buf[pos:lb.contentEnd]
		if len(line) == 0 {
			return lb.next, nil
		}
		pos = lb.next
	}
}

func parseChunkSize(line []byte) (int, error) {
	// A chunk-size line may carry chunk extensions after ';', which we
	// ignore per RFC 7230 (no extension this server understands changes
	// framing behaviour).
	if idx := indexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	if len(line) == 0 {
		return 0, fmt.Errorf("%w: empty chunk size", ErrBadRequest)
	}
	size := 0
	for _, c := range line {
		v, ok := hexVal(c)
		if !ok {
			return 0, fmt.Errorf("%w: invalid chunk size", ErrBadRequest)
		}
		size = size*16 + v
		if size < 0 {
			return 0, fmt.Errorf("%w: chunk size overflow", ErrBadRequest)
		}
	}
	return size, nil
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}
