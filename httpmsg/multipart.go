package httpmsg

import (
	"bytes"
	"fmt"
	"strings"
)

// Part is one section of a multipart/form-data body.
type Part struct {
	Name        string
	FileName    string
	ContentType string
	Data        []byte
}

// BoundaryFromContentType extracts the boundary parameter from a
// "multipart/form-data; boundary=..." Content-Type header value.
func BoundaryFromContentType(contentType string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		return "", false
	}
	for _, param := range strings.Split(contentType, ";") {
		param = strings.TrimSpace(param)
		if strings.HasPrefix(strings.ToLower(param), "boundary=") {
			b := param[len("boundary="):]
			b = strings.Trim(b, `"`)
			if b == "" {
				return "", false
			}
			return b, true
		}
	}
	return "", false
}

// ParseMultipart splits a fully-buffered multipart/form-data body into its
// parts. Grounded on the structure of the teacher corpus's
// LinkGSD-httpd/httpd/multipart.go MultipartReader, collapsed from a
// streaming bufio.Reader design into a byte-slice scan since the request
// body is already fully buffered (spec.md section 3).
func ParseMultipart(body []byte, boundary string) ([]Part, error) {
	dash := []byte("--" + boundary)
	var parts []Part

	start := bytes.Index(body, dash)
	if start < 0 {
		return nil, fmt.Errorf("%w: multipart: opening boundary not found", ErrBadRequest)
	}
	pos := start + len(dash)

	for {
		if pos+1 < len(body) && body[pos] == '-' && body[pos+1] == '-' {
			return parts, nil // closing boundary
		}
		// Skip the CRLF after the boundary line.
		lb, err := findLine(body, pos)
		if err != nil {
			return nil, err
		}
		if lb == nil {
			return nil, fmt.Errorf("%w: multipart: truncated boundary line", ErrBadRequest)
		}
		pos = lb.next

		headerEnd, err := findHeaderEnd(body[pos:], len(body)-pos+1)
		if err != nil {
			return nil, err
		}
		if headerEnd < 0 {
			return nil, fmt.Errorf("%w: multipart: truncated part headers", ErrBadRequest)
		}
		headerBlock := body[pos : pos+headerEnd]
		headers, _, _, err := parseHeaders(headerBlock)
		if err != nil {
			return nil, err
		}
		pos += headerEnd

		nextBoundary := bytes.Index(body[pos:], dash)
		if nextBoundary < 0 {
			return nil, fmt.Errorf("%w: multipart: closing boundary not found", ErrBadRequest)
		}
		data := body[pos : pos+nextBoundary]
		data = trimSingleTrailingCRLF(data)

		name, fileName := "", ""
		contentType := ""
		for _, h := range headers {
			if strings.EqualFold(h.Name, "Content-Disposition") {
				name, fileName = parseContentDisposition(h.Value)
			}
			if strings.EqualFold(h.Name, "Content-Type") {
				contentType = h.Value
			}
		}

		parts = append(parts, Part{
			Name:        name,
			FileName:    fileName,
			ContentType: contentType,
			Data:        data,
		})

		pos += nextBoundary + len(dash)
	}
}

func trimSingleTrailingCRLF(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}

func parseContentDisposition(value string) (name, fileName string) {
	for _, field := range strings.Split(value, ";") {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(field, "name=") {
			name = strings.Trim(field[len("name="):], `"`)
		} else if strings.HasPrefix(field, "filename=") {
			fileName = strings.Trim(field[len("filename="):], `"`)
		}
	}
	return name, fileName
}
