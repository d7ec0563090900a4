package httpmsg

import (
	"fmt"
	"strings"
)

// normalizeTarget splits a request-target into its decoded path and raw
// query string. It accepts absolute-form targets (spec.md section 6:
// "Absolute-form request targets accepted and normalised") by stripping
// the scheme and authority, percent-decodes the path, and rejects any
// ".." segment that would escape the root (spec.md section 4.B).
func normalizeTarget(rawTarget string) (path, query string, err error) {
	target := rawTarget
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		rest := target[strings.Index(target, "://")+3:]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			target = rest[idx:]
		} else {
			target = "/"
		}
	}

	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		query = target[idx+1:]
		target = target[:idx]
	}

	if target == "" {
		target = "/"
	}
	if target[0] != '/' {
		return "", "", fmt.Errorf("%w: request-target must be absolute path", ErrBadRequest)
	}

	decoded, derr := percentDecode(target)
	if derr != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadRequest, derr)
	}

	clean, cerr := cleanPath(decoded)
	if cerr != nil {
		return "", "", cerr
	}
	return clean, query, nil
}

func percentDecode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent-escape")
		}
		hi, ok1 := hexVal(s[i+1])
		lo, ok2 := hexVal(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid percent-escape")
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// cleanPath resolves "." and ".." segments against "/", rejecting any
// ".." that would climb above the root — spec.md section 4.B: "'..'
// segments that would escape the root cause 400".
func cleanPath(p string) (string, error) {
	segments := strings.Split(p, "/")
	var stack []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: path traversal above root", ErrBadRequest)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	return "/" + strings.Join(stack, "/"), nil
}
