package httpresp

// reasonTable mirrors the teacher's flat status-code lookup in
// server/protocol/builder.go, extended with the full set spec.md section
// 7 requires an origin server to emit.
var reasonTable = map[int]string{
	100: "Continue",
	101: "Switching Protocols",

	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",

	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",

	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	431: "Request Header Fields Too Large",

	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func reasonPhrase(code int, override string) string {
	if override != "" {
		return override
	}
	if r, ok := reasonTable[code]; ok {
		return r
	}
	return "Unknown"
}

// DefaultErrorBody is the built-in minimal HTML body spec.md section 4.E
// step 6 falls back to when no configured error_page applies.
func DefaultErrorBody(code int) []byte {
	phrase := reasonPhrase(code, "")
	return []byte("<html><head><title>" + itoa(code) + " " + phrase +
		"</title></head><body><h1>" + itoa(code) + " " + phrase +
		"</h1></body></html>")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
