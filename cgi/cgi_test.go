package cgi

import (
	"bytes"
	"testing"

	"github.com/kfcemployee/webserv/httpresp"
)

func TestBuildEnvironmentIncludesStandardVars(t *testing.T) {
	req := Request{
		Method:      "GET",
		URI:         "/cgi-bin/hello.py?x=1",
		QueryString: "x=1",
		ScriptPath:  "/var/www/cgi-bin/hello.py",
		PathInfo:    "",
		Headers:     map[string]string{"user-agent": "test", "content-type": "text/plain"},
		Body:        []byte("abc"),
		RemoteAddr:  "127.0.0.1",
		ServerName:  "example.com",
		ServerPort:  8080,
	}
	env := buildEnvironment(req)

	want := map[string]string{
		"REQUEST_METHOD":    "GET",
		"QUERY_STRING":      "x=1",
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_SOFTWARE":   "webserv/1.0",
		"CONTENT_LENGTH":    "3",
		"CONTENT_TYPE":      "text/plain",
		"HTTP_USER_AGENT":   "test",
		"SERVER_NAME":       "example.com",
		"SERVER_PORT":       "8080",
		"REQUEST_URI":       "/cgi-bin/hello.py?x=1",
	}
	for k, v := range want {
		if !containsEnv(env, k, v) {
			t.Fatalf("expected env to contain %s=%s, got %v", k, v, env)
		}
	}
}

func containsEnv(env []string, key, value string) bool {
	target := key + "=" + value
	for _, e := range env {
		if e == target {
			return true
		}
	}
	return false
}

func TestBuildResponseParsesStatusHeader(t *testing.T) {
	p := &Process{}
	p.outBuf.WriteString("Status: 404 Not Found\r\nContent-Type: text/plain\r\n\r\nmissing\n")

	resp, err := p.BuildResponse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !resp.HasHeader("Content-Type") {
		t.Fatalf("expected Content-Type header to pass through")
	}

	var buf bytes.Buffer
	readAll(t, resp.Body, &buf)
	if buf.String() != "missing\n" {
		t.Fatalf("unexpected body %q", buf.String())
	}
}

func TestBuildResponseDefaultsTo200(t *testing.T) {
	p := &Process{}
	p.outBuf.WriteString("Content-Type: text/html\r\n\r\n<p>hi</p>")

	resp, err := p.BuildResponse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected default 200, got %d", resp.StatusCode)
	}
}

func TestBuildResponseLocationImpliesRedirect(t *testing.T) {
	p := &Process{}
	p.outBuf.WriteString("Location: /elsewhere\r\n\r\n")

	resp, err := p.BuildResponse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 302 {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
}

func TestBuildResponseMissingSeparatorErrors(t *testing.T) {
	p := &Process{}
	p.outBuf.WriteString("no headers here at all")
	if _, err := p.BuildResponse(); err == nil {
		t.Fatalf("expected error for missing header/body separator")
	}
}

func readAll(t *testing.T, b httpresp.Body, into *bytes.Buffer) {
	t.Helper()
	buf := make([]byte, 256)
	for {
		n, done, err := b.Read(buf)
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		into.Write(buf[:n])
		if done {
			return
		}
	}
}
