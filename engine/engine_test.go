package engine

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/weblog"
)

func TestResolveIPv4Loopback(t *testing.T) {
	addr, err := resolveIPv4("127.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != [4]byte{127, 0, 0, 1} {
		t.Fatalf("unexpected addr: %v", addr)
	}
}

func TestResolveIPv4Empty(t *testing.T) {
	addr, err := resolveIPv4("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != [4]byte{} {
		t.Fatalf("expected wildcard address, got %v", addr)
	}
}

func TestJoinComma(t *testing.T) {
	if got := joinComma([]string{"GET", "HEAD"}); got != "GET, HEAD" {
		t.Fatalf("unexpected join: %q", got)
	}
	if got := joinComma(nil); got != "" {
		t.Fatalf("expected empty string for nil input, got %q", got)
	}
}

func TestResolveScriptPathWithExtension(t *testing.T) {
	loc := &config.Location{Prefix: "/cgi-bin", Root: "/var/www", CGIExtension: ".py"}
	script, pathInfo := resolveScriptPath(loc, "/cgi-bin/hello.py/extra/path")
	if script != filepath.Join("/var/www", "cgi-bin", "hello.py") {
		t.Fatalf("unexpected script path: %q", script)
	}
	if pathInfo != "/extra/path" {
		t.Fatalf("unexpected path info: %q", pathInfo)
	}
}

func TestErrorResponseFallsBackToBuiltin(t *testing.T) {
	e := &Engine{}
	resp := e.errorResponse(nil, 404)
	if resp.StatusCode != 404 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestErrorResponseUsesConfiguredPage(t *testing.T) {
	dir := t.TempDir()
	pagePath := filepath.Join(dir, "404.html")
	if err := os.WriteFile(pagePath, []byte("custom not found"), 0o644); err != nil {
		t.Fatalf("write error page: %v", err)
	}
	server := &config.VirtualServer{ErrorPages: map[int]string{404: pagePath}}

	e := &Engine{}
	resp := e.errorResponse(server, 404)
	buf := make([]byte, 64)
	n, _, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(buf[:n]) != "custom not found" {
		t.Fatalf("expected configured error page body, got %q", buf[:n])
	}
}

func TestEngineServesStaticFileEndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello engine"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	port := 18173
	cfg := &config.Config{Servers: []*config.VirtualServer{{
		Listen:            config.Endpoint{Host: "127.0.0.1", Port: port},
		ClientMaxBodySize: 1 << 20,
		Locations: []*config.Location{{
			Prefix:       "/",
			AllowMethods: map[string]bool{"GET": true, "HEAD": true},
			Root:         dir,
			Index:        []string{"index.html"},
		}},
	}}}

	e := New(cfg, weblog.New(weblog.LevelError))
	go e.Run()

	target := "127.0.0.1:18173"
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", target, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(buf[:n])
	if !contains(got, "200 OK") || !contains(got, "hello engine") {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestEngineRejectsMissingHostOnHTTP11(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello engine"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	port := 18174
	cfg := &config.Config{Servers: []*config.VirtualServer{{
		Listen:            config.Endpoint{Host: "127.0.0.1", Port: port},
		ClientMaxBodySize: 1 << 20,
		Locations: []*config.Location{{
			Prefix:       "/",
			AllowMethods: map[string]bool{"GET": true, "HEAD": true},
			Root:         dir,
			Index:        []string{"index.html"},
		}},
	}}}

	e := New(cfg, weblog.New(weblog.LevelError))
	go e.Run()

	target := "127.0.0.1:18174"
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", target, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(buf[:n])
	if !contains(got, "400") {
		t.Fatalf("expected 400 for missing Host on HTTP/1.1, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
