package router

import (
	"testing"

	"github.com/kfcemployee/webserv/config"
)

func testServer() *config.VirtualServer {
	return &config.VirtualServer{
		ServerNames:       []string{"example.com"},
		ClientMaxBodySize: 1 << 20,
		Locations: []*config.Location{
			{Prefix: "/", AllowMethods: map[string]bool{"GET": true, "HEAD": true}, Root: "./www"},
			{Prefix: "/api", AllowMethods: map[string]bool{"GET": true, "POST": true}, Root: "./api"},
			{Prefix: "/upload", AllowMethods: map[string]bool{"POST": true}, Root: "./www", UploadStore: "./uploads"},
			{Prefix: "/cgi-bin", AllowMethods: map[string]bool{"GET": true, "POST": true}, Root: "./www", CGIPass: "/usr/bin/python3", CGIExtension: ".py"},
			{Prefix: "/redirect", AllowMethods: map[string]bool{"GET": true}, ReturnCode: 301, ReturnTarget: "http://x/"},
		},
	}
}

func TestSelectServerHostMatch(t *testing.T) {
	servers := []*config.VirtualServer{
		{ServerNames: []string{"a.com"}},
		{ServerNames: []string{"b.com"}},
	}
	got := SelectServer(servers, "B.COM:8080")
	if got != servers[1] {
		t.Fatalf("expected b.com server, got %+v", got)
	}
}

func TestSelectServerDefaultsToFirst(t *testing.T) {
	servers := []*config.VirtualServer{
		{ServerNames: []string{"a.com"}},
		{ServerNames: []string{"b.com"}},
	}
	got := SelectServer(servers, "nowhere.com")
	if got != servers[0] {
		t.Fatalf("expected default first server")
	}
}

func TestSelectLocationLongestPrefix(t *testing.T) {
	s := testServer()
	loc := SelectLocation(s, "/api/users")
	if loc.Prefix != "/api" {
		t.Fatalf("expected /api, got %q", loc.Prefix)
	}
	loc = SelectLocation(s, "/apiextra")
	if loc.Prefix != "/" {
		t.Fatalf("expected fallback to /, got %q", loc.Prefix)
	}
}

func TestRouteMethodNotAllowed(t *testing.T) {
	s := testServer()
	d := Route(s, "DELETE", "/api/x", "")
	if d.Kind != KindError || d.ErrorCode != 405 {
		t.Fatalf("expected 405, got %+v", d)
	}
}

func TestRouteRedirect(t *testing.T) {
	s := testServer()
	d := Route(s, "GET", "/redirect", "")
	if d.Kind != KindRedirect {
		t.Fatalf("expected redirect, got %+v", d)
	}
}

func TestRouteCGI(t *testing.T) {
	s := testServer()
	d := Route(s, "GET", "/cgi-bin/echo.py", "")
	if d.Kind != KindCGI {
		t.Fatalf("expected CGI, got %+v", d)
	}
}

func TestRouteUpload(t *testing.T) {
	s := testServer()
	d := Route(s, "POST", "/upload", "multipart/form-data; boundary=B")
	if d.Kind != KindUpload {
		t.Fatalf("expected upload, got %+v", d)
	}
}

func TestRouteStaticFallback(t *testing.T) {
	s := testServer()
	d := Route(s, "GET", "/index.html", "")
	if d.Kind != KindStatic {
		t.Fatalf("expected static, got %+v", d)
	}
}

func TestRouteNoLocationIs404(t *testing.T) {
	s := &config.VirtualServer{}
	d := Route(s, "GET", "/anything", "")
	if d.Kind != KindError || d.ErrorCode != 404 {
		t.Fatalf("expected 404, got %+v", d)
	}
}

func TestEffectiveBodyLimitOverride(t *testing.T) {
	n := int64(100)
	s := &config.VirtualServer{ClientMaxBodySize: 1000}
	loc := &config.Location{ClientMaxBodySize: &n}
	if got := EffectiveBodyLimit(s, loc); got != 100 {
		t.Fatalf("expected override 100, got %d", got)
	}
	loc2 := &config.Location{}
	if got := EffectiveBodyLimit(s, loc2); got != 1000 {
		t.Fatalf("expected server default 1000, got %d", got)
	}
}
