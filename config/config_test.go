package config

import (
	"strings"
	"testing"
	"time"
)

const sample = `
# a comment
server {
	listen 127.0.0.1:8080
	server_name example.com www.example.com
	client_max_body_size 2M
	request_timeout_secs 5
	error_page 404 /errors/404.html

	location / {
		allow_methods GET POST DELETE
		root ./www
		index index.html
		autoindex on
	}

	location /redirect {
		return 301 http://example.com/
	}

	location /upload {
		allow_methods POST
		root ./www
		upload_store ./www/uploads
	}
}

server {
	listen 8080
	location / {
		root ./other
	}
}
`

func TestParseBasic(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Servers))
	}
	s0 := cfg.Servers[0]
	if s0.Listen != (Endpoint{Host: "127.0.0.1", Port: 8080}) {
		t.Fatalf("unexpected listen: %+v", s0.Listen)
	}
	if s0.ClientMaxBodySize != 2<<20 {
		t.Fatalf("expected 2MiB, got %d", s0.ClientMaxBodySize)
	}
	if s0.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", s0.RequestTimeout)
	}
	if s0.ErrorPages[404] != "/errors/404.html" {
		t.Fatalf("unexpected error page: %+v", s0.ErrorPages)
	}
	if len(s0.Locations) != 3 {
		t.Fatalf("expected 3 locations, got %d", len(s0.Locations))
	}
	if !s0.Locations[0].AllowMethods["DELETE"] {
		t.Fatalf("expected DELETE allowed")
	}
	if !s0.Locations[1].HasReturn() || s0.Locations[1].ReturnCode != 301 {
		t.Fatalf("expected redirect location")
	}
	if !s0.Locations[2].HasUpload() {
		t.Fatalf("expected upload location")
	}
}

func TestListenersShareEndpoint(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
server {
	listen 8080
	server_name a.com
	location / { root ./a }
}
server {
	listen 8080
	server_name b.com
	location / { root ./b }
}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	eps := cfg.Listeners()
	if len(eps) != 1 {
		t.Fatalf("expected 1 shared listener, got %d", len(eps))
	}
	servers := cfg.ServersFor(eps[0])
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers on shared listener, got %d", len(servers))
	}
}

func TestDuplicateLocationRejected(t *testing.T) {
	_, err := Parse(strings.NewReader(`
server {
	listen 8080
	location / { root ./a }
	location / { root ./b }
}
`))
	if err == nil {
		t.Fatalf("expected error for duplicate location")
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"100":  100,
		"10K":  10 << 10,
		"10k":  10 << 10,
		"5M":   5 << 20,
		"1G":   1 << 30,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseSize(%q) = %d, want %d", in, got, want)
		}
	}
}
