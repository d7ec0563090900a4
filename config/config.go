// Package config loads and validates the nginx-style server configuration
// file into an immutable graph the engine drives itself from. It is an
// external collaborator to the connection engine (spec.md section 1): the
// engine never mutates a ServerConfig after Load returns.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout    = 60 * time.Second
	defaultClientMaxBodySize = 1 << 20 // 1 MiB
)

// Endpoint identifies a listening host:port pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Location is one route-block: a path prefix with its own methods, root,
// and handler configuration.
type Location struct {
	Prefix       string
	AllowMethods map[string]bool
	Root         string
	Alias        string
	Index        []string
	Autoindex    bool

	ReturnCode   int
	ReturnTarget string

	CGIPass      string
	CGIExtension string

	UploadStore string

	// ClientMaxBodySize overrides the owning VirtualServer's limit when set.
	ClientMaxBodySize *int64
}

// HasReturn reports whether this Location is a redirect rule.
func (l *Location) HasReturn() bool { return l.ReturnCode != 0 }

// HasCGI reports whether this Location dispatches to a CGI interpreter.
func (l *Location) HasCGI() bool { return l.CGIPass != "" }

// HasUpload reports whether this Location accepts multipart uploads.
func (l *Location) HasUpload() bool { return l.UploadStore != "" }

// DocumentRoot resolves the filesystem directory this Location serves from
// for a request path already known to have this Location's Prefix, and the
// path to join under it: with alias, the part of reqPath after Prefix;
// with root, the whole of reqPath.
func (l *Location) DocumentRoot(reqPath string) (root string, rest string) {
	if l.Alias != "" {
		return l.Alias, strings.TrimPrefix(reqPath, l.Prefix)
	}
	return l.Root, reqPath
}

// VirtualServer is one server-block: a hostname set sharing a Listener with
// its peers.
type VirtualServer struct {
	Listen            Endpoint
	ServerNames       []string
	ClientMaxBodySize int64
	RequestTimeout    time.Duration
	ErrorPages        map[int]string
	Locations         []*Location
}

// MatchesHost reports whether host (already port-stripped, lowercased)
// matches one of this server's names. An empty ServerNames list matches
// no host; the router falls back to the endpoint's first server when no
// name matches.
func (v *VirtualServer) MatchesHost(host string) bool {
	for _, n := range v.ServerNames {
		if strings.EqualFold(n, host) {
			return true
		}
	}
	return false
}

// Config is the fully parsed, validated configuration graph.
type Config struct {
	Servers []*VirtualServer
}

// Listeners groups virtual servers by shared endpoint, in first-declared
// order, matching spec.md section 6: "duplicate bindings of the same
// HOST:PORT across different servers are permitted".
func (c *Config) Listeners() []Endpoint {
	seen := make(map[Endpoint]bool)
	var out []Endpoint
	for _, s := range c.Servers {
		if !seen[s.Listen] {
			seen[s.Listen] = true
			out = append(out, s.Listen)
		}
	}
	return out
}

// ServersFor returns every VirtualServer bound to ep, in declaration order.
// The first entry is the default server for that endpoint.
func (c *Config) ServersFor(ep Endpoint) []*VirtualServer {
	var out []*VirtualServer
	for _, s := range c.Servers {
		if s.Listen == ep {
			out = append(out, s)
		}
	}
	return out
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

type scopeKind int

const (
	scopeTop scopeKind = iota
	scopeServer
	scopeLocation
)

// Parse reads an nginx-style config from r. It is a line-oriented scanner
// with a brace-counted scope stack, in the manner of the Rust origin's
// config/mod.rs, re-expressed with Go's bufio.Scanner instead of hand
// splitting on "\n".
func Parse(r io.Reader) (*Config, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var cfg Config
	var curServer *VirtualServer
	var curLocation *Location
	scope := scopeTop
	lineNo := 0

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if line == "server {" || line == "server{" {
			if scope != scopeTop {
				return nil, fmt.Errorf("config: line %d: unexpected 'server {' inside a block", lineNo)
			}
			curServer = &VirtualServer{
				ClientMaxBodySize: defaultClientMaxBodySize,
				RequestTimeout:    defaultRequestTimeout,
				ErrorPages:        make(map[int]string),
			}
			scope = scopeServer
			continue
		}

		if strings.HasPrefix(line, "location ") && strings.Contains(line, "{") {
			if scope != scopeServer {
				return nil, fmt.Errorf("config: line %d: 'location' outside a server block", lineNo)
			}
			open := strings.Index(line, "{")
			prefix := strings.TrimSpace(line[len("location "):open])
			if prefix == "" {
				return nil, fmt.Errorf("config: line %d: empty location prefix", lineNo)
			}
			curLocation = &Location{
				Prefix:       prefix,
				AllowMethods: map[string]bool{"GET": true, "HEAD": true},
			}
			scope = scopeLocation
			// A single-line block "location PREFIX { directive args }" closes here.
			rest := strings.TrimSpace(line[open+1:])
			if inner, closed := strings.CutSuffix(rest, "}"); closed {
				if inner = strings.TrimSpace(inner); inner != "" {
					if err := parseLocationDirective(curLocation, inner); err != nil {
						return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
					}
				}
				curServer.Locations = append(curServer.Locations, curLocation)
				curLocation, scope = nil, scopeServer
			} else if rest != "" {
				return nil, fmt.Errorf("config: line %d: unexpected text after '{'", lineNo)
			}
			continue
		}

		if line == "}" {
			switch scope {
			case scopeLocation:
				curServer.Locations = append(curServer.Locations, curLocation)
				curLocation = nil
				scope = scopeServer
			case scopeServer:
				if curServer.Listen.Port == 0 {
					return nil, fmt.Errorf("config: line %d: server block missing 'listen'", lineNo)
				}
				cfg.Servers = append(cfg.Servers, curServer)
				curServer = nil
				scope = scopeTop
			default:
				return nil, fmt.Errorf("config: line %d: unmatched '}'", lineNo)
			}
			continue
		}

		switch scope {
		case scopeServer:
			if err := parseServerDirective(curServer, line); err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
		case scopeLocation:
			if err := parseLocationDirective(curLocation, line); err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
		default:
			return nil, fmt.Errorf("config: line %d: directive outside any block: %q", lineNo, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if scope != scopeTop {
		return nil, fmt.Errorf("config: unterminated block at end of file")
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fields(line string) []string {
	return strings.Fields(line)
}

func parseServerDirective(s *VirtualServer, line string) error {
	f := fields(line)
	if len(f) == 0 {
		return nil
	}
	directive, args := f[0], f[1:]
	switch directive {
	case "listen":
		if len(args) != 1 {
			return fmt.Errorf("listen: expected 1 argument")
		}
		ep, err := parseEndpoint(args[0])
		if err != nil {
			return err
		}
		s.Listen = ep
	case "server_name":
		s.ServerNames = append(s.ServerNames, args...)
	case "client_max_body_size":
		if len(args) != 1 {
			return fmt.Errorf("client_max_body_size: expected 1 argument")
		}
		n, err := parseSize(args[0])
		if err != nil {
			return err
		}
		s.ClientMaxBodySize = n
	case "request_timeout_secs":
		if len(args) != 1 {
			return fmt.Errorf("request_timeout_secs: expected 1 argument")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("request_timeout_secs: %w", err)
		}
		s.RequestTimeout = time.Duration(n) * time.Second
	case "error_page":
		if len(args) != 2 {
			return fmt.Errorf("error_page: expected CODE PATH")
		}
		code, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("error_page: bad code: %w", err)
		}
		s.ErrorPages[code] = args[1]
	default:
		return fmt.Errorf("unknown server directive %q", directive)
	}
	return nil
}

func parseLocationDirective(l *Location, line string) error {
	f := fields(line)
	if len(f) == 0 {
		return nil
	}
	directive, args := f[0], f[1:]
	switch directive {
	case "allow_methods":
		l.AllowMethods = make(map[string]bool, len(args))
		for _, m := range args {
			l.AllowMethods[strings.ToUpper(m)] = true
		}
	case "root":
		if len(args) != 1 {
			return fmt.Errorf("root: expected 1 argument")
		}
		l.Root = args[0]
	case "alias":
		if len(args) != 1 {
			return fmt.Errorf("alias: expected 1 argument")
		}
		l.Alias = args[0]
	case "index":
		if len(args) == 0 {
			return fmt.Errorf("index: expected at least 1 argument")
		}
		l.Index = args
	case "autoindex":
		if len(args) != 1 {
			return fmt.Errorf("autoindex: expected on|off")
		}
		l.Autoindex = args[0] == "on"
	case "return":
		if len(args) != 2 {
			return fmt.Errorf("return: expected CODE URL")
		}
		code, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("return: bad code: %w", err)
		}
		l.ReturnCode = code
		l.ReturnTarget = args[1]
	case "cgi_pass":
		if len(args) != 1 {
			return fmt.Errorf("cgi_pass: expected 1 argument")
		}
		l.CGIPass = args[0]
	case "cgi_extension":
		if len(args) != 1 {
			return fmt.Errorf("cgi_extension: expected 1 argument")
		}
		l.CGIExtension = args[0]
	case "upload_store":
		if len(args) != 1 {
			return fmt.Errorf("upload_store: expected 1 argument")
		}
		l.UploadStore = args[0]
	case "client_max_body_size":
		if len(args) != 1 {
			return fmt.Errorf("client_max_body_size: expected 1 argument")
		}
		n, err := parseSize(args[0])
		if err != nil {
			return err
		}
		l.ClientMaxBodySize = &n
	default:
		return fmt.Errorf("unknown location directive %q", directive)
	}
	return nil
}

func parseEndpoint(s string) (Endpoint, error) {
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		port, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("listen: bad port in %q: %w", s, err)
		}
		host := s[:idx]
		if host == "" {
			host = "0.0.0.0"
		}
		return Endpoint{Host: host, Port: port}, nil
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("listen: bad port %q: %w", s, err)
	}
	return Endpoint{Host: "0.0.0.0", Port: port}, nil
}

// parseSize parses "10", "10K", "10M", "10G" (case-insensitive) into bytes.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	last := s[len(s)-1]
	switch last {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return n * mult, nil
}

// validate enforces the fatal config errors called out in spec.md section 6:
// duplicate location prefixes within one server are rejected, and every
// server needs at least a listen directive (checked at parse time above).
func validate(cfg *Config) error {
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("config: no server blocks defined")
	}
	for _, s := range cfg.Servers {
		seen := make(map[string]bool)
		for _, l := range s.Locations {
			if seen[l.Prefix] {
				return fmt.Errorf("config: duplicate location %q in server on %s", l.Prefix, s.Listen)
			}
			seen[l.Prefix] = true
			if l.HasReturn() {
				continue
			}
			if l.Root == "" && l.Alias == "" {
				return fmt.Errorf("config: location %q on %s has no root, alias, or return", l.Prefix, s.Listen)
			}
		}
	}
	return nil
}
