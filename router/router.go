// Package router implements component E: Request Router / Handler
// Dispatcher. It selects the virtual server and location for a parsed
// request and decides which handler variant should serve it, using a
// tagged-variant Decision rather than open-ended polymorphism (spec.md
// section 9's design note). Grounded on the teacher's server/router
// package (longest-prefix radix-style matching), generalised from a
// single-process route table into per-VirtualServer Location lists
// driven by the config graph.
package router

import (
	"strings"

	"github.com/kfcemployee/webserv/config"
)

// Kind tags which handler variant a Decision dispatches to.
type Kind int

const (
	KindStatic Kind = iota
	KindUpload
	KindCGI
	KindRedirect
	KindError
)

// Decision is the outcome of routing one request.
type Decision struct {
	Kind     Kind
	Server   *config.VirtualServer
	Location *config.Location

	// Populated when Kind == KindError.
	ErrorCode      int
	AllowedMethods []string
}

// SelectServer implements spec.md section 4.E step 1: match Host
// (case-insensitive, port stripped) against each server's names; first
// match wins; if none match, the first server registered on the
// endpoint is the default. The caller is responsible for spec.md
// section 4.D's Host-required-for-HTTP/1.1 check before calling this —
// SelectServer itself only disambiguates among virtual servers once a
// (possibly empty, for HTTP/1.0) host string is known to be acceptable.
func SelectServer(servers []*config.VirtualServer, hostHeader string) *config.VirtualServer {
	if len(servers) == 0 {
		return nil
	}
	host := stripPort(strings.ToLower(strings.TrimSpace(hostHeader)))
	for _, s := range servers {
		if s.MatchesHost(host) {
			return s
		}
	}
	return servers[0]
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

// SelectLocation implements spec.md section 4.E step 2: longest-prefix
// match on decoded path, ties broken by first-declared.
func SelectLocation(server *config.VirtualServer, path string) *config.Location {
	var best *config.Location
	bestLen := -1
	for _, l := range server.Locations {
		if !strings.HasPrefix(path, l.Prefix) {
			continue
		}
		// A prefix must end exactly at a path boundary unless it is "/"
		// itself, so "/api" does not spuriously match "/apiextra".
		if l.Prefix != "/" && len(path) > len(l.Prefix) && path[len(l.Prefix)] != '/' {
			continue
		}
		if len(l.Prefix) > bestLen {
			best = l
			bestLen = len(l.Prefix)
		}
	}
	return best
}

// EffectiveBodyLimit applies spec.md section 12.2's precedence rule: a
// Location's own client_max_body_size, if set, replaces (not intersects)
// the VirtualServer's limit.
func EffectiveBodyLimit(server *config.VirtualServer, loc *config.Location) int64 {
	if loc != nil && loc.ClientMaxBodySize != nil {
		return *loc.ClientMaxBodySize
	}
	return server.ClientMaxBodySize
}

// Route implements spec.md section 4.E steps 2, 3 and 5 once the
// VirtualServer is already known (the engine calls SelectServer once per
// request, then Route). Step 4's body-size re-check is made by the caller
// with EffectiveBodyLimit.
func Route(server *config.VirtualServer, method, path, contentType string) Decision {
	loc := SelectLocation(server, path)
	if loc == nil {
		return Decision{Kind: KindError, ErrorCode: 404}
	}

	if !loc.AllowMethods[method] {
		allowed := make([]string, 0, len(loc.AllowMethods))
		for m := range loc.AllowMethods {
			allowed = append(allowed, m)
		}
		return Decision{Kind: KindError, ErrorCode: 405, AllowedMethods: allowed, Location: loc, Server: server}
	}

	switch {
	case loc.HasReturn():
		return Decision{Kind: KindRedirect, Server: server, Location: loc}
	case loc.HasCGI() && cgiExtensionMatches(path, loc.CGIExtension):
		return Decision{Kind: KindCGI, Server: server, Location: loc}
	case method == "POST" && isMultipart(contentType) && loc.HasUpload():
		return Decision{Kind: KindUpload, Server: server, Location: loc}
	default:
		return Decision{Kind: KindStatic, Server: server, Location: loc}
	}
}

func cgiExtensionMatches(path, ext string) bool {
	if ext == "" {
		return true
	}
	return strings.HasSuffix(path, ext)
}

func isMultipart(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data")
}
