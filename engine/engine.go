// Package engine ties the reactor, connection state machines, router,
// and timeout manager into the single-threaded event loop spec.md
// section 2's control-flow diagram describes: the reactor yields ready
// events, the engine dispatches each to the owning listener or
// connection, the connection advances its state machine, and on a
// complete request the router selects a handler whose result feeds back
// into the connection's write queue. Grounded on the teacher's
// internal/socket.go accept-loop (raw syscall.Socket/Bind/Listen/Accept)
// collapsed from its worker-pool/goroutine design into the strictly
// single-threaded loop spec.md section 5 requires.
package engine

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kfcemployee/webserv/conn"
	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/httpmsg"
	"github.com/kfcemployee/webserv/httpresp"
	"github.com/kfcemployee/webserv/reactor"
	"github.com/kfcemployee/webserv/router"
	"github.com/kfcemployee/webserv/sessionstore"
	"github.com/kfcemployee/webserv/static"
	"github.com/kfcemployee/webserv/timeout"
	"github.com/kfcemployee/webserv/upload"
	"github.com/kfcemployee/webserv/weblog"
)

const (
	backlog              = 128
	maxEvents            = 256
	serverSoftware       = "webserv/1.0"
	sessionSweepInterval = 30 * time.Second
)

// Engine owns the reactor, the listener table, and every live
// connection. Not safe for concurrent use: Run must be called from a
// single goroutine, matching spec.md section 5's "one process, one
// thread, one reactor."
type Engine struct {
	cfg *config.Config
	log *weblog.Logger

	reactor   *reactor.Reactor
	listeners map[int]listener // fd -> listener
	conns     map[int]*conn.Connection
	cgiByPipe map[int]*cgiUpstream // any of stdin/stdout/stderr fd -> owning upstream
	cgiByConn map[int]*cgiUpstream // client conn fd -> its in-flight CGI process

	sessions  *sessionstore.Store
	lastSweep time.Time
	timeouts  *timeout.Manager

	shuttingDown bool
}

type listener struct {
	fd      int
	servers []*config.VirtualServer
}

// New builds an Engine from a validated configuration graph.
func New(cfg *config.Config, log *weblog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		log:       log,
		listeners: make(map[int]listener),
		conns:     make(map[int]*conn.Connection),
		cgiByPipe: make(map[int]*cgiUpstream),
		cgiByConn: make(map[int]*cgiUpstream),
		sessions:  sessionstore.New(30*time.Minute, 4096),
		timeouts:  timeout.New(timeout.DefaultIdle, timeout.DefaultTotal),
	}
}

// Run binds every listener named in the configuration and drives the
// event loop until a shutdown signal arrives and every connection has
// drained. Returns nil on graceful shutdown.
func (e *Engine) Run() error {
	r, err := reactor.New(maxEvents)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.reactor = r
	defer r.Close()

	for _, ep := range e.cfg.Listeners() {
		if err := e.bindListener(ep); err != nil {
			return fmt.Errorf("engine: bind %s: %w", ep, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			e.log.Info("shutdown signal received, draining")
			e.beginShutdown()
		default:
		}

		if e.shuttingDown && len(e.conns) == 0 {
			return nil
		}

		timeoutMs := e.timeouts.WaitTimeoutMs(time.Now())
		events, err := e.reactor.Wait(timeoutMs)
		if err != nil {
			e.log.Error("reactor wait: %v", err)
			continue
		}

		now := time.Now()
		for _, ev := range events {
			e.dispatch(ev, now)
		}
		e.reapTimeouts(now)
		e.sweepSessionsIfDue(now)
	}
}

// sweepSessionsIfDue runs sessionstore's expiry sweep off the same event
// loop tick rather than a dedicated timer, since the engine is already
// single-threaded and has no background goroutines to schedule one on.
func (e *Engine) sweepSessionsIfDue(now time.Time) {
	if now.Sub(e.lastSweep) < sessionSweepInterval {
		return
	}
	e.sessions.Sweep()
	e.lastSweep = now
}

func (e *Engine) bindListener(ep config.Endpoint) error {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)

	addr, err := resolveIPv4(ep.Host)
	if err != nil {
		syscall.Close(fd)
		return err
	}
	if err := syscall.Bind(fd, &syscall.SockaddrInet4{Port: ep.Port, Addr: addr}); err != nil {
		syscall.Close(fd)
		return err
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return err
	}
	if err := reactor.SetNonblocking(fd); err != nil {
		syscall.Close(fd)
		return err
	}
	if err := e.reactor.Register(fd, reactor.Readable); err != nil {
		syscall.Close(fd)
		return err
	}

	e.listeners[fd] = listener{fd: fd, servers: e.cfg.ServersFor(ep)}
	e.log.Info("listening on %s", ep)
	return nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var addr [4]byte
	if host == "" || host == "0.0.0.0" {
		return addr, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return addr, fmt.Errorf("cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return addr, fmt.Errorf("host %q is not IPv4", host)
	}
	copy(addr[:], ip4)
	return addr, nil
}

func (e *Engine) dispatch(ev reactor.Event, now time.Time) {
	if l, ok := e.listeners[int(ev.Fd)]; ok {
		e.acceptOne(l, now)
		return
	}
	if up, ok := e.cgiByPipe[int(ev.Fd)]; ok {
		e.serviceCGI(up, int(ev.Fd), ev, now)
		return
	}
	c, ok := e.conns[int(ev.Fd)]
	if !ok {
		return // late event for an already-closed connection
	}
	e.serviceConnection(c, ev, now)
}

func (e *Engine) acceptOne(l listener, now time.Time) {
	if e.shuttingDown {
		return
	}
	nfd, sa, err := syscall.Accept(l.fd)
	if err != nil {
		if err != syscall.EAGAIN && err != syscall.EWOULDBLOCK {
			e.log.Warn("accept on listener %d: %v", l.fd, err)
		}
		return
	}
	if err := reactor.SetNonblocking(nfd); err != nil {
		syscall.Close(nfd)
		return
	}
	if err := e.reactor.Register(nfd, reactor.Readable); err != nil {
		syscall.Close(nfd)
		return
	}

	peer := peerAddrString(sa)
	defaultLimit := int64(1 << 20)
	if len(l.servers) > 0 {
		defaultLimit = l.servers[0].ClientMaxBodySize
	}
	c := conn.New(nfd, peer, l.servers, defaultLimit, now)
	e.conns[nfd] = c
	e.timeouts.Track(nfd, now)
}

func peerAddrString(sa syscall.Sockaddr) string {
	if in4, ok := sa.(*syscall.SockaddrInet4); ok {
		ip := net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])
		return fmt.Sprintf("%s:%d", ip.String(), in4.Port)
	}
	return "unknown"
}

func (e *Engine) serviceConnection(c *conn.Connection, ev reactor.Event, now time.Time) {
	switch c.State {
	case conn.ReadingHeaders, conn.ReadingBody:
		if !ev.Readable {
			return
		}
		res := c.OnReadable(now)
		e.timeouts.ResetIdle(c.Fd, now)
		if res.Err != nil || res.PeerClosed {
			e.closeConn(c)
			return
		}
		e.advanceParse(c, now)
	case conn.Writing, conn.Draining:
		if !ev.Writable {
			return
		}
		wr := c.OnWritable(now)
		e.timeouts.ResetIdle(c.Fd, now)
		if wr.Err != nil {
			e.closeConn(c)
			return
		}
		if wr.Done {
			e.timeouts.ClearTotal(c.Fd)
			if c.State == conn.Draining {
				e.closeConn(c)
				return
			}
			e.reactor.Modify(c.Fd, c.Interest())
			if c.HasBufferedInput() {
				e.advanceParse(c, now)
			}
		}
	case conn.KeepAlive:
		if !ev.Readable {
			return
		}
		c.Reset()
		e.serviceConnection(c, ev, now)
	}
}

// advanceParse makes one parse attempt over the connection's buffered
// bytes and routes the request if a complete one is there. It runs after
// every read and again after each response drains while bytes remain
// buffered, so pipelined requests are served one at a time in arrival
// order (spec.md section 4.D).
func (e *Engine) advanceParse(c *conn.Connection, now time.Time) {
	req, err, ok := c.TryParse()
	if !ok {
		return
	}
	if err != nil {
		e.sendImmediate(c, httpmsg.StatusFor(err), nil, true)
		e.reactor.Modify(c.Fd, c.Interest())
		return
	}
	e.timeouts.StartTotal(c.Fd, now)
	e.route(c, req, now)

	if c.State == conn.Writing {
		e.reactor.Modify(c.Fd, c.Interest())
	}
}

func (e *Engine) route(c *conn.Connection, req *httpmsg.Request, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic: %v", r)
			e.sendImmediate(c, 500, nil, true)
		}
	}()
	host, hasHost := req.Header("Host")
	if !hasHost && req.Version != "HTTP/1.0" {
		e.sendImmediate(c, 400, nil, true)
		return
	}
	server := router.SelectServer(c.Servers, host)
	if server == nil {
		e.sendImmediate(c, 500, nil, true)
		return
	}
	contentType, _ := req.Header("Content-Type")
	decision := router.Route(server, req.Method, req.Path, contentType)
	limit := router.EffectiveBodyLimit(server, decision.Location)
	c.SetBodyLimit(limit)
	if decision.Kind != router.KindError && int64(len(req.Body)) > limit {
		e.respondError(c, server, 413, nil)
		return
	}

	switch decision.Kind {
	case router.KindError:
		e.respondError(c, server, decision.ErrorCode, decision.AllowedMethods)
	case router.KindRedirect:
		e.respondRedirect(c, decision.Location)
	case router.KindUpload:
		e.respondUpload(c, server, decision.Location, req)
	case router.KindCGI:
		e.startCGI(c, server, decision.Location, req, now)
	default:
		e.respondStatic(c, server, decision.Location, req)
	}
}

func (e *Engine) respondError(c *conn.Connection, server *config.VirtualServer, code int, allowed []string) {
	resp := e.errorResponse(server, code)
	if len(allowed) > 0 {
		resp.AddHeader("Allow", joinComma(allowed))
	}
	c.BeginResponse(resp, serverSoftware)
}

func (e *Engine) respondRedirect(c *conn.Connection, loc *config.Location) {
	resp := &httpresp.Response{StatusCode: loc.ReturnCode, Body: httpresp.NewByteBody(nil)}
	resp.AddHeader("Location", loc.ReturnTarget)
	c.BeginResponse(resp, serverSoftware)
}

func (e *Engine) respondUpload(c *conn.Connection, server *config.VirtualServer, loc *config.Location, req *httpmsg.Request) {
	ct, _ := req.Header("Content-Type")
	result := upload.Handle(loc, ct, req.Body)
	if result.ErrorCode != 0 {
		c.BeginResponse(e.errorResponse(server, result.ErrorCode), serverSoftware)
		return
	}
	e.applySession(req, result.Response)
	c.BeginResponse(result.Response, serverSoftware)
}

func (e *Engine) respondStatic(c *conn.Connection, server *config.VirtualServer, loc *config.Location, req *httpmsg.Request) {
	result := static.Serve(loc, req.Method, req.Path, req.Body)
	if result.ErrorCode != 0 {
		c.BeginResponse(e.errorResponse(server, result.ErrorCode), serverSoftware)
		return
	}
	e.applySession(req, result.Response)
	c.BeginResponse(result.Response, serverSoftware)
}

// applySession mints or refreshes a session_id cookie. It is the
// "Set-Cookie: session_id=" convenience SPEC_FULL.md section 12.6 wires
// to sessionstore, keeping the store itself a leaf collaborator the
// connection engine knows nothing about.
func (e *Engine) applySession(req *httpmsg.Request, resp *httpresp.Response) {
	id, existing := sessionIDFromCookie(req)
	if existing {
		if data, ok := e.sessions.Get(id); ok {
			e.sessions.Set(id, data)
			return
		}
	}
	newID, err := sessionstore.NewID()
	if err != nil {
		return
	}
	e.sessions.Set(newID, nil)
	resp.AddHeader("Set-Cookie", "session_id="+newID+"; Path=/; HttpOnly")
}

func sessionIDFromCookie(req *httpmsg.Request) (string, bool) {
	cookie, ok := req.Header("Cookie")
	if !ok {
		return "", false
	}
	for _, part := range strings.Split(cookie, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == "session_id" {
			return kv[1], true
		}
	}
	return "", false
}

// errorResponse substitutes a configured error_page body when available
// (spec.md section 4.E step 6), else falls back to the built-in minimal
// HTML body.
func (e *Engine) errorResponse(server *config.VirtualServer, code int) *httpresp.Response {
	if server != nil {
		if path, ok := server.ErrorPages[code]; ok {
			if data, err := os.ReadFile(path); err == nil {
				resp := &httpresp.Response{StatusCode: code, Body: httpresp.NewByteBody(data)}
				resp.AddHeader("Content-Type", "text/html; charset=utf-8")
				return resp
			}
		}
	}
	resp := &httpresp.Response{StatusCode: code, Body: httpresp.NewByteBody(httpresp.DefaultErrorBody(code))}
	resp.AddHeader("Content-Type", "text/html; charset=utf-8")
	return resp
}

// sendImmediate responds to a connection that never produced a parsed
// Request (a parse failure or a timeout), synthesising the minimal
// Request BeginResponse needs to decide keep-alive vs close.
func (e *Engine) sendImmediate(c *conn.Connection, code int, allowed []string, forceClose bool) {
	var server *config.VirtualServer
	if len(c.Servers) > 0 {
		server = c.Servers[0]
	}
	resp := e.errorResponse(server, code)
	if len(allowed) > 0 {
		resp.AddHeader("Allow", joinComma(allowed))
	}
	if forceClose {
		resp.AddHeader("Connection", "close")
	}
	c.Request = &httpmsg.Request{Version: "HTTP/1.1", KeepAlive: !forceClose}
	c.BeginResponse(resp, serverSoftware)
}

func (e *Engine) closeConn(c *conn.Connection) {
	if up, ok := e.cgiByConn[c.Fd]; ok {
		e.teardownCGI(up)
	}
	e.reactor.Unregister(c.Fd)
	e.timeouts.Untrack(c.Fd)
	delete(e.conns, c.Fd)
	c.Close()
}

func (e *Engine) beginShutdown() {
	e.shuttingDown = true
	for fd := range e.listeners {
		e.reactor.Unregister(fd)
		syscall.Close(fd)
		delete(e.listeners, fd)
	}
}

// reapTimeouts closes or error-responds to every connection whose idle
// or total-request deadline has passed, per spec.md section 4.H.
func (e *Engine) reapTimeouts(now time.Time) {
	for _, exp := range e.timeouts.Expired(now) {
		c, ok := e.conns[exp.Fd]
		if !ok {
			e.timeouts.Untrack(exp.Fd)
			continue
		}
		switch exp.Kind {
		case timeout.KindIdle:
			switch c.State {
			case conn.ReadingHeaders, conn.ReadingBody:
				e.sendImmediate(c, 408, nil, true)
				e.reactor.Modify(c.Fd, c.Interest())
			default:
				e.closeConn(c)
			}
		case timeout.KindTotal:
			if up, ok := e.cgiByConn[c.Fd]; ok {
				e.teardownCGI(up)
			}
			if c.State == conn.Writing {
				e.closeConn(c)
			} else {
				e.sendImmediate(c, 504, nil, true)
				e.reactor.Modify(c.Fd, c.Interest())
			}
		}
	}
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
