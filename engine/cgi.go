// This file wires component G, the CGI Bridge, into the event loop: it
// spawns the child, registers its pipes with the reactor keyed by the
// connection's fd (spec.md section 9's cyclic-ownership note — the
// upstream holds the connection's fd, not a pointer back to the
// Connection, so a late event after the connection has closed becomes a
// harmless map lookup miss rather than a dangling reference).
package engine

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/kfcemployee/webserv/cgi"
	"github.com/kfcemployee/webserv/conn"
	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/httpmsg"
	"github.com/kfcemployee/webserv/reactor"
)

const cgiKillGrace = 5 * time.Second

// cgiUpstream is the engine-side record of one in-flight CGI child: the
// Connection identifier it belongs to plus the process itself.
type cgiUpstream struct {
	connFd int
	proc   *cgi.Process
	server *config.VirtualServer
	req    *httpmsg.Request
}

func (e *Engine) startCGI(c *conn.Connection, server *config.VirtualServer, loc *config.Location, req *httpmsg.Request, now time.Time) {
	scriptPath, pathInfo := resolveScriptPath(loc, req.Path)
	headers := make(map[string]string, len(req.Headers))
	for _, h := range req.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}

	proc, err := cgi.Start(loc, cgi.Request{
		ScriptPath:  scriptPath,
		PathInfo:    pathInfo,
		Method:      req.Method,
		URI:         req.RawTarget,
		QueryString: req.Query,
		Headers:     headers,
		Body:        req.Body,
		RemoteAddr:  c.PeerAddr,
		ServerName:  firstServerName(server),
		ServerPort:  server.Listen.Port,
	})
	if err != nil {
		e.log.Warn("cgi start %s: %v", scriptPath, err)
		e.respondError(c, server, 502, nil)
		return
	}

	up := &cgiUpstream{connFd: c.Fd, proc: proc, server: server, req: req}
	e.cgiByConn[c.Fd] = up

	if fd := proc.StdinFd(); fd >= 0 {
		e.cgiByPipe[fd] = up
		e.reactor.Register(fd, reactor.Writable)
	}
	e.cgiByPipe[proc.StdoutFd()] = up
	e.reactor.Register(proc.StdoutFd(), reactor.Readable)
	e.cgiByPipe[proc.StderrFd()] = up
	e.reactor.Register(proc.StderrFd(), reactor.Readable)

	c.State = conn.AwaitingUpstream
	e.reactor.Modify(c.Fd, 0)
}

// resolveScriptPath splits the decoded path into the on-disk script file
// and any trailing PATH_INFO segment, joined against the location's
// document root.
func resolveScriptPath(loc *config.Location, reqPath string) (script, pathInfo string) {
	root, rest := loc.DocumentRoot(reqPath)
	ext := loc.CGIExtension
	if ext == "" {
		return filepath.Join(root, rest), ""
	}
	idx := strings.Index(rest, ext)
	if idx < 0 {
		return filepath.Join(root, rest), ""
	}
	cut := idx + len(ext)
	return filepath.Join(root, rest[:cut]), rest[cut:]
}

func firstServerName(s *config.VirtualServer) string {
	if len(s.ServerNames) > 0 {
		return s.ServerNames[0]
	}
	return ""
}

// serviceCGI handles a readiness event on one of a CGI process's pipes.
func (e *Engine) serviceCGI(up *cgiUpstream, fd int, ev reactor.Event, now time.Time) {
	p := up.proc
	switch fd {
	case p.StdinFd():
		if ev.Writable {
			if err := p.WriteStdin(); err != nil {
				e.log.Warn("cgi stdin write: %v", err)
			}
			if p.StdinFd() < 0 {
				e.reactor.Unregister(fd)
				delete(e.cgiByPipe, fd)
			}
		}
	case p.StderrFd():
		if ev.Readable {
			p.ReadStderr()
		}
	case p.StdoutFd():
		if ev.Readable {
			if err := p.ReadStdout(); err != nil {
				e.log.Warn("cgi stdout read: %v", err)
			}
		}
	}

	if p.Done() {
		e.finishCGI(up)
	}
}

func (e *Engine) finishCGI(up *cgiUpstream) {
	c, ok := e.conns[up.connFd]
	if !ok {
		e.teardownCGI(up)
		return
	}

	p := up.proc
	p.Poll() // non-blocking reap; safe even if the child hasn't exited yet

	if len(p.Stderr()) > 0 {
		e.log.Debug("cgi stderr: %s", string(p.Stderr()))
	}

	resp, err := p.BuildResponse()
	e.teardownCGI(up)

	if err != nil {
		e.respondError(c, up.server, 502, nil)
	} else {
		e.applySession(up.req, resp)
		c.BeginResponse(resp, serverSoftware)
	}
	e.reactor.Modify(c.Fd, c.Interest())
}

// teardownCGI unregisters every pipe fd belonging to up and closes them,
// terminating the child if it is still running.
func (e *Engine) teardownCGI(up *cgiUpstream) {
	p := up.proc
	if exited, _ := p.Poll(); !exited {
		p.Terminate(cgiKillGrace)
		if p.ShouldKill() {
			p.Kill()
		}
	}
	for _, fd := range []int{p.StdinFd(), p.StdoutFd(), p.StderrFd()} {
		if fd >= 0 {
			e.reactor.Unregister(fd)
			delete(e.cgiByPipe, fd)
		}
	}
	delete(e.cgiByConn, up.connFd)
	p.Close()
}
