// Package cgi is component G, the CGI Bridge: spawns a script interpreter
// as a child process and shuttles the request body and response through
// non-blocking pipes registered with the reactor, rather than blocking
// the event loop on the child's I/O.
//
// _examples/original_source/src/cgi/mod.rs sketches exactly this design
// in a comment ("NON-BLOCKING CGI I/O SUGGESTION": fcntl the pipes
// O_NONBLOCK, register with epoll, poll for completion instead of
// wait_with_output) but never implements it — every code path in that
// file calls the blocking wait_with_output instead. This package builds
// the suggestion the original only sketched, using reactor.SetNonblocking
// in place of the original's raw fcntl call and syscall.Wait4 with
// WNOHANG in place of a blocking child.wait().
package cgi

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/httpresp"
	"github.com/kfcemployee/webserv/reactor"
)

// Request carries everything the CGI environment needs to describe the
// inbound HTTP request, mirroring original_source's CgiRequest struct.
type Request struct {
	ScriptPath  string
	PathInfo    string
	Method      string
	URI         string
	QueryString string
	Headers     map[string]string
	Body        []byte
	RemoteAddr  string
	ServerName  string
	ServerPort  int
}

// Process is one running CGI child, tracked by the engine via the fds it
// exposes rather than a direct reference cycle back to the connection
// (spec.md section 9's cyclic-ownership note: the engine's cgiUpstream
// records, keyed by the client's fd, hold the Process; the Process holds
// only its pipe files and the *exec.Cmd, never a pointer back to the
// connection).
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File // parent's write end
	stdout *os.File // parent's read end
	stderr *os.File // parent's read end

	stdinBuf  []byte // request body still to be written
	stdinDone bool

	outBuf bytes.Buffer
	errBuf bytes.Buffer

	outEOF bool
	errEOF bool

	started   time.Time
	reaped    bool
	exitCode  int
	sigSent   bool
	killAfter time.Time
}

// Start spawns the interpreter named by loc.CGIPass against req, wiring
// three non-blocking pipes for stdin/stdout/stderr.
func Start(loc *config.Location, req Request) (*Process, error) {
	if _, err := os.Stat(req.ScriptPath); err != nil {
		return nil, fmt.Errorf("cgi: script not found: %w", err)
	}

	cmd := exec.Command(loc.CGIPass, req.ScriptPath)
	cmd.Env = buildEnvironment(req)
	cmd.Dir = dirOf(req.ScriptPath)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("cgi: start: %w", err)
	}

	// The child inherited its ends of the pipes; the parent only needs
	// the other halves from here on.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	for _, f := range []*os.File{stdinW, stdoutR, stderrR} {
		if err := reactor.SetNonblocking(int(f.Fd())); err != nil {
			cmd.Process.Kill()
			return nil, fmt.Errorf("cgi: set nonblocking: %w", err)
		}
	}

	p := &Process{
		cmd:      cmd,
		stdin:    stdinW,
		stdout:   stdoutR,
		stderr:   stderrR,
		stdinBuf: req.Body,
		started:  time.Now(),
	}
	if len(p.stdinBuf) == 0 {
		p.stdinDone = true
		p.stdin.Close()
	}
	return p, nil
}

// StdinFd, StdoutFd, StderrFd are the descriptors the connection state
// machine registers with the reactor. StdinFd is -1 once fully written
// and closed.
func (p *Process) StdinFd() int {
	if p.stdinDone {
		return -1
	}
	return int(p.stdin.Fd())
}
func (p *Process) StdoutFd() int { return int(p.stdout.Fd()) }
func (p *Process) StderrFd() int { return int(p.stderr.Fd()) }

// WriteStdin is called when the stdin fd reports writable: it drains as
// much of the buffered request body as the pipe accepts without
// blocking.
func (p *Process) WriteStdin() error {
	if p.stdinDone {
		return nil
	}
	n, err := p.stdin.Write(p.stdinBuf)
	p.stdinBuf = p.stdinBuf[n:]
	if err != nil && !isWouldBlock(err) {
		p.stdinDone = true
		p.stdin.Close()
		return fmt.Errorf("cgi: write stdin: %w", err)
	}
	if len(p.stdinBuf) == 0 {
		p.stdinDone = true
		p.stdin.Close()
	}
	return nil
}

// ReadStdout is called when the stdout fd reports readable: it drains
// what's immediately available into the response buffer.
func (p *Process) ReadStdout() error {
	return readInto(p.stdout, &p.outBuf, &p.outEOF)
}

// ReadStderr mirrors ReadStdout for the diagnostic stream, which the
// engine logs but never sends to the client.
func (p *Process) ReadStderr() error {
	return readInto(p.stderr, &p.errBuf, &p.errEOF)
}

func readInto(f *os.File, buf *bytes.Buffer, eof *bool) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			*eof = true
			return nil
		}
		if n == 0 {
			*eof = true
			return nil
		}
	}
}

// Done reports whether the child's stdout has reached EOF (the response
// is completely buffered). Stderr is not waited for.
func (p *Process) Done() bool { return p.outEOF }

// Stderr returns whatever diagnostic output the child wrote, for the
// engine's error log.
func (p *Process) Stderr() []byte { return p.errBuf.Bytes() }

// BuildResponse parses the CGI output already buffered in ReadStdout
// into an HTTP response, per spec.md's CGI response mapping: a Status
// header sets the status line, a Location header without Status implies
// a redirect, and any remaining headers pass through unchanged.
func (p *Process) BuildResponse() (*httpresp.Response, error) {
	raw := p.outBuf.Bytes()
	sep := bytes.Index(raw, []byte("\r\n\r\n"))
	altSep := bytes.Index(raw, []byte("\n\n"))
	headerLen := -1
	bodyStart := -1
	if sep >= 0 {
		headerLen, bodyStart = sep, sep+4
	} else if altSep >= 0 {
		headerLen, bodyStart = altSep, altSep+2
	}
	if headerLen < 0 {
		return nil, fmt.Errorf("cgi: response has no header/body separator")
	}

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[:headerLen])))
	hdrs, err := reader.ReadMIMEHeader()
	if err != nil && len(hdrs) == 0 {
		return nil, fmt.Errorf("cgi: malformed headers: %w", err)
	}

	status := 200
	reason := ""
	resp := &httpresp.Response{}

	if v := hdrs.Get("Status"); v != "" {
		fields := strings.SplitN(v, " ", 2)
		if n, err := strconv.Atoi(fields[0]); err == nil {
			status = n
		}
		if len(fields) == 2 {
			reason = fields[1]
		}
		hdrs.Del("Status")
	} else if hdrs.Get("Location") != "" {
		status = 302
	}

	for name, values := range hdrs {
		for _, v := range values {
			resp.AddHeader(name, v)
		}
	}

	resp.StatusCode = status
	resp.Reason = reason
	resp.Body = httpresp.NewByteBody(raw[bodyStart:])
	return resp, nil
}

// Terminate begins graceful shutdown: SIGTERM first, then the connection
// state machine calls Kill once killAfter elapses if the process is
// still running (spec.md's CGI timeout handling, 504 on timeout).
func (p *Process) Terminate(grace time.Duration) {
	if p.sigSent {
		return
	}
	p.sigSent = true
	p.killAfter = time.Now().Add(grace)
	p.cmd.Process.Signal(syscall.SIGTERM)
}

// ShouldKill reports whether the grace period after Terminate has
// elapsed without the process reaping.
func (p *Process) ShouldKill() bool {
	return p.sigSent && !p.reaped && time.Now().After(p.killAfter)
}

func (p *Process) Kill() {
	p.cmd.Process.Kill()
}

// Poll performs a non-blocking reap (WNOHANG), matching the original's
// own suggestion to "poll for process completion" instead of blocking on
// wait(). Returns true once the child has been reaped.
func (p *Process) Poll() (exited bool, exitCode int) {
	if p.reaped {
		return true, p.exitCode
	}
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(p.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil || pid == 0 {
		return false, 0
	}
	p.reaped = true
	p.exitCode = ws.ExitStatus()
	return true, p.exitCode
}

// Close releases the pipe fds still open; safe to call multiple times.
func (p *Process) Close() {
	if !p.stdinDone {
		p.stdin.Close()
	}
	p.stdout.Close()
	p.stderr.Close()
}

func isWouldBlock(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EWOULDBLOCK
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// buildEnvironment assembles the CGI/1.1 environment, grounded on
// original_source's build_environment plus the SERVER_SOFTWARE and
// REQUEST_URI variables its distillation into spec.md dropped.
func buildEnvironment(req Request) []string {
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_SOFTWARE":   "webserv/1.0",
		"REQUEST_METHOD":    req.Method,
		"REQUEST_URI":       req.URI,
		"SCRIPT_NAME":       req.ScriptPath,
		"SCRIPT_FILENAME":   req.ScriptPath,
		"PATH_INFO":         req.PathInfo,
		"PATH_TRANSLATED":   req.ScriptPath + req.PathInfo,
		"QUERY_STRING":      req.QueryString,
		"CONTENT_LENGTH":    strconv.Itoa(len(req.Body)),
		"REMOTE_ADDR":       req.RemoteAddr,
		"SERVER_NAME":       req.ServerName,
		"SERVER_PORT":       strconv.Itoa(req.ServerPort),
	}
	if ct, ok := req.Headers["content-type"]; ok {
		env["CONTENT_TYPE"] = ct
	}
	for name, value := range req.Headers {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env[key] = value
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
