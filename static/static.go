// Package static is component F, the Static File Handler: resolves a
// request path under a document root and serves the file, a directory's
// default index, an autoindex listing, or a redirect-free GET/HEAD/DELETE
// response. Grounded on the static-file resolution rules described by
// _examples/original_source/src/static_handler.rs (root/alias join,
// directory index fallback, autoindex, DELETE semantics) re-expressed as
// idiomatic Go using os.Open/os.Stat rather than the original's
// std::fs calls.
package static

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/httpresp"
)

// FileBody streams a regular file's contents in bounded reads, handed to
// the connection's outbound queue as a Body (spec.md section 4.C: "reads
// in bounded chunks (e.g., 64 KiB) when the socket signals writable").
type FileBody struct {
	f         *os.File
	remaining int64
}

const readChunk = 64 << 10

func (b *FileBody) Read(p []byte) (int, bool, error) {
	if b.remaining <= 0 {
		return 0, true, nil
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	if len(p) > readChunk {
		p = p[:readChunk]
	}
	n, err := b.f.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF {
		err = nil
	}
	return n, b.remaining <= 0, err
}

func (b *FileBody) Len() int64   { return b.remaining }
func (b *FileBody) Close() error { return b.f.Close() }

// Result is the outcome of serving a static request: either a ready
// Response, or an error status to let the engine apply error-page
// substitution (spec.md section 4.E step 6).
type Result struct {
	Response  *httpresp.Response
	ErrorCode int
}

// Serve implements spec.md section 4.F.
func Serve(loc *config.Location, method, reqPath string, body []byte) Result {
	root, rest := loc.DocumentRoot(reqPath)
	if root == "" {
		return Result{ErrorCode: 404}
	}

	fullPath, err := resolveUnderRoot(root, rest)
	if err != nil {
		return Result{ErrorCode: 403}
	}

	switch method {
	case "DELETE":
		return serveDelete(fullPath)
	case "GET", "HEAD":
		return serveGetHead(loc, fullPath, method == "HEAD")
	default:
		// POST reaches the Static File Handler only when it didn't match
		// the Upload Handler's multipart+upload_store branch in Route;
		// _examples/original_source/src/static_handler.rs falls through
		// to 405 for any method other than GET/HEAD/DELETE once the
		// upload-store branch doesn't apply, so this does the same
		// rather than writing the request body to an arbitrary path.
		return Result{ErrorCode: 405}
	}
}

// resolveUnderRoot joins root and rest, then verifies the cleaned result
// is still a descendant of root — spec.md section 4.F: "if the result is
// not a descendant of the root -> 403".
func resolveUnderRoot(root, rest string) (string, error) {
	joined := filepath.Join(root, rest)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes document root")
	}
	return joined, nil
}

func serveDelete(fullPath string) Result {
	info, err := os.Stat(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return Result{ErrorCode: 404}
	}
	if err != nil {
		return Result{ErrorCode: 403}
	}
	if info.IsDir() {
		return Result{ErrorCode: 403}
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Result{ErrorCode: 403}
		}
		return Result{ErrorCode: 500}
	}
	return Result{Response: &httpresp.Response{StatusCode: 204, Body: httpresp.NewByteBody(nil)}}
}

func serveGetHead(loc *config.Location, fullPath string, headOnly bool) Result {
	info, err := os.Stat(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return Result{ErrorCode: 404}
	}
	if errors.Is(err, os.ErrPermission) {
		return Result{ErrorCode: 403}
	}
	if err != nil {
		return Result{ErrorCode: 500}
	}

	if info.IsDir() {
		return serveDirectory(loc, fullPath, headOnly)
	}
	return serveFile(fullPath, info.Size(), headOnly)
}

func serveFile(fullPath string, size int64, headOnly bool) Result {
	f, err := os.Open(fullPath)
	if errors.Is(err, os.ErrPermission) {
		return Result{ErrorCode: 403}
	}
	if err != nil {
		return Result{ErrorCode: 404}
	}

	resp := &httpresp.Response{StatusCode: 200}
	resp.AddHeader("Content-Type", mimeType(fullPath))
	if headOnly {
		f.Close()
		resp.Body = httpresp.NewByteBody(nil)
		resp.AddHeader("Content-Length", strconv.FormatInt(size, 10))
	} else {
		resp.Body = &FileBody{f: f, remaining: size}
	}
	return Result{Response: resp}
}

func serveDirectory(loc *config.Location, dirPath string, headOnly bool) Result {
	for _, idx := range loc.Index {
		candidate := filepath.Join(dirPath, idx)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return serveFile(candidate, info.Size(), headOnly)
		}
	}
	if loc.Autoindex {
		return serveAutoindex(dirPath, headOnly)
	}
	return Result{ErrorCode: 403}
}

var autoindexTemplate = template.Must(template.New("autoindex").Parse(`<!DOCTYPE html>
<html><head><title>Index of {{.Path}}</title></head>
<body><h1>Index of {{.Path}}</h1><ul>
{{range .Entries}}<li><a href="{{.Href}}">{{.Name}}</a></li>
{{end}}</ul></body></html>
`))

type autoindexEntry struct {
	Name string
	Href string
}

// serveAutoindex generates a directory listing, percent-encoding each
// link per spec.md section 9's open-question resolution ("assume yes").
func serveAutoindex(dirPath string, headOnly bool) Result {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return Result{ErrorCode: 403}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	listing := struct {
		Path    string
		Entries []autoindexEntry
	}{Path: dirPath}

	for _, e := range entries {
		name := e.Name()
		href := url.PathEscape(name)
		if e.IsDir() {
			name += "/"
			href += "/"
		}
		listing.Entries = append(listing.Entries, autoindexEntry{Name: name, Href: href})
	}

	var buf strings.Builder
	if err := autoindexTemplate.Execute(&buf, listing); err != nil {
		return Result{ErrorCode: 500}
	}

	resp := &httpresp.Response{StatusCode: 200}
	resp.AddHeader("Content-Type", "text/html; charset=utf-8")
	if headOnly {
		resp.Body = httpresp.NewByteBody(nil)
		resp.AddHeader("Content-Length", strconv.Itoa(buf.Len()))
	} else {
		resp.Body = httpresp.NewByteBody([]byte(buf.String()))
	}
	return Result{Response: resp}
}

func mimeType(path string) string {
	ext := filepath.Ext(path)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
