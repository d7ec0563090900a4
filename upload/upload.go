// Package upload is the multipart upload handler spec.md section 4.E's
// dispatch table names for the POST-plus-multipart case: it parses the
// request body's parts and stores each file part under a location's
// upload directory with an unguessable name (spec.md section 6),
// grounded on _examples/original_source/src/upload.rs's save-under-
// upload-dir shape, re-expressed with httpmsg's already-decoded parts
// instead of re-parsing the wire form.
package upload

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/httpmsg"
	"github.com/kfcemployee/webserv/httpresp"
)

// Result is the outcome of handling an upload request.
type Result struct {
	Response  *httpresp.Response
	ErrorCode int
}

// StoredFile records where one uploaded part landed, for the response
// body summary.
type StoredFile struct {
	Field    string
	FileName string
	StoredAs string
	Size     int
}

// Handle implements the upload path of spec.md section 4.E: parse the
// multipart body, write each file part to loc.UploadStore under a fresh
// unguessable name, and respond 201 listing what was stored. Non-file
// fields (no filename) are ignored.
func Handle(loc *config.Location, contentType string, body []byte) Result {
	if !loc.HasUpload() {
		return Result{ErrorCode: 500}
	}

	boundary, ok := httpmsg.BoundaryFromContentType(contentType)
	if !ok {
		return Result{ErrorCode: 400}
	}

	parts, err := httpmsg.ParseMultipart(body, boundary)
	if err != nil {
		return Result{ErrorCode: 400}
	}

	if err := os.MkdirAll(loc.UploadStore, 0o755); err != nil {
		return Result{ErrorCode: 500}
	}

	var stored []StoredFile
	for _, p := range parts {
		if p.FileName == "" {
			continue
		}
		name, err := unguessableName(p.FileName)
		if err != nil {
			return Result{ErrorCode: 500}
		}
		dest := filepath.Join(loc.UploadStore, name)
		if err := os.WriteFile(dest, p.Data, 0o644); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return Result{ErrorCode: 403}
			}
			return Result{ErrorCode: 500}
		}
		stored = append(stored, StoredFile{
			Field:    p.Name,
			FileName: p.FileName,
			StoredAs: name,
			Size:     len(p.Data),
		})
	}

	if len(stored) == 0 {
		return Result{ErrorCode: 400}
	}

	resp := &httpresp.Response{StatusCode: 201}
	resp.AddHeader("Content-Type", "text/plain; charset=utf-8")
	resp.Body = httpresp.NewByteBody([]byte(summarize(stored)))
	return Result{Response: resp}
}

// unguessableName mints a random hex-prefixed filename that preserves
// the original extension, so uploaded content can never overwrite an
// existing file or be guessed from its original name.
func unguessableName(original string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	ext := filepath.Ext(original)
	return hex.EncodeToString(b) + ext, nil
}

func summarize(stored []StoredFile) string {
	var sb strings.Builder
	for _, s := range stored {
		sb.WriteString(s.Field)
		sb.WriteString(" ")
		sb.WriteString(s.FileName)
		sb.WriteString(" -> ")
		sb.WriteString(s.StoredAs)
		sb.WriteString(" (")
		sb.WriteString(strconv.Itoa(s.Size))
		sb.WriteString(" bytes)\n")
	}
	return sb.String()
}
