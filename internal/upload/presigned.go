// Package upload sends audio straight to object storage using a presigned
// POST descriptor issued by the jobs API. It makes exactly one attempt.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

// File is the payload handed to the transport.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// Error reports a rejected upload. Status is zero when the request never
// got an answer.
type Error struct {
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	return fmt.Sprintf("upload rejected: status=%d: %s", e.Status, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport performs presigned POST uploads.
type Transport struct {
	httpClient *http.Client
}

// NewTransport returns a Transport. httpClient is optional; the default has
// no overall timeout because uploads can be large.
func NewTransport(httpClient *http.Client) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 2 * time.Minute,
		}}
	}
	return &Transport{httpClient: httpClient}
}

// Upload posts f to the descriptor's URL. The descriptor fields go first and
// the file part last, as storage services require.
func (t *Transport) Upload(ctx context.Context, desc model.UploadDescriptor, f File) error {
	if desc.URL == "" {
		return &Error{Err: errors.New("upload descriptor has no url")}
	}
	if desc.Type != "" && desc.Type != model.UploadTypePresignedPost {
		return &Error{Err: fmt.Errorf("unsupported upload type %q", desc.Type)}
	}
	if f.Body == nil {
		return &Error{Err: errors.New("no file body")}
	}

	// Build the multipart envelope around the file without buffering the
	// file itself, so Content-Length is known up front.
	var envelope bytes.Buffer
	mw := multipart.NewWriter(&envelope)
	keys := make([]string, 0, len(desc.Fields))
	for k := range desc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, desc.Fields[k]); err != nil {
			return &Error{Err: fmt.Errorf("write field %s: %w", k, err)}
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	if f.ContentType != "" {
		header.Set("Content-Type", f.ContentType)
	}
	if _, err := mw.CreatePart(header); err != nil {
		return &Error{Err: fmt.Errorf("create file part: %w", err)}
	}
	prefixLen := envelope.Len()
	if err := mw.Close(); err != nil {
		return &Error{Err: fmt.Errorf("close multipart: %w", err)}
	}
	raw := envelope.Bytes()
	prefix, suffix := raw[:prefixLen], raw[prefixLen:]

	body := io.MultiReader(bytes.NewReader(prefix), f.Body, bytes.NewReader(suffix))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.URL, body)
	if err != nil {
		return &Error{Err: fmt.Errorf("new request: %w", err)}
	}
	req.ContentLength = int64(len(prefix)) + f.Size + int64(len(suffix))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := t.httpClient.Do(req)
	if err != nil {
		return &Error{Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &Error{Status: res.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
