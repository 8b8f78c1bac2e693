package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"

	"github.com/abdelmounim-dev/chatsync/syncerr"
)

func (e *Executor) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return e.Execute(ctx, http.MethodGet, path, nil, nil)
}

func (e *Executor) Post(ctx context.Context, path string, body any) (*Response, error) {
	return e.Execute(ctx, http.MethodPost, path, body, nil)
}

func (e *Executor) Put(ctx context.Context, path string, body any) (*Response, error) {
	return e.Execute(ctx, http.MethodPut, path, body, nil)
}

func (e *Executor) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return e.Execute(ctx, http.MethodPatch, path, body, nil)
}

func (e *Executor) Delete(ctx context.Context, path string) (*Response, error) {
	return e.Execute(ctx, http.MethodDelete, path, nil, nil)
}

// File is one part of a multipart upload.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Upload sends a multipart/form-data request. Only POST and PATCH are
// accepted. The body is buffered so the 401 retry can resend it.
func (e *Executor) Upload(ctx context.Context, method, path string, fields map[string]string, files []File) (*Response, error) {
	if method != http.MethodPost && method != http.MethodPatch {
		return nil, &syncerr.ValidationError{Field: "method", Reason: fmt.Sprintf("multipart %s not supported", method)}
	}

	payload, contentType, err := encodeMultipart(fields, files)
	if err != nil {
		return nil, err
	}
	return e.authenticated(ctx, method, path, payload, contentType, nil)
}

func encodeMultipart(fields map[string]string, files []File) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", fmt.Errorf("api: failed to write field %s: %w", k, err)
		}
	}

	for _, f := range files {
		if f.Field == "" {
			return nil, "", &syncerr.ValidationError{Field: "file", Reason: "form field name required"}
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
		contentType := f.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(f.Data)
		}
		header.Set("Content-Type", contentType)

		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("api: failed to create part %s: %w", f.Field, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("api: failed to write part %s: %w", f.Field, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("api: failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
