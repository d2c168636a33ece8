package ingest

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	// DefaultMaxBytes is the upload ceiling when none is configured.
	DefaultMaxBytes = 256 * 1024

	// HeaderName is an alternate source for the display filename, checked
	// when Content-Disposition carries none.
	HeaderName = "X-Name"
)

// ValidationError rejects an upload before any body byte is read.
type ValidationError struct {
	Status int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Reason)
}

// CapacityError is returned when the payload is larger than allowed, either
// as declared or as actually sent.
type CapacityError struct {
	Limit  int64
	Length int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Length, e.Limit)
}

// Policy is the set of uploads a node accepts.
type Policy struct {
	MaxBytes   int64
	extensions map[string]struct{}
	mimeTypes  map[string]struct{}
}

func NewPolicy(maxBytes int64, extensions, mimeTypes []string) Policy {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	p := Policy{
		MaxBytes:   maxBytes,
		extensions: make(map[string]struct{}, len(extensions)),
		mimeTypes:  make(map[string]struct{}, len(mimeTypes)),
	}
	for _, ext := range extensions {
		p.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	for _, mt := range mimeTypes {
		p.mimeTypes[strings.ToLower(mt)] = struct{}{}
	}
	return p
}

// Descriptor is what an accepted upload declared about itself.
type Descriptor struct {
	Name      string
	Extension string
	MimeType  string
	Length    int64
}

// Validate applies the upload rules in order and stops at the first one
// that fails. contentLength is -1 when the request declared none; a declared
// length of zero is treated the same way since there is nothing to store.
func (p Policy) Validate(h http.Header, contentLength int64) (Descriptor, error) {
	name, ok := displayName(h)
	if !ok {
		return Descriptor{}, &ValidationError{Status: http.StatusBadRequest, Reason: "missing or unparseable file name"}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if _, ok := p.extensions[ext]; !ok || ext == "" {
		return Descriptor{}, &ValidationError{Status: http.StatusBadRequest, Reason: fmt.Sprintf("unsupported file extension %q", ext)}
	}

	ct := h.Get("Content-Type")
	if ct == "" {
		return Descriptor{}, &ValidationError{Status: http.StatusBadRequest, Reason: "missing content type"}
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return Descriptor{}, &ValidationError{Status: http.StatusBadRequest, Reason: "unparseable content type"}
	}
	if _, ok := p.mimeTypes[mt]; !ok {
		return Descriptor{}, &ValidationError{Status: http.StatusUnsupportedMediaType, Reason: fmt.Sprintf("unsupported media type %q", mt)}
	}

	if contentLength <= 0 {
		return Descriptor{}, &ValidationError{Status: http.StatusLengthRequired, Reason: "missing content length"}
	}
	if contentLength > p.MaxBytes {
		return Descriptor{}, &CapacityError{Limit: p.MaxBytes, Length: contentLength}
	}

	return Descriptor{Name: name, Extension: ext, MimeType: mt, Length: contentLength}, nil
}

func displayName(h http.Header) (string, bool) {
	if cd := h.Get("Content-Disposition"); cd != "" {
		_, params, err := mime.ParseMediaType(cd)
		if err != nil {
			return "", false
		}
		if name := cleanName(params["filename"]); name != "" {
			return name, true
		}
	}
	if name := cleanName(h.Get(HeaderName)); name != "" {
		return name, true
	}
	return "", false
}

// cleanName keeps only the final path element of a client supplied name.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// StatusOf maps a pipeline error to the response status.
func StatusOf(err error) int {
	var verr *ValidationError
	var cerr *CapacityError
	switch {
	case errors.As(err, &verr):
		return verr.Status
	case errors.As(err, &cerr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrShortBody):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
