// Package extract uploads scanned documents (images or PDFs) to the
// document-extraction service and returns the clinical record patch it
// reads from them.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"slices"
	"time"

	"github.com/MrWong99/consultia/pkg/record"
)

const (
	// DefaultMaxBytes caps an upload at 10 MiB.
	DefaultMaxBytes = 10 << 20

	defaultTimeout = 60 * time.Second
	formField      = "file"
)

// AllowedTypes are the sniffed content types accepted for upload.
var AllowedTypes = []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}

var (
	// ErrTooLarge is returned when a document exceeds the size cap.
	ErrTooLarge = errors.New("extract: document too large")

	// ErrUnsupportedType is returned for content outside [AllowedTypes].
	ErrUnsupportedType = errors.New("extract: unsupported document type")

	// ErrRejected wraps an error the service reported about the document
	// itself, with a success status or a 4xx.
	ErrRejected = errors.New("extract: rejected by service")
)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithMaxBytes sets the upload size cap.
func WithMaxBytes(n int64) Option {
	return func(cl *Client) { cl.maxBytes = n }
}

// Client talks to one extraction endpoint.
type Client struct {
	url      string
	http     *http.Client
	maxBytes int64
}

// New creates a client posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		http:     &http.Client{Timeout: defaultTimeout},
		maxBytes: DefaultMaxBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type response struct {
	Success bool       `json:"success"`
	Data    record.Map `json:"data"`
	Error   string     `json:"error"`
}

// Extract uploads the document read from r and returns the record patch.
// The whole document is buffered so that its size and type can be checked
// before anything is sent.
func (c *Client) Extract(ctx context.Context, filename string, r io.Reader) (record.Map, error) {
	doc, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("extract: read document: %w", err)
	}
	if int64(len(doc)) > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}
	ctype := DetectType(doc)
	if !slices.Contains(AllowedTypes, ctype) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ctype)
	}

	body, boundary, err := encode(filename, ctype, doc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("extract: build request: %w", err)
	}
	req.Header.Set("Content-Type", boundary)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: post: %w", err)
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("extract: decode response (status %d): %w", resp.StatusCode, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("extract: service error (status %d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	if out.Data == nil {
		out.Data = record.Map{}
	}
	return out.Data, nil
}

// DetectType sniffs the content type of doc, dropping any parameters.
func DetectType(doc []byte) string {
	ct := http.DetectContentType(doc)
	for i := range len(ct) {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

func encode(filename, ctype string, doc []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, formField, filepath.Base(filename)))
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("extract: create part: %w", err)
	}
	if _, err := part.Write(doc); err != nil {
		return nil, "", fmt.Errorf("extract: write part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("extract: close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
