// Package preview fetches bounded chunks of remote files over HTTPS so the
// portal can render them inline without pulling entire datasets.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultSize is how many bytes of a remote file are fetched when the
// deployment does not configure its own limit.
const DefaultSize = 2048

// Error codes surfaced to the detail-preview page.
const (
	CodeURLNotFound      = "PreviewURLNotFound"
	CodeBinaryData       = "PreviewBinaryData"
	CodeTooLarge         = "PreviewDataTooLarge"
	CodePermissionDenied = "PreviewPermissionDenied"
	CodeNotFound         = "PreviewNotFound"
	CodeServerError      = "ServerError"
	CodeUnexpectedError  = "UnexpectedError"
)

// Error is a preview failure with a stable code the page branches on.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("preview failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("preview failed (%s)", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ServerSide reports whether the failure is the service's fault rather than
// the user's, which controls the log level in the handler.
func (e *Error) ServerSide() bool {
	return e.Code == CodeServerError || e.Code == CodeUnexpectedError
}

// NewURLNotFoundError signals that the record carries no previewable URL.
func NewURLNotFoundError(subject string) *Error {
	return &Error{Code: CodeURLNotFound, Message: fmt.Sprintf("no preview URL for %s", subject)}
}

// Fetcher retrieves preview data with a user's HTTPS access token.
type Fetcher struct {
	client *http.Client
	size   int
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for preview requests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithSize sets the maximum number of bytes fetched per preview.
func WithSize(size int) Option {
	return func(f *Fetcher) {
		if size > 0 {
			f.size = size
		}
	}
}

// NewFetcher constructs a preview fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	fetcher := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		size:   DefaultSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(fetcher)
		}
	}
	return fetcher
}

// Data is a rendered preview payload.
type Data struct {
	Text      string
	Truncated bool
}

// Fetch issues a ranged GET for the first chunk of the remote file and
// decodes it to UTF-8 text. The body read is capped at the configured size
// even when the server ignores the Range header.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, token string) (Data, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Data{}, &Error{Code: CodeURLNotFound, Message: "no preview URL provided"}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Data{}, &Error{Code: CodeUnexpectedError, Message: "invalid preview URL", Err: err}
	}
	request.Header.Set("Range", fmt.Sprintf("bytes=0-%d", f.size-1))
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := f.client.Do(request)
	if err != nil {
		return Data{}, &Error{Code: CodeServerError, Message: "preview fetch failed", Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return Data{}, &Error{Code: CodePermissionDenied, Message: "not authorized to preview this file"}
	case response.StatusCode == http.StatusNotFound:
		return Data{}, &Error{Code: CodeNotFound, Message: "file not found on the collection"}
	case response.StatusCode >= 500:
		return Data{}, &Error{Code: CodeServerError, Message: fmt.Sprintf("collection returned status %d", response.StatusCode)}
	case response.StatusCode >= 300:
		return Data{}, &Error{Code: CodeUnexpectedError, Message: fmt.Sprintf("unexpected status %d", response.StatusCode)}
	}

	// A 200 means the server ignored the Range header; refuse to stream a
	// file larger than the preview window.
	if response.StatusCode == http.StatusOK && response.ContentLength > int64(f.size) {
		return Data{}, &Error{Code: CodeTooLarge, Message: fmt.Sprintf("file is %d bytes, preview window is %d", response.ContentLength, f.size)}
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, int64(f.size)+1))
	if err != nil {
		return Data{}, &Error{Code: CodeServerError, Message: "read preview body", Err: err}
	}
	truncated := false
	if len(body) > f.size {
		body = body[:f.size]
		truncated = true
	}
	if response.StatusCode == http.StatusPartialContent {
		truncated = truncated || contentLargerThanRange(response)
	}

	text, err := decodeText(body)
	if err != nil {
		return Data{}, err
	}
	return Data{Text: text, Truncated: truncated}, nil
}

func contentLargerThanRange(response *http.Response) bool {
	// Content-Range: bytes 0-2047/53812
	header := response.Header.Get("Content-Range")
	_, total, found := strings.Cut(header, "/")
	if !found || total == "*" {
		return false
	}
	var rangeEnd, size int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", new(int64), &rangeEnd, &size); err != nil {
		return false
	}
	return size > rangeEnd+1
}

// decodeText transcodes the fetched bytes to UTF-8, honouring UTF-8 and
// UTF-16 byte order marks. Payloads that are not text map to a binary-data
// error rather than rendering garbage.
func decodeText(body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	decoded, _, err := transform.Bytes(decoder, body)
	if err != nil || !utf8.Valid(decoded) || looksBinary(decoded) {
		return "", &Error{Code: CodeBinaryData, Message: "file contains binary data", Err: err}
	}
	// The range boundary can split a multibyte rune; drop the partial tail.
	for len(decoded) > 0 {
		r, size := utf8.DecodeLastRune(decoded)
		if r != utf8.RuneError || size > 1 {
			break
		}
		decoded = decoded[:len(decoded)-1]
	}
	return string(bytes.ToValidUTF8(decoded, nil)), nil
}

func looksBinary(data []byte) bool {
	replacements := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == 0 {
			return true
		}
		if r == utf8.RuneError && size == 1 {
			replacements++
		} else if r == '�' {
			replacements++
		}
		i += size
	}
	// A handful of replacement runes can come from a split range boundary;
	// more than that means the payload was never text.
	return replacements > 4
}

// IsCode reports whether err is a preview Error with the given code.
func IsCode(err error, code string) bool {
	var previewErr *Error
	return errors.As(err, &previewErr) && previewErr.Code == code
}
