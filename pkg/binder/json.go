package binder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"
	"unicode"
)

// DefaultMaxJSONSize caps request bodies (1 MiB).
const DefaultMaxJSONSize int64 = 1 << 20

// Option configures the JSON binder.
type Option func(*jsonBinder)

// WithMaxBodySize overrides DefaultMaxJSONSize.
func WithMaxBodySize(n int64) Option {
	return func(b *jsonBinder) {
		if n > 0 {
			b.maxSize = n
		}
	}
}

// WithEmptyBody accepts requests with no body, leaving the target at its zero value.
func WithEmptyBody() Option {
	return func(b *jsonBinder) { b.allowEmpty = true }
}

type jsonBinder struct {
	maxSize    int64
	allowEmpty bool
}

// JSON returns a binder that strictly decodes an application/json body:
// unknown fields and trailing data are rejected, and every string field is
// trimmed of surrounding whitespace and control characters.
func JSON(opts ...Option) func(r *http.Request, v any) error {
	b := &jsonBinder{maxSize: DefaultMaxJSONSize}
	for _, opt := range opts {
		opt(b)
	}
	return b.bind
}

func (b *jsonBinder) bind(r *http.Request, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidTarget
	}
	if err := r.Context().Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToParseJSON, err)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, b.maxSize+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrFailedToParseJSON, err)
	}
	if int64(len(body)) > b.maxSize {
		return fmt.Errorf("%w: max %d bytes", ErrRequestTooLarge, b.maxSize)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if b.allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: empty body", ErrFailedToParseJSON)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return fmt.Errorf("%w: expected application/json", ErrMissingContentType)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("%w: got %q, expected application/json", ErrUnsupportedMediaType, contentType)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToParseJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON object", ErrFailedToParseJSON)
	}

	trimStrings(rv.Elem())
	return nil
}

func trimStrings(rv reflect.Value) {
	switch rv.Kind() {
	case reflect.String:
		if rv.CanSet() {
			rv.SetString(strings.TrimFunc(rv.String(), func(r rune) bool {
				return unicode.IsSpace(r) || unicode.IsControl(r)
			}))
		}
	case reflect.Struct:
		for i := range rv.NumField() {
			if f := rv.Field(i); f.CanSet() {
				trimStrings(f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			trimStrings(rv.Index(i))
		}
	case reflect.Pointer:
		if !rv.IsNil() {
			trimStrings(rv.Elem())
		}
	}
}
