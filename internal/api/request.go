package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxBodySize is the maximum allowed request body size (1 MB).
const MaxBodySize = 1 << 20

// DecodeJSON reads and decodes a JSON request body into dst.
// It returns user-friendly error messages instead of leaking Go internals.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}

	// Enforce max body size.
	r.Body = http.MaxBytesReader(nil, r.Body, MaxBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil {
		return nil
	}

	// Translate common JSON errors into friendly messages.
	var syntaxErr *json.SyntaxError
	var unmarshalTypeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("malformed JSON at position %d", syntaxErr.Offset)
	case errors.As(err, &unmarshalTypeErr):
		return fmt.Errorf("invalid value for field %q: expected %s", unmarshalTypeErr.Field, unmarshalTypeErr.Type)
	case errors.Is(err, io.EOF):
		return errors.New("request body is empty")
	case errors.As(err, &maxBytesErr):
		return fmt.Errorf("request body exceeds maximum size of %d bytes", MaxBodySize)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return fmt.Errorf("unknown field %s", field)
	default:
		return errors.New("invalid JSON in request body")
	}
}

// PathID parses a positive integer path value such as {id}.
func PathID(r *http.Request, name string) (uint, error) {
	raw := r.PathValue(name)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint(n), nil
}

// QueryParser reads typed query parameters and collects field errors.
type QueryParser struct {
	r    *http.Request
	errs map[string]string
}

// NewQueryParser creates a parser for r's query string.
func NewQueryParser(r *http.Request) *QueryParser {
	return &QueryParser{r: r, errs: map[string]string{}}
}

// String returns the trimmed value of name.
func (p *QueryParser) String(name string) string {
	return strings.TrimSpace(p.r.URL.Query().Get(name))
}

// Time parses an optional RFC3339 timestamp.
func (p *QueryParser) Time(name string) *time.Time {
	v := p.String(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.errs[name] = "must be an RFC3339 timestamp"
		return nil
	}
	t = t.UTC()
	return &t
}

// Uint parses an optional positive integer.
func (p *QueryParser) Uint(name string) *uint {
	v := p.String(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		p.errs[name] = "must be a positive integer"
		return nil
	}
	u := uint(n)
	return &u
}

// Bool parses an optional boolean, defaulting to false.
func (p *QueryParser) Bool(name string) bool {
	v := p.String(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs[name] = "must be a boolean"
		return false
	}
	return b
}

// OneOf accepts an optional value from allowed.
func (p *QueryParser) OneOf(name string, allowed ...string) string {
	v := p.String(name)
	if v == "" {
		return ""
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	p.errs[name] = "must be one of: " + strings.Join(allowed, " ")
	return ""
}

// Errors returns the collected field errors, or nil.
func (p *QueryParser) Errors() map[string]string {
	if len(p.errs) == 0 {
		return nil
	}
	return p.errs
}
