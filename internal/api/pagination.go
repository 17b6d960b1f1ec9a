package api

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// PaginationParams holds parsed limit/offset query parameters.
type PaginationParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePagination extracts limit and offset from the request.
// Defaults: limit=50, offset=0. Limits above 200 are capped. Non-numeric or
// negative values are reported as field errors.
func ParsePagination(r *http.Request) (PaginationParams, map[string]string) {
	p := PaginationParams{Limit: defaultLimit}
	errs := map[string]string{}

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil || n < 1:
			errs["limit"] = "must be a positive integer"
		case n > maxLimit:
			p.Limit = maxLimit
		default:
			p.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs["offset"] = "must be a non-negative integer"
		} else {
			p.Offset = n
		}
	}

	if len(errs) > 0 {
		return p, errs
	}
	return p, nil
}

// ParseLimit reads an optional bounded limit such as ?limit= on similarity
// queries.
func ParseLimit(r *http.Request, name string, def, max int) (int, map[string]string) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > max {
		return 0, map[string]string{name: fmt.Sprintf("must be an integer between 1 and %d", max)}
	}
	return n, nil
}

// ListResponse is the envelope for paginated collections.
type ListResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
