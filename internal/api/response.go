package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// envelope wraps every JSON body as { "data": ..., "error": ... }.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode json response", "status", status, "error", err)
	}
}

// writeJSON writes data with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// writeError writes an error message with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg})
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	errBadLimit  = errors.New("limit must be a positive integer")
	errBadOffset = errors.New("offset must be a non-negative integer")
)

// page is a window into a listing.
type page struct {
	Limit  int
	Offset int
}

// bounds returns the slice indexes of the page within total items.
func (p page) bounds(total int) (start, end int) {
	start = min(p.Offset, total)
	end = min(start+p.Limit, total)
	return start, end
}

// PaginatedResponse wraps a page of list results.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// parsePage reads limit and offset from the query string. The limit is
// clamped to maxPageSize.
func parsePage(r *http.Request) (page, error) {
	p := page{Limit: defaultPageSize}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, errBadLimit
		}
		p.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, errBadOffset
		}
		p.Offset = n
	}
	return p, nil
}
