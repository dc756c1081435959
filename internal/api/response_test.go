package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": "idle"})

	if w.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", w.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["state"] != "idle" {
		t.Errorf("unexpected data %v", env.Data)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusNotFound, "recording not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "recording not found" || env.Data != nil {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		query   string
		want    page
		wantErr error
	}{
		{"", page{Limit: defaultPageSize}, nil},
		{"?limit=5&offset=10", page{Limit: 5, Offset: 10}, nil},
		{"?limit=500", page{Limit: maxPageSize}, nil},
		{"?offset=0", page{Limit: defaultPageSize}, nil},
		{"?limit=abc", page{}, errBadLimit},
		{"?limit=0", page{}, errBadLimit},
		{"?limit=-5", page{}, errBadLimit},
		{"?offset=abc", page{}, errBadOffset},
		{"?offset=-1", page{}, errBadOffset},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/recordings"+tt.query, nil)
		got, err := parsePage(r)
		if err != tt.wantErr {
			t.Errorf("parsePage(%q) error = %v, want %v", tt.query, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parsePage(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		p          page
		total      int
		start, end int
	}{
		{page{Limit: 20}, 3, 0, 3},
		{page{Limit: 2, Offset: 1}, 3, 1, 3},
		{page{Limit: 2, Offset: 5}, 3, 3, 3},
		{page{Limit: 1, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := tt.p.bounds(tt.total)
		if start != tt.start || end != tt.end {
			t.Errorf("%+v.bounds(%d) = %d,%d, want %d,%d", tt.p, tt.total, start, end, tt.start, tt.end)
		}
	}
}
