package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level}))
}

func TestRequestLoggerFields(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  float64
		wantBytes float64
	}{
		{
			name:      "body without header",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			wantCode:  200,
			wantBytes: 2,
		},
		{
			name:     "nothing written",
			handler:  func(w http.ResponseWriter, r *http.Request) {},
			wantCode: 200,
		},
		{
			name: "first header wins",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantCode: 201,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			RequestLogger(jsonLogger(&buf, slog.LevelInfo))(tt.handler).
				ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log output %q: %v", buf.String(), err)
			}
			if entry["method"] != "GET" || entry["path"] != "/api/v1/status" {
				t.Errorf("unexpected request fields %v", entry)
			}
			if entry["status"] != tt.wantCode || entry["bytes"] != tt.wantBytes {
				t.Errorf("status/bytes = %v/%v, want %v/%v", entry["status"], entry["bytes"], tt.wantCode, tt.wantBytes)
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("missing duration_ms")
			}
		})
	}
}

func TestRequestLoggerPollingAtDebug(t *testing.T) {
	var buf bytes.Buffer
	quiet := RequestLogger(jsonLogger(&buf, slog.LevelInfo))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, path := range []string{"/metrics", "/api/v1/health"} {
		quiet.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if buf.Len() != 0 {
		t.Fatalf("expected polling requests below info level, got %s", buf.String())
	}

	failing := RequestLogger(jsonLogger(&buf, slog.LevelInfo))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if buf.Len() == 0 {
		t.Fatal("expected failing health probe to be logged at info")
	}
}
