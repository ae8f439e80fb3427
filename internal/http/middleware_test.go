package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestAccessLogCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	srv := NewServer(Deps{}, slog.New(slog.NewJSONHandler(&buf, nil)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/surge?lat=9&lon=38", nil)
	req.Header.Set("X-Request-ID", "r1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("surge = %d", rec.Code)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	got := lines[0]
	if got["msg"] != "http_request" || got["request_id"] != "r1" || got["route"] != "/api/v1/surge" {
		t.Fatalf("access log = %v", got)
	}
	if got["bytes"].(float64) <= 0 {
		t.Fatalf("bytes not counted: %v", got)
	}
}

func TestHealthAndMetricsStayOutOfAccessLog(t *testing.T) {
	var buf bytes.Buffer
	srv := NewServer(Deps{}, slog.New(slog.NewJSONHandler(&buf, nil)))
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestRecoveryReturnsJSON(t *testing.T) {
	var buf bytes.Buffer
	// No lifecycle service: the booking lookup panics on the nil service.
	srv := NewServer(Deps{}, slog.New(slog.NewJSONHandler(&buf, nil)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Kind != "internal" {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}
	lines := logLines(t, &buf)
	if len(lines) == 0 || lines[0]["msg"] != "panic_recovered" || lines[0]["request_id"] == nil {
		t.Fatalf("logs = %v", lines)
	}
}
