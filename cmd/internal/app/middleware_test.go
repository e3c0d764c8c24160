package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		level  slog.Level
		result string
		class  string
	}{
		{101, slog.LevelInfo, "success", "1xx"},
		{201, slog.LevelInfo, "success", "2xx"},
		{304, slog.LevelInfo, "redirect", "3xx"},
		{413, slog.LevelWarn, "client_error", "4xx"},
		{502, slog.LevelError, "server_error", "5xx"},
		{0, slog.LevelInfo, "success", "unknown"},
	}
	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.level || result != tc.result {
			t.Fatalf("requestLogMeta(%d)=(%v,%q) want (%v,%q)", tc.status, level, result, tc.level, tc.result)
		}
		if got := statusClass(tc.status); got != tc.class {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.class)
		}
	}
}

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, "too big")
	}), log)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/uploads", nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if rec["level"] != "WARN" || rec["path"] != "/uploads" || rec["status_class"] != "4xx" {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["bytes"] != float64(len("too big")) {
		t.Fatalf("bytes=%v", rec["bytes"])
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CORSAllowedOrigins:   []string{"https://chat.example.com/", "http://localhost:*"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}

	cases := []struct {
		name       string
		method     string
		origin     string
		headers    map[string]string
		wantStatus int
		wantNext   bool
		wantAllow  string
	}{
		{name: "no origin", method: http.MethodGet, wantStatus: http.StatusOK, wantNext: true},
		{name: "exact origin", method: http.MethodGet, origin: "https://chat.example.com", wantStatus: http.StatusOK, wantNext: true, wantAllow: "https://chat.example.com"},
		{name: "any localhost port", method: http.MethodPost, origin: "http://localhost:5173", wantStatus: http.StatusOK, wantNext: true, wantAllow: "http://localhost:5173"},
		{name: "wildcard needs a port", method: http.MethodGet, origin: "http://localhost", wantStatus: http.StatusForbidden},
		{name: "other origin", method: http.MethodGet, origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{
			name:       "websocket upgrade skips cors",
			method:     http.MethodGet,
			origin:     "https://evil.example.com",
			headers:    map[string]string{"Upgrade": "websocket"},
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:       "preflight",
			method:     http.MethodOptions,
			origin:     "https://chat.example.com",
			headers:    map[string]string{"Access-Control-Request-Method": "POST", "Access-Control-Request-Headers": "Authorization"},
			wantStatus: http.StatusNoContent,
			wantAllow:  "https://chat.example.com",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			called := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}), cfg, discardLogger())

			req := httptest.NewRequest(tc.method, "/uploads", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus || called != tc.wantNext {
				t.Fatalf("status=%d next=%v want status=%d next=%v", rr.Code, called, tc.wantStatus, tc.wantNext)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow-origin=%q want %q", got, tc.wantAllow)
			}
			if tc.method == http.MethodOptions {
				if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "Authorization" {
					t.Fatalf("allow-headers=%q", got)
				}
				if got := rr.Header().Get("Access-Control-Max-Age"); got != "600" {
					t.Fatalf("max-age=%q", got)
				}
			}
		})
	}
}

func TestWithCORS_PassThroughWhenUnconfigured(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := WithCORS(next, Config{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected untouched response, got %d %v", rr.Code, rr.Header())
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); !strings.EqualFold(got, v) {
			t.Fatalf("%s=%q want %q", k, got, v)
		}
	}
}
