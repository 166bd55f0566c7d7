package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	return &buf
}

func TestResponseWriter(t *testing.T) {
	rr := httptest.NewRecorder()
	wrapped := wrapResponseWriter(rr)

	if wrapped.Status() != 0 {
		t.Errorf("Status() = %d before any write, want 0", wrapped.Status())
	}

	wrapped.WriteHeader(http.StatusNotFound)
	wrapped.WriteHeader(http.StatusOK)
	if wrapped.Status() != http.StatusNotFound {
		t.Errorf("Status() = %d, want %d (second WriteHeader must be ignored)", wrapped.Status(), http.StatusNotFound)
	}

	wrapped.Write([]byte("missing"))
	if wrapped.bytes != int64(len("missing")) {
		t.Errorf("bytes = %d, want %d", wrapped.bytes, len("missing"))
	}
}

func TestResponseWriter_WriteImpliesOK(t *testing.T) {
	wrapped := wrapResponseWriter(httptest.NewRecorder())
	wrapped.Write([]byte("ok"))

	if wrapped.Status() != http.StatusOK {
		t.Errorf("Status() = %d after Write, want 200", wrapped.Status())
	}
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		status     int
		wantLogged string
	}{
		{name: "route pattern and size", path: "/api/accounts/acc-1/sync?token=secret", status: http.StatusAccepted, wantLogged: "POST /api/accounts/{id}/sync 202 2B"},
		{name: "health success is quiet", path: "/health", status: http.StatusOK},
		{name: "health failure is logged", path: "/health", status: http.StatusServiceUnavailable, wantLogged: "POST /health 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)

			reply := func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("ok"))
			}
			r := chi.NewRouter()
			r.Use(Logging)
			r.Post("/api/accounts/{id}/sync", reply)
			r.Post("/health", reply)

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tt.path, nil))

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			got := buf.String()
			if tt.wantLogged == "" {
				if got != "" {
					t.Errorf("expected no log line, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.wantLogged) {
				t.Errorf("log = %q, want it to contain %q", got, tt.wantLogged)
			}
			if strings.Contains(got, "secret") {
				t.Errorf("log leaked the query string: %q", got)
			}
		})
	}
}
