package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestTracing_PassesThroughStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Tracing)
	r.Get("/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "acc-1" {
			t.Errorf("URLParam(id) = %q", chi.URLParam(r, "id"))
		}
		w.WriteHeader(http.StatusAccepted)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/accounts/acc-1", nil))

	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
}

func TestTracing_UnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Tracing)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
