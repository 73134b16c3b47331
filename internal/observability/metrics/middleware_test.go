package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	recorder := New()
	router := chi.NewRouter()
	router.Use(HTTPMiddleware(recorder))
	router.Get("/api/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a1", "b2"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	}

	body := scrape(t, recorder, nil)
	expected := `rivercast_http_requests_total{method="GET",route="/api/sessions/{id}",status="418"} 2`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestResponseRecorderDefaultsToOK(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
	if again := NewResponseRecorder(rr); again != rr {
		t.Fatalf("expected wrapping a recorder to return it unchanged")
	}
	rr.WriteHeader(http.StatusAccepted)
	if rr.Status() != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Status())
	}
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	rr.WriteHeader(http.StatusCreated)
	rr.WriteHeader(http.StatusInternalServerError)
	if rr.Status() != http.StatusCreated {
		t.Fatalf("expected the first status to stick, got %d", rr.Status())
	}
}

func TestResponseRecorderHijackUnsupported(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("failed hijack should not change status, got %d", rr.Status())
	}
}
