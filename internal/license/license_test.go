package license

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rivercast/internal/errs"
	"rivercast/internal/observability/logging"
)

func TestHTTPClientAuthorizeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/licenses" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SessionID != "s1" || req.ViewerID != "v1" {
			t.Errorf("unexpected payload: %+v", req)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "license-abc"})
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{BaseURL: server.URL + "/", Token: "token", Logger: logging.Discard(), RetryInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	grant, err := client.Authorize(context.Background(), Request{SessionID: "s1", ViewerID: "v1"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Token != "license-abc" || len(grant.Raw) == 0 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestHTTPClientAuthorizeDenied(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no entitlement", http.StatusForbidden)
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{BaseURL: server.URL, Logger: logging.Discard(), RetryInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	_, err = client.Authorize(context.Background(), Request{SessionID: "s1", ViewerID: "v1"})
	if !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("denials must not be retried, got %d calls", calls.Load())
	}
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	if _, err := NewHTTPClient(Config{}); err == nil {
		t.Fatal("expected error without base url")
	}
}
