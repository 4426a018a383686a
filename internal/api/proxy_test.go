package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEngineProxy_InvalidTarget(t *testing.T) {
	for _, target := range []string{"", "127.0.0.1:11434", "://bad"} {
		if _, err := NewEngineProxy(target, 0, 0); err == nil {
			t.Errorf("NewEngineProxy(%q): expected error", target)
		}
	}
}

func TestEngineProxy_Streams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range []string{`{"a":1}`, `{"b":2}`} {
			w.Write([]byte(line + "\n"))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	proxy, err := NewEngineProxy(upstream.URL, 0, 0)
	if err != nil {
		t.Fatalf("NewEngineProxy: %v", err)
	}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "{\"a\":1}\n{\"b\":2}\n" {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestEngineProxy_RateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	// One token, refilled far slower than the test runs.
	proxy, err := NewEngineProxy(upstream.URL, 0.001, 1)
	if err != nil {
		t.Fatalf("NewEngineProxy: %v", err)
	}

	first := httptest.NewRecorder()
	proxy.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/tags", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	proxy.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/tags", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestEngineProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close()

	proxy, err := NewEngineProxy(upstream.URL, 0, 0)
	if err != nil {
		t.Fatalf("NewEngineProxy: %v", err)
	}
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tags", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
