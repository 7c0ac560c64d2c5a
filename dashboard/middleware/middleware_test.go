package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://dash.example.com"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/classes", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("handler not reached, code %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/classes", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin got Allow-Origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/classes", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("preflight code = %d", w.Code)
	}
}

func TestOriginAllowed(t *testing.T) {
	if !OriginAllowed([]string{"*"}, "http://anything") {
		t.Error("wildcard should allow any origin")
	}
	if !OriginAllowed(nil, "") {
		t.Error("same-origin requests carry no Origin and must pass")
	}
	if OriginAllowed(nil, "http://x") {
		t.Error("empty list allows nothing cross-origin")
	}
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/classes?env=prod", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", w.Code)
	}
}
