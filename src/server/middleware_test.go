package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/apimgr/buildhub/src/config"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	h := Chain(final, mw("first"), mw("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"first", "second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}
}

func TestRequestIDGenerated(t *testing.T) {
	m := NewMiddleware(config.Default(), nil)

	var seen string
	h := m.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("Expected a generated request id")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("Expected UUID request id, got %q", seen)
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Error("Expected request id echoed on the response")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	m := NewMiddleware(config.Default(), nil)
	incoming := uuid.New().String()

	var seen string
	h := m.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", incoming)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != incoming {
		t.Errorf("Expected incoming id %q, got %q", incoming, seen)
	}
}

func TestRequestIDRejectsInvalid(t *testing.T) {
	m := NewMiddleware(config.Default(), nil)

	var seen string
	h := m.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen == "not-a-uuid" {
		t.Error("Expected invalid request id to be replaced")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("Expected UUID replacement, got %q", seen)
	}
}

func TestRecovery(t *testing.T) {
	m := NewMiddleware(config.Default(), nil)

	h := m.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 after panic, got %d", w.Code)
	}
}

func TestResponseWriterCapture(t *testing.T) {
	m := NewMiddleware(config.Default(), nil)

	h := m.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status passed through, got %d", w.Code)
	}
	if w.Body.String() != "short and stout" {
		t.Errorf("Expected body passed through, got %q", w.Body.String())
	}
}
