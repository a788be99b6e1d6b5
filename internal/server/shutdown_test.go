package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var mu sync.Mutex
	var order []string
	record := func(name string) CloserFunc {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	sm.RegisterCloser("catalog", record("catalog"))
	sm.RegisterCloser("projects", record("projects"))
	sm.RegisterCloser("http", record("http"))

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"http", "projects", "catalog"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}

	// Second call is a no-op.
	if err := sm.Shutdown(context.Background(), "again"); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("closers ran twice: %v", order)
	}
	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel should be closed")
	}
}

func TestShutdownReportsCloseError(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	boom := errors.New("boom")
	sm.RegisterCloser("bad", CloserFunc(func() error { return boom }))
	if err := sm.Shutdown(context.Background(), "test"); !errors.Is(err, boom) {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestShutdownDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 100 * time.Millisecond})
	if !sm.TrackRequest() {
		t.Fatal("request should be admitted")
	}
	err := sm.Shutdown(context.Background(), "test")
	if err == nil {
		t.Fatal("expected drain timeout error")
	}
	if sm.TrackRequest() {
		t.Fatal("requests must be rejected after shutdown")
	}
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	release := make(chan struct{})
	entered := make(chan struct{})
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
		done <- rec.Code
	}()
	<-entered
	if n := sm.InFlightCount(); n != 1 {
		t.Fatalf("expected 1 in-flight request, got %d", n)
	}

	shutdownDone := make(chan error)
	go func() { shutdownDone <- sm.Shutdown(context.Background(), "test") }()

	deadline := time.Now().Add(2 * time.Second)
	for !sm.IsShuttingDown() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fast", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 during shutdown, got %d", rec.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("in-flight request should complete, got %d", code)
	}
	if err := <-shutdownDone; err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestShutdownMiddlewareSkipsWebsocket(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	var inFlight int64
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight = sm.InFlightCount()
	}))
	req := httptest.NewRequest(http.MethodGet, "/ws/p1", nil)
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if inFlight != 0 {
		t.Fatalf("websocket upgrades must not be tracked, got %d", inFlight)
	}
}
