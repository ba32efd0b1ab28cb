package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRankingClientOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ui/config" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"user":{"anonymous":true}}`))
	}))
	defer srv.Close()

	c := NewRankingClient(srv.URL)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestRankingClientCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewRankingClient(srv.URL)
	ctx := context.Background()

	for i := 0; i < c.trip; i++ {
		if err := c.Check(ctx); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := atomic.LoadInt64(&hits); got != int64(c.trip) {
		t.Fatalf("server hit %d times, want %d", got, c.trip)
	}

	// Circuit is open now: no further round trips.
	err := c.Check(ctx)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := atomic.LoadInt64(&hits); got != int64(c.trip) {
		t.Fatalf("open circuit still reached the server (%d hits)", got)
	}
}

func TestRankingClientSuccessClosesCircuit(t *testing.T) {
	t.Parallel()
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewRankingClient(srv.URL)
	c.baseDelay = 10 * time.Millisecond
	ctx := context.Background()

	for i := 0; i < c.trip; i++ {
		_ = c.Check(ctx)
	}
	time.Sleep(20 * time.Millisecond) // let the cooldown lapse
	fail.Store(false)

	if err := c.Check(ctx); err != nil {
		t.Fatalf("check after recovery: %v", err)
	}
	c.mu.Lock()
	fails := c.fails
	c.mu.Unlock()
	if fails != 0 {
		t.Fatalf("failure count not reset: %d", fails)
	}
}

func TestRankingClientDefaultBaseURL(t *testing.T) {
	t.Parallel()
	c := NewRankingClient("")
	if c.baseURL == "" {
		t.Fatal("empty base url")
	}
}
