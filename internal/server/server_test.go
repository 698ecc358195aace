package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestServerServesRequests(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s := New(Config{Addr: "127.0.0.1:0", Handler: handler})
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer s.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + s.Addr())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("expected body 'OK', got %q", string(body))
	}
}

func TestServerStopWithoutStartIsNoop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("expected nil error stopping an unstarted server, got %v", err)
	}
}

func TestServerConnectionTracking(t *testing.T) {
	done := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-done
		w.WriteHeader(http.StatusOK)
	})

	s := New(Config{Addr: "127.0.0.1:0", Handler: handler})
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer s.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	if count := s.ActiveConnections(); count != 0 {
		t.Errorf("expected 0 initial connections, got %d", count)
	}

	go http.Get("http://" + s.Addr())
	time.Sleep(100 * time.Millisecond)

	if count := s.ActiveConnections(); count < 1 {
		t.Errorf("expected at least 1 active connection, got %d", count)
	}

	close(done)
	time.Sleep(100 * time.Millisecond)

	if count := s.ActiveConnections(); count > 1 {
		t.Errorf("expected connections to decrease after close, got %d", count)
	}
}

func TestServerGracefulShutdownWaitsForInFlightRequest(t *testing.T) {
	requestStarted := make(chan struct{})
	requestComplete := make(chan struct{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(requestStarted)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		close(requestComplete)
	})

	s := New(Config{Addr: "127.0.0.1:0", Handler: handler})
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	go http.Get("http://" + s.Addr())
	<-requestStarted

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Stop(shutdownCtx); err != nil {
		t.Errorf("graceful shutdown returned error: %v", err)
	}

	select {
	case <-requestComplete:
	default:
		t.Error("request did not complete during graceful shutdown")
	}
}
