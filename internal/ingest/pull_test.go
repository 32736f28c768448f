package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu     sync.Mutex
	pushes [][]byte
}

func (f *fakeSink) Push(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, append([]byte(nil), data...))
	return nil
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pushes {
		n += len(p)
	}
	return n
}

func TestPullerRunFeedsSinkUntilEOF(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	sink := &fakeSink{}
	p := NewPuller(Config{
		URL:       srv.URL,
		ChunkSize: 512,
		Client:    &http.Client{Timeout: 5 * time.Second},
		Policy:    RetryPolicy{MaxRetries: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx, sink)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for sink.total() < len(payload) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := sink.total(); got < len(payload) {
		t.Fatalf("sink received %d bytes, want at least %d", got, len(payload))
	}
}

func TestPullerRunStopsOnContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	sink := &fakeSink{}
	p := NewPuller(Config{
		URL:    srv.URL,
		Client: &http.Client{},
		Policy: RetryPolicy{MaxRetries: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, sink)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
