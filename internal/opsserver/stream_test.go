package opsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStreamHandlerNoRangeServesFromLiveEdge(t *testing.T) {
	cache := newTestCache(t, 11)
	if _, err := cache.Push([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	h := NewStreamHandler(cache)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello world")
	}
}

func TestStreamHandlerRangeSeeksToOffset(t *testing.T) {
	cache := newTestCache(t, 11)
	if _, err := cache.Push([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	h := NewStreamHandler(cache)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Range", "bytes=6-")
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "world" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "world")
	}
}

func TestStreamHandlerRejectsOffsetNotRetained(t *testing.T) {
	cache := newTestCache(t, 11)
	if _, err := cache.Push([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	h := NewStreamHandler(cache)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Range", "bytes=99999-")
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
}

func TestStreamHandlerRejectsMalformedRange(t *testing.T) {
	cache := newTestCache(t, 64)
	h := NewStreamHandler(cache)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Range", "bytes=abc-")
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
}

func TestStreamHandlerHeadReturnsNoBody(t *testing.T) {
	cache := newTestCache(t, 11)
	if _, err := cache.Push([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	h := NewStreamHandler(cache)

	req := httptest.NewRequest(http.MethodHead, "/stream", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response had a body of %d bytes", rec.Body.Len())
	}
}

func TestStreamHandlerRejectsPost(t *testing.T) {
	cache := newTestCache(t, 64)
	h := NewStreamHandler(cache)

	req := httptest.NewRequest(http.MethodPost, "/stream", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestParseRangeOffset(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantOffset uint64
		wantHas    bool
		wantErr    bool
	}{
		{"empty", "", 0, false, false},
		{"simple", "bytes=100-", 100, true, false},
		{"zero", "bytes=0-", 0, true, false},
		{"bad unit", "items=0-", 0, false, true},
		{"no dash", "bytes=100", 0, false, true},
		{"suffix range", "bytes=-500", 0, false, true},
		{"non numeric", "bytes=x-", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, hasRange, err := parseRangeOffset(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if offset != tt.wantOffset || hasRange != tt.wantHas {
				t.Errorf("got (%d, %v), want (%d, %v)", offset, hasRange, tt.wantOffset, tt.wantHas)
			}
		})
	}
}
