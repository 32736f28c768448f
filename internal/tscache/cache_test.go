package tscache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestCache() *Cache {
	return New(Config{NumSlots: 4, SlotSize: 8, Registry: prometheus.NewRegistry()})
}

func TestPushPopRoundTrip(t *testing.T) {
	c := newTestCache()
	n, err := c.Push([]byte("ABCDEFGH"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != 8 {
		t.Fatalf("wrote %d, want 8", n)
	}
	chunk, ok := c.Pop(false)
	if !ok {
		t.Fatal("expected a chunk")
	}
	defer chunk.Release()
	if string(chunk.Bytes()) != "ABCDEFGH" {
		t.Fatalf("got %q", chunk.Bytes())
	}
	if chunk.StreamOffset() != 0 {
		t.Fatalf("offset = %d, want 0", chunk.StreamOffset())
	}
}

func TestOverwriteWithoutOverflow(t *testing.T) {
	// spec.md scenario 2: cache_size=32, disk=off. Push 40 bytes; the
	// oldest 8-byte slot is leaked, l_stream_offset becomes 8, overrun
	// fires exactly once.
	c := newTestCache()
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyzAB12")[:40]
	n, err := c.Push(payload)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != 40 {
		t.Fatalf("wrote %d, want 40", n)
	}
	if c.HasOffset(0) {
		t.Fatal("expected offset 0 to have been leaked")
	}
	if !c.HasOffset(8) {
		t.Fatal("expected offset 8 to be retained")
	}
	if !c.HasOffset(39) {
		t.Fatal("expected offset 39 to be retained")
	}
	if c.HasOffset(40) {
		t.Fatal("expected offset 40 (not yet pushed) to be absent")
	}
	low, _ := c.BufferedRange()
	if low != 8 {
		t.Fatalf("l_stream_offset = %d, want 8", low)
	}
}

func TestOverrunSignalFiresOnceThenClearsOnSuccess(t *testing.T) {
	c := newTestCache()
	// Fill the ring exactly (32 bytes), then push one more byte to force an
	// eviction (first overrun), then push another full slot cleanly (no
	// further eviction needed) and confirm the overrun flag cleared.
	if _, err := c.Push([]byte("01234567890123456789012345678901")[:32]); err != nil {
		t.Fatalf("initial fill: %v", err)
	}
	if _, err := c.Push([]byte("X")); err != nil {
		t.Fatalf("overflow push: %v", err)
	}
	if !c.overrunActive {
		t.Fatal("expected overrun to be active after a leaking push")
	}
	chunk, ok := c.Pop(false)
	if !ok {
		t.Fatal("expected a poppable chunk to free ring space")
	}
	chunk.Release()
	if _, err := c.Push([]byte("YYYYYYY")); err != nil {
		t.Fatalf("clean push: %v", err)
	}
	if c.overrunActive {
		t.Fatal("expected overrun flag to clear after a push that needed no eviction")
	}
}

func TestSeekRejectedOutsideWindow(t *testing.T) {
	c := newTestCache()
	if _, err := c.Push([]byte("ABCDEFGH")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := c.Seek(1000); err == nil {
		t.Fatal("expected seek far outside the retained window to be rejected")
	}
}

func TestFullnessReflectsRetainedBytes(t *testing.T) {
	c := newTestCache()
	if _, err := c.Push([]byte("ABCDEFGH")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := c.Fullness(); got != 8 {
		t.Fatalf("Fullness = %d, want 8", got)
	}
}
