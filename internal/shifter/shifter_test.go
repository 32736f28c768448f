package shifter

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/tsshift/internal/tscache"
)

type pushedChunk struct {
	data    []byte
	offset  uint64
	discont bool
}

type fakeOutput struct {
	mu           sync.Mutex
	streamStarts int
	segments     []Segment
	pushes       []pushedChunk
	eos          bool
	flushStarts  int
	pushResult   FlowResult
	notify       chan struct{}
}

func (f *fakeOutput) PushStreamStart() error {
	f.mu.Lock()
	f.streamStarts++
	f.mu.Unlock()
	return nil
}

func (f *fakeOutput) PushSegment(seg Segment) error {
	f.mu.Lock()
	f.segments = append(f.segments, seg)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutput) Push(data []byte, offset uint64, discont bool) FlowResult {
	f.mu.Lock()
	f.pushes = append(f.pushes, pushedChunk{append([]byte(nil), data...), offset, discont})
	ret := f.pushResult
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- struct{}{}
	}
	return ret
}

func (f *fakeOutput) PushEOS() {
	f.mu.Lock()
	f.eos = true
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- struct{}{}
	}
}

func (f *fakeOutput) PushFlushStart() {
	f.mu.Lock()
	f.flushStarts++
	f.mu.Unlock()
}

func newTestShifter() (*Shifter, *tscache.Cache) {
	cache := tscache.New(tscache.Config{NumSlots: 4, SlotSize: 8, Registry: prometheus.NewRegistry()})
	return New(cache, nil), cache
}

func awaitNotify(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downstream notification")
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	s, _ := newTestShifter()
	if ret := s.Push([]byte("ABCDEFGH")); ret != FlowOK {
		t.Fatalf("Push = %v", ret)
	}
	out := &fakeOutput{notify: make(chan struct{}, 4)}
	s.Start(out)
	awaitNotify(t, out.notify)

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(out.pushes))
	}
	if string(out.pushes[0].data) != "ABCDEFGH" {
		t.Fatalf("data = %q", out.pushes[0].data)
	}
	if out.pushes[0].offset != 0 {
		t.Fatalf("offset = %d, want 0", out.pushes[0].offset)
	}
	if len(out.segments) != 1 || out.segments[0].Start != 0 {
		t.Fatalf("segments = %+v", out.segments)
	}
}

func TestOnSinkEOSDrainsAndEmitsEOS(t *testing.T) {
	s, _ := newTestShifter()
	if _, err := s.cache.Push([]byte("ABCDEFGH")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	out := &fakeOutput{notify: make(chan struct{}, 8)}
	s.OnSinkEOS()
	s.Start(out)
	s.WaitPaused()

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(out.pushes))
	}
	if !out.eos {
		t.Fatal("expected PushEOS to have been called")
	}
}

func TestUnexpectedLatchClearedBySinkSegment(t *testing.T) {
	s, _ := newTestShifter()
	if ret := s.Push([]byte("ABCDEFGH")); ret != FlowOK {
		t.Fatalf("Push: %v", ret)
	}
	out := &fakeOutput{notify: make(chan struct{}, 8), pushResult: FlowEOS}
	s.Start(out)
	awaitNotify(t, out.notify)

	deadline := time.Now().Add(2 * time.Second)
	for !s.Unexpected() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !s.Unexpected() {
		t.Fatal("expected unexpected latch to be set after downstream EOS")
	}
	if ret := s.Push([]byte("IJKLMNOP")); ret != FlowEOS {
		t.Fatalf("Push while unexpected = %v, want FlowEOS", ret)
	}

	s.OnSinkSegment()
	if s.Unexpected() {
		t.Fatal("expected SEGMENT to clear the unexpected latch")
	}
	if ret := s.Push([]byte("IJKLMNOP")); ret != FlowOK {
		t.Fatalf("Push after SEGMENT = %v, want FlowOK", ret)
	}
}

func TestIsLeakingMirrorsCacheOverrun(t *testing.T) {
	var s *Shifter
	cache := tscache.New(tscache.Config{
		NumSlots: 4, SlotSize: 8,
		Registry:  prometheus.NewRegistry(),
		OnOverrun: func() { s.OnOverrun() },
	})
	s = New(cache, nil)

	if _, err := cache.Push([]byte("01234567890123456789012345678901")[:32]); err != nil {
		t.Fatalf("initial fill: %v", err)
	}
	if s.IsLeaking() {
		t.Fatal("should not be leaking before any eviction")
	}
	if _, err := cache.Push([]byte("X")); err != nil {
		t.Fatalf("overflow push: %v", err)
	}
	if !s.IsLeaking() {
		t.Fatal("expected leaking after forced eviction")
	}

	chunk, ok := cache.Pop(false)
	if !ok {
		t.Fatal("expected a poppable chunk to free ring space")
	}
	chunk.Release()
	if ret := s.Push([]byte("YYYYYYY")); ret != FlowOK {
		t.Fatalf("Push: %v", ret)
	}
	if s.IsLeaking() {
		t.Fatal("expected leaking to clear after a clean push")
	}
}

func TestSeekRestartsAtNewOffset(t *testing.T) {
	s, cache := newTestShifter()
	if ret := s.Push([]byte("AAAAAAAA")); ret != FlowOK {
		t.Fatalf("Push: %v", ret)
	}
	if ret := s.Push([]byte("BBBBBBBB")); ret != FlowOK {
		t.Fatalf("Push: %v", ret)
	}
	out := &fakeOutput{notify: make(chan struct{}, 8)}
	s.Start(out)
	awaitNotify(t, out.notify)
	awaitNotify(t, out.notify)

	if !cache.HasOffset(8) {
		t.Fatal("expected offset 8 still retained pre-seek")
	}
	if err := s.Seek(out, SeekRequest{Rate: 1, StartType: SeekSet, Start: 8}); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	awaitNotify(t, out.notify)

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.flushStarts != 1 {
		t.Fatalf("flushStarts = %d, want 1", out.flushStarts)
	}
	last := out.pushes[len(out.pushes)-1]
	if last.offset != 8 || string(last.data) != "BBBBBBBB" {
		t.Fatalf("post-seek push = %+v", last)
	}
	if !last.discont {
		t.Fatal("expected discontinuity flag after seek")
	}
	seg := out.segments[len(out.segments)-1]
	if seg.Start != 8 {
		t.Fatalf("segment start = %d, want 8", seg.Start)
	}
}

func TestSeekRejectsOffsetOutsideWindow(t *testing.T) {
	s, _ := newTestShifter()
	if ret := s.Push([]byte("ABCDEFGH")); ret != FlowOK {
		t.Fatalf("Push: %v", ret)
	}
	if err := s.Seek(nil, SeekRequest{Rate: 1, StartType: SeekSet, Start: 1000}); err == nil {
		t.Fatal("expected an out-of-window seek to be rejected")
	}
}
