//go:build linux

package diskoverflow

import (
	"os"
	"testing"
)

func openTestStore(t *testing.T, capacity int64, slotSize int) (*Store, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "tsshift-disk-*")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if err := f.Truncate(capacity); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	wf, err := os.OpenFile(f.Name(), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("reopen write fd: %v", err)
	}
	rf, err := os.OpenFile(f.Name(), os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("reopen read fd: %v", err)
	}
	s := New(Config{
		WriteFD:  int(wf.Fd()),
		ReadFD:   int(rf.Fd()),
		Capacity: capacity,
		SlotSize: slotSize,
	})
	cleanup := func() {
		wf.Close()
		rf.Close()
		f.Close()
		os.Remove(f.Name())
	}
	return s, cleanup
}

func TestWriteThenReadAtRoundTrip(t *testing.T) {
	const capacity = int64(4096)
	const slotSize = 512
	s, cleanup := openTestStore(t, capacity, slotSize)
	defer cleanup()

	payload := make([]byte, slotSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := s.Write(payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != slotSize {
		t.Fatalf("wrote %d bytes, want %d", n, slotSize)
	}

	win, err := s.ReadAt(0, slotSize)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	defer win.Release()
	if len(win.Bytes()) != slotSize {
		t.Fatalf("window len = %d, want %d", len(win.Bytes()), slotSize)
	}
	for i, b := range win.Bytes() {
		if b != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, b, byte(i))
		}
	}
}

func TestWriteRejectsOverCapacity(t *testing.T) {
	const capacity = int64(1024)
	s, cleanup := openTestStore(t, capacity, 512)
	defer cleanup()

	big := make([]byte, capacity+1)
	if _, err := s.Write(big); err == nil {
		t.Fatal("expected an error writing more than capacity with nothing yet recycled")
	}
}

func TestReadAtOutsideWindowRejected(t *testing.T) {
	s, cleanup := openTestStore(t, 4096, 512)
	defer cleanup()
	if _, err := s.ReadAt(100, 64); err == nil {
		t.Fatal("expected error reading offset never written")
	}
}

func TestRecycleAdvancesReclaimableWindow(t *testing.T) {
	s, cleanup := openTestStore(t, 2048, 512)
	defer cleanup()
	payload := make([]byte, 512)
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Recycle(512)
	recycle, _, write := s.Heads()
	if recycle != 512 {
		t.Fatalf("recycleHead = %d, want 512", recycle)
	}
	if write != 512 {
		t.Fatalf("writeHead = %d, want 512", write)
	}
}
