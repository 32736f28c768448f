//go:build linux

// Package diskoverflow implements the file-backed extension of the slot
// ring: a flat circular file, mmap-paged on read, pwrite-staged on write,
// with the page-cache discipline spec.md section 4.B describes so producer
// I/O never stalls behind the kernel's writeback under a real-time feed.
package diskoverflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// PageSyncTimeSlots is how many slot-writes the producer lets the kernel
// work on writeback before blocking on WAIT_BEFORE|WRITE|WAIT_AFTER.
const PageSyncTimeSlots = 20

// ReadKeepPageSlots is how close to the read head a written slot must be
// before the producer leaves its pages in cache instead of asking the
// kernel to drop them.
const ReadKeepPageSlots = 10

// Store is a circular file of Capacity bytes: stream offset S lives at file
// offset S mod Capacity. It is opened twice by the caller (distinct read and
// write file descriptors, matching the original implementation's use of
// independent fds so the mmap'd read path and the pwrite path never share
// kernel-side offset state).
type Store struct {
	mu sync.Mutex

	writeFD  int
	readFD   int
	capacity int64

	writeHead    int64
	readHead     int64
	recycleHead  int64

	slotSize int

	limiter *rate.Limiter

	lastSyncedSlot int64 // index of the newest slot offset we've issued sync_file_range(WRITE) for
	writable       bool
}

// Config controls Store construction.
type Config struct {
	WriteFD  int
	ReadFD   int
	Capacity int64
	SlotSize int
	// WriteAheadBytesPerSec bounds how fast the producer may race ahead of
	// the page-cache writeback pipeline; 0 disables the limiter.
	WriteAheadBytesPerSec float64
}

// New wraps two already-open file descriptors over the same backing file as
// a Store. The caller owns opening/closing both fds.
func New(cfg Config) *Store {
	s := &Store{
		writeFD:  cfg.WriteFD,
		readFD:   cfg.ReadFD,
		capacity: cfg.Capacity,
		slotSize: cfg.SlotSize,
		writable: true,
	}
	if cfg.WriteAheadBytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.WriteAheadBytesPerSec), cfg.SlotSize*2)
	}
	return s
}

func (s *Store) fileOffset(streamOffset int64) int64 {
	return streamOffset % s.capacity
}

// Seed initializes writeHead, readHead and recycleHead to offset, so the
// store's internal bookkeeping lands in the same absolute stream-offset
// space as whatever already-running producer is about to start overflowing
// into it. Must be called once, before the first Write, at the moment disk
// overflow first engages; calling it again with the same offset is a no-op,
// and calling it after the store has already advanced past offset 0 is an
// error.
func (s *Store) Seed(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeHead == offset && s.readHead == offset && s.recycleHead == offset {
		return nil
	}
	if s.writeHead != 0 || s.readHead != 0 || s.recycleHead != 0 {
		return fmt.Errorf("diskoverflow: cannot seed store already at write=%d read=%d recycle=%d", s.writeHead, s.readHead, s.recycleHead)
	}
	s.writeHead = offset
	s.readHead = offset
	s.recycleHead = offset
	return nil
}

// Capacity returns the backing file's size in bytes.
func (s *Store) Capacity() int64 { return s.capacity }

// Invariants (spec.md section 3): recycleHead <= readHead <= writeHead, and
// writeHead - recycleHead <= capacity.
func (s *Store) checkInvariantsLocked() error {
	if !(s.recycleHead <= s.readHead && s.readHead <= s.writeHead) {
		return fmt.Errorf("diskoverflow: invariant violated: recycle=%d read=%d write=%d", s.recycleHead, s.readHead, s.writeHead)
	}
	if s.writeHead-s.recycleHead > s.capacity {
		return fmt.Errorf("diskoverflow: invariant violated: write-recycle span %d > capacity %d", s.writeHead-s.recycleHead, s.capacity)
	}
	return nil
}

// Write appends p at the store's current write head using positioned I/O
// (pwrite), advancing writeHead by len(p) on success. Returns
// ErrNoSpace-equivalent (a plain error, since the cache facade decides what
// to do about it) if there is no reusable room ahead of recycleHead.
func (s *Store) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writable {
		return 0, ErrFatal
	}
	if err := s.checkInvariantsLocked(); err != nil {
		return 0, err
	}
	reusable := s.capacity - (s.writeHead - s.recycleHead)
	if int64(len(p)) > reusable {
		return 0, fmt.Errorf("diskoverflow: no space (reusable=%d, need=%d)", reusable, len(p))
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), len(p)); err != nil {
			return 0, fmt.Errorf("diskoverflow: rate limiter: %w", err)
		}
	}

	off := s.fileOffset(s.writeHead)
	n, err := pwriteWrapping(s.writeFD, p, off, s.capacity)
	if err != nil {
		s.writable = false
		return n, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	s.writeHead += int64(n)
	s.runPageCacheDisciplineLocked()
	return n, nil
}

// pwriteWrapping issues one or two pwrite calls to handle the case where the
// write straddles the end of the flat circular file.
func pwriteWrapping(fd int, p []byte, off, capacity int64) (int, error) {
	if off+int64(len(p)) <= capacity {
		n, err := unix.Pwrite(fd, p, off)
		return n, err
	}
	first := int(capacity - off)
	n1, err := unix.Pwrite(fd, p[:first], off)
	if err != nil {
		return n1, err
	}
	n2, err := unix.Pwrite(fd, p[first:], 0)
	return n1 + n2, err
}

// runPageCacheDisciplineLocked implements the three-step dance from
// spec.md section 4.B: kick off writeback for the slot just written, wait
// for the slot written PageSyncTimeSlots ago to hit disk, then advise the
// kernel to drop it unless the reader is about to want it.
func (s *Store) runPageCacheDisciplineLocked() {
	if s.slotSize <= 0 {
		return
	}
	justWrittenSlot := (s.writeHead - 1) / int64(s.slotSize)
	s.syncFileRangeSlot(justWrittenSlot, unix.SYNC_FILE_RANGE_WRITE)

	olderSlot := justWrittenSlot - PageSyncTimeSlots
	if olderSlot < 0 {
		return
	}
	s.syncFileRangeSlot(olderSlot, unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)

	readSlot := s.readHead / int64(s.slotSize)
	if olderSlot >= readSlot && olderSlot < readSlot+ReadKeepPageSlots {
		return // reader about to want it; keep in cache
	}
	s.fadviseSlot(olderSlot)
}

func (s *Store) syncFileRangeSlot(slotIdx int64, flags int) {
	off := s.fileOffset(slotIdx * int64(s.slotSize))
	_ = unix.SyncFileRange(s.writeFD, off, int64(s.slotSize), flags)
}

func (s *Store) fadviseSlot(slotIdx int64) {
	off := s.fileOffset(slotIdx * int64(s.slotSize))
	_ = unix.Fadvise(s.writeFD, off, int64(s.slotSize), unix.FADV_DONTNEED)
}

// Window is a borrowed mmap'd read-only view over one slot-sized region of
// the backing file. Release must be called exactly once.
type Window struct {
	store *Store
	data  []byte // whole page-aligned mapping, unmapped by Release
	view  []byte // the requested bytes within data
	off   int64
	len   int
}

func (w *Window) Bytes() []byte { return w.view }

// Release unmaps the window and advises the kernel to drop its pages,
// matching the original implementation's munmap+posix_fadvise(DONTNEED) on
// every consumer release.
func (w *Window) Release() error {
	if w == nil || w.data == nil {
		return nil
	}
	err := unix.Munmap(w.data)
	w.data = nil
	_ = unix.Fadvise(w.store.readFD, w.off, int64(w.len), unix.FADV_DONTNEED)
	return err
}

// ReadAt mmaps a slotSize-aligned window covering streamOffset and returns
// it as a Window. streamOffset must be within [recycleHead, writeHead).
func (s *Store) ReadAt(streamOffset int64, length int) (*Window, error) {
	s.mu.Lock()
	if streamOffset < s.recycleHead || streamOffset >= s.writeHead {
		s.mu.Unlock()
		return nil, fmt.Errorf("diskoverflow: offset %d outside retained window [%d,%d)", streamOffset, s.recycleHead, s.writeHead)
	}
	fileOff := s.fileOffset(streamOffset)
	s.mu.Unlock()

	if fileOff+int64(length) > s.capacity {
		// A read that straddles the wrap point cannot be served by a single
		// contiguous mmap; the cache facade is expected to split reads at
		// slot boundaries so this should not occur for well-formed slots.
		return nil, fmt.Errorf("diskoverflow: read would straddle file wrap at offset %d len %d", fileOff, length)
	}

	pageAligned := fileOff &^ int64(pageSize-1)
	pageOffDelta := int(fileOff - pageAligned)
	mapLen := pageOffDelta + length

	data, err := unix.Mmap(s.readFD, pageAligned, mapLen, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrFatal, err)
	}
	view := data[pageOffDelta : pageOffDelta+length]
	if len(view) != length {
		_ = unix.Munmap(data)
		return nil, ErrShortRead
	}

	s.mu.Lock()
	s.readHead = streamOffset + int64(length)
	s.mu.Unlock()

	return &Window{store: s, data: data, view: view, off: pageAligned, len: mapLen}, nil
}

// Recycle advances recycleHead to mark bytes below it as reclaimable for
// new writes. Called once a consumer's read reference over that range has
// been released.
func (s *Store) Recycle(upTo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo > s.recycleHead {
		s.recycleHead = upTo
	}
}

// Writable reports whether the store is still accepting writes (false once
// a fatal I/O error has occurred).
func (s *Store) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

// Heads returns (recycleHead, readHead, writeHead) for diagnostics/metrics.
func (s *Store) Heads() (recycle, read, write int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recycleHead, s.readHead, s.writeHead
}

var pageSize = unix.Getpagesize()
