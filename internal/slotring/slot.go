// Package slotring implements the fixed-size circular slot ring that backs
// the time-shift cache: a lock-free per-slot state machine coordinating one
// producer, one consumer, and any number of outstanding borrowed readers.
package slotring

import "sync/atomic"

// SlotSize is the canonical slot size (32 KiB).
const SlotSize = 32 * 1024

// InvalidOffset marks a slot with no meaningful stream offset.
const InvalidOffset = ^uint64(0)

// State is a slot's lifecycle stage. Transitions are single-CAS; see the
// package doc comment on Ring for the legal arrows.
type State int32

const (
	Empty State = iota
	Part
	Full
	Pop
	Recycle
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Part:
		return "PART"
	case Full:
		return "FULL"
	case Pop:
		return "POP"
	case Recycle:
		return "RECYCLE"
	default:
		return "UNKNOWN"
	}
}

// Slot is a fixed-size byte container. State is mutated only via CAS;
// size/streamOffset/backing are touched only by whichever side currently
// holds the slot (producer while EMPTY/PART, consumer/reader while
// FULL/POP/RECYCLE) and are safe to read without synchronization once a
// CAS into the reading side's expected state has succeeded.
type Slot struct {
	state atomic.Int32

	cap          int
	buf          []byte
	size         int
	streamOffset uint64

	// onDisk is set when this slot's bytes live in the disk overflow rather
	// than buf; diskOff/diskLen describe the backing window.
	onDisk  bool
	diskOff uint64
	diskLen int
}

// NewSlot returns a slot of capacity slotSize in the EMPTY state.
func NewSlot(slotSize int) *Slot {
	if slotSize <= 0 {
		slotSize = SlotSize
	}
	s := &Slot{streamOffset: InvalidOffset, cap: slotSize, buf: make([]byte, slotSize)}
	s.state.Store(int32(Empty))
	return s
}

func (s *Slot) State() State { return State(s.state.Load()) }

// Cap returns the slot's configured capacity.
func (s *Slot) Cap() int { return s.cap }

func (s *Slot) cas(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Size returns the valid byte count (0 <= size <= SlotSize).
func (s *Slot) Size() int { return s.size }

// StreamOffset returns the absolute stream offset of byte 0 in this slot,
// or InvalidOffset if the slot has never been written.
func (s *Slot) StreamOffset() uint64 { return s.streamOffset }

// Bytes returns the valid portion of the slot's buffer. Callers must only
// call this while holding a POP reference (see Ring.Pop) or while they are
// the producer writing into an EMPTY/PART slot.
func (s *Slot) Bytes() []byte {
	if s.onDisk {
		return nil
	}
	return s.buf[:s.size]
}

// resetForWrite clears a slot back to an empty, writable state. Called only
// by the producer immediately after a successful RECYCLE->EMPTY transition.
func (s *Slot) resetForWrite() {
	s.size = 0
	s.streamOffset = InvalidOffset
	s.onDisk = false
	s.diskOff = 0
	s.diskLen = 0
}

// write appends p into the slot starting at the slot's current size,
// returns the number of bytes actually written (min(free space, len(p))).
// Caller (the producer) must own the slot (EMPTY or PART).
func (s *Slot) write(offset uint64, p []byte) int {
	if s.size == 0 {
		s.streamOffset = offset
	}
	free := s.cap - s.size
	n := len(p)
	if n > free {
		n = free
	}
	copy(s.buf[s.size:s.size+n], p[:n])
	s.size += n
	return n
}

// forceClose does nothing and has no caller: Ring.Drain and Ring.Pop(true)
// perform the PART->FULL CAS themselves, and a drained slot keeps its actual
// size rather than growing to SlotSize.
func (s *Slot) forceClose() {}
