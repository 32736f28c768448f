package slotring

import (
	"errors"
	"sync"
)

// ErrNoSpace is returned by Push when the ring is full and the caller has no
// overflow configured (see internal/tscache, which decides whether to spill
// to disk, wait, or drop with an overrun signal).
var ErrNoSpace = errors.New("slotring: no space")

// Legal transition table (spec.md section 3):
//
//	EMPTY -> PART  (write, slot not yet filled)
//	PART  -> FULL  (write completes the slot, or drain on EOS)
//	FULL  -> POP   (consumer captures a read reference)
//	POP   -> RECYCLE (reader releases its reference)
//	RECYCLE -> EMPTY (producer reclaims)
//	FULL <-> RECYCLE (seek future/past: tombstone or restore)
//
// Ring ties N Slots into a circular buffer. head/tail and the offset
// watermarks are protected by mu; per-slot state is CAS'd independently so a
// reader releasing an old reference never contends with the producer/
// consumer advancing head/tail, only with the specific slot it touches.
type Ring struct {
	mu sync.Mutex

	slots    []*Slot
	n        uint32
	slotSize int

	head uint32 // consumer cursor
	tail uint32 // producer cursor

	fullCount int

	hStreamOffset uint64 // highest offset that has passed the tail
	lStreamOffset uint64 // lowest offset currently retained
	hTotal        uint64 // total bytes ever pushed

	needDiscont bool
}

// New returns a ring of nSlots empty slots, each of capacity slotSize bytes
// (pass 0 for the canonical SlotSize).
func New(nSlots, slotSize int) *Ring {
	if nSlots < 1 {
		nSlots = 1
	}
	if slotSize <= 0 {
		slotSize = SlotSize
	}
	r := &Ring{
		slots:    make([]*Slot, nSlots),
		n:        uint32(nSlots),
		slotSize: slotSize,
	}
	for i := range r.slots {
		r.slots[i] = NewSlot(slotSize)
	}
	// The first pop of a fresh ring starts a new contiguous run.
	r.needDiscont = true
	return r
}

// SlotSize returns this ring's configured slot capacity.
func (r *Ring) SlotSize() int { return r.slotSize }

func (r *Ring) NumSlots() int { return int(r.n) }

// Ref is a reference-counted borrow of a popped slot's bytes. The bytes are
// immutable and the slot cannot be reclaimed by the producer until Release
// is called exactly once.
type Ref struct {
	ring         *Ring
	slot         *Slot
	bytes        []byte
	streamOffset uint64
	discont      bool
	released     bool
}

func (r *Ref) Bytes() []byte         { return r.bytes }
func (r *Ref) StreamOffset() uint64  { return r.streamOffset }
func (r *Ref) Discont() bool         { return r.discont }

// Release returns the slot to RECYCLE, making it eligible for the producer
// to reclaim. Safe to call once; subsequent calls are no-ops.
func (r *Ref) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	if !r.slot.cas(Pop, Recycle) {
		// Only reachable if the state machine was violated elsewhere; the
		// slot is left as-is rather than forcing a transition that would
		// break an invariant silently.
		return
	}
}

// Push appends exactly len(p) bytes at the tail, writing into the current
// PART tail slot first (spec.md tie-break: reuse before advance). Returns
// ErrNoSpace if the tail slot is FULL or POP (ring has no room) — the
// caller (internal/tscache) decides whether to wait, overflow to disk, or
// drop with an overrun signal.
func (r *Ring) Push(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(p)
}

func (r *Ring) pushLocked(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		tailSlot := r.slots[r.tail]
		switch tailSlot.State() {
		case Recycle:
			if tailSlot.cas(Recycle, Empty) {
				oldest := tailSlot.streamOffset
				tailSlot.resetForWrite()
				if oldest != InvalidOffset {
					reclaimed := oldest + uint64(r.slotSize)
					if reclaimed > r.lStreamOffset {
						r.lStreamOffset = reclaimed
					}
				}
			} else {
				// A reader is still holding this slot (POP). No room.
				return total, ErrNoSpace
			}
		case Full, Pop:
			return total, ErrNoSpace
		case Empty, Part:
			// writable in place
		default:
			return total, ErrNoSpace
		}

		offset := r.hTotal
		n := tailSlot.write(offset, p)
		if n == 0 && len(p) > 0 {
			// Slot genuinely has no free space left but never reached FULL
			// via the normal path (shouldn't happen); treat as no-space.
			return total, ErrNoSpace
		}
		p = p[n:]
		total += n
		r.hTotal += uint64(n)

		if tailSlot.size == r.slotSize {
			if !tailSlot.cas(tailSlot.State(), Full) {
				// Raced with a seek that tombstoned this slot; surface as
				// no-space so the caller retries the write downstream.
				return total, ErrNoSpace
			}
			r.fullCount++
			r.hStreamOffset = tailSlot.streamOffset + uint64(tailSlot.size)
			r.tail = (r.tail + 1) % r.n
		} else {
			tailSlot.state.Store(int32(Part))
		}
	}
	return total, nil
}

// Drain force-closes a PART tail slot (PART->FULL) so EOS can flush residual
// bytes, fixing up full_count/h_stream_offset. No-op if the tail slot is not
// PART.
func (r *Ring) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	tailSlot := r.slots[r.tail]
	if tailSlot.State() != Part {
		return
	}
	if tailSlot.size == 0 {
		return
	}
	if !tailSlot.cas(Part, Full) {
		return
	}
	r.fullCount++
	r.hStreamOffset = tailSlot.streamOffset + uint64(tailSlot.size)
	r.tail = (r.tail + 1) % r.n
}

// Pop yields the head slot's bytes as a borrowed Ref, advancing head. If
// drain is true and the tail slot is the head slot and still PART, it is
// force-closed first. Returns (nil, false) when there is nothing to pop.
func (r *Ring) Pop(drain bool) (*Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if drain {
		r.drainLockedIfHead()
	}
	if r.fullCount == 0 {
		return nil, false
	}
	headSlot := r.slots[r.head]
	if !headSlot.cas(Full, Pop) {
		return nil, false
	}
	r.fullCount--
	discont := r.needDiscont
	r.needDiscont = false
	ref := &Ref{
		ring:         r,
		slot:         headSlot,
		bytes:        append([]byte(nil), headSlot.Bytes()...),
		streamOffset: headSlot.StreamOffset(),
		discont:      discont,
	}
	r.head = (r.head + 1) % r.n
	return ref, true
}

func (r *Ring) drainLockedIfHead() {
	if r.head != r.tail {
		return
	}
	tailSlot := r.slots[r.tail]
	if tailSlot.State() != Part || tailSlot.size == 0 {
		return
	}
	if !tailSlot.cas(Part, Full) {
		return
	}
	r.fullCount++
	r.hStreamOffset = tailSlot.streamOffset + uint64(tailSlot.size)
	r.tail = (r.tail + 1) % r.n
}

// Seek reconfigures head so the next Pop begins at the slot containing
// target. target must lie in [lStreamOffset, hStreamOffset); otherwise Seek
// returns false and makes no adjustment (caller falls through to disk, if
// any).
func (r *Ring) Seek(target uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target < r.lStreamOffset || target >= r.hStreamOffset {
		return false
	}
	headSlot := r.slots[r.head]
	if headSlot.State() == Full || headSlot.State() == Part {
		if target >= headSlot.streamOffset && target < headSlot.streamOffset+uint64(headSlot.size) {
			r.needDiscont = true
			return true
		}
	}
	if target < headSlot.streamOffset || (headSlot.streamOffset == InvalidOffset) {
		r.seekPastLocked(target)
	} else {
		r.seekFutureLocked(target)
	}
	r.needDiscont = true
	return true
}

// seekPastLocked walks head backward, rolling back RECYCLE slots to FULL
// until it finds the slot containing target or hits a slot that is no
// longer RECYCLE (overwritten; the walk stops and head parks at the
// previous slot, matching spec.md's tie-break for past seeks).
func (r *Ring) seekPastLocked(target uint64) {
	idx := r.head
	for {
		prev := (idx - 1 + r.n) % r.n
		prevSlot := r.slots[prev]
		if prevSlot.State() != Recycle {
			break
		}
		if prevSlot.streamOffset == InvalidOffset {
			break
		}
		if !prevSlot.cas(Recycle, Full) {
			break
		}
		r.fullCount++
		idx = prev
		if target >= prevSlot.streamOffset && target < prevSlot.streamOffset+uint64(prevSlot.size) {
			break
		}
	}
	r.head = idx
}

// seekFutureLocked walks head forward, rolling FULL slots to RECYCLE
// (skipping unread data) until the target slot is reached, then rolls that
// slot back to FULL.
func (r *Ring) seekFutureLocked(target uint64) {
	idx := r.head
	for {
		slot := r.slots[idx]
		if slot.State() == Full && target >= slot.streamOffset && target < slot.streamOffset+uint64(slot.size) {
			break
		}
		if slot.State() != Full {
			break
		}
		if !slot.cas(Full, Recycle) {
			break
		}
		r.fullCount--
		idx = (idx + 1) % r.n
		if idx == r.tail {
			break
		}
	}
	r.head = idx
}

// ForceEvictOldest discards the oldest FULL slot to make room for the
// producer when the ring is full and no disk overflow is configured and the
// caller (internal/tscache) has decided to leak rather than wait. It never
// touches a slot with an outstanding POP reference, so an overrun never
// corrupts an already-popped buffer (spec.md section 5). Returns false if
// the head slot is not evictable (empty ring, or head currently POP/PART).
func (r *Ring) ForceEvictOldest() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	headSlot := r.slots[r.head]
	if headSlot.State() != Full {
		return false
	}
	if !headSlot.cas(Full, Recycle) {
		return false
	}
	r.fullCount--
	oldest := headSlot.streamOffset
	if !headSlot.cas(Recycle, Empty) {
		// Exceedingly unlikely (nothing else transitions RECYCLE->EMPTY
		// except the producer reclaim path, which only runs from tail, not
		// head) but fail safe rather than leave an inconsistent pair.
		headSlot.state.Store(int32(Recycle))
		return false
	}
	headSlot.resetForWrite()
	if oldest != InvalidOffset {
		reclaimed := oldest + uint64(r.slotSize)
		if reclaimed > r.lStreamOffset {
			r.lStreamOffset = reclaimed
		}
	}
	r.head = (r.head + 1) % r.n
	r.needDiscont = true
	return true
}

// HasOffset reports whether x is within the currently retained in-ring
// window [lStreamOffset, hTotal).
func (r *Ring) HasOffset(x uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return x >= r.lStreamOffset && x < r.hTotal
}

// Fullness returns the number of bytes currently retained and pop-able.
func (r *Ring) Fullness() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fullCount == 0 {
		return 0
	}
	headSlot := r.slots[r.head]
	return r.hStreamOffset - headSlot.streamOffset
}

// BufferedRange returns (lStreamOffset, hTotal).
func (r *Ring) BufferedRange() (uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lStreamOffset, r.hTotal
}

// FullCount returns the number of slots currently in FULL state.
func (r *Ring) FullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullCount
}

// Watermarks returns the ring's offset bookkeeping for diagnostics/metrics.
func (r *Ring) Watermarks() (l, h, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lStreamOffset, r.hStreamOffset, r.hTotal
}

// MarkNeedDiscont forces the next Pop to report a discontinuity. Used by the
// cache facade after a flush or a disk/ring handoff.
func (r *Ring) MarkNeedDiscont() {
	r.mu.Lock()
	r.needDiscont = true
	r.mu.Unlock()
}
