// Package tscache ties the slot ring and the disk overflow store into one
// coherent retained window, the way original_source/src/tscache.c's
// gst_ts_cache_push/pop/seek dispatch between the ring and the backing
// file. This is the layer that decides what happens when the ring is full:
// wait, spill to disk, or leak the oldest data with a debounced overrun
// signal — the ring and disk packages themselves know nothing of that
// policy (spec.md section 4.A: "the Shifter decides whether to drop with
// overrun or wait"; here the cache facade makes that call on the Shifter's
// behalf, matching the facade boundary spec.md section 4.C draws).
package tscache

import (
	"errors"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/tsshift/internal/diskoverflow"
	"github.com/snapetech/tsshift/internal/slotring"
)

// Config controls Cache construction. Disk is nil to disable overflow
// entirely (spec.md's "no disk overflow configured" case).
type Config struct {
	NumSlots int
	SlotSize int
	Disk     *diskoverflow.Store
	Registry prometheus.Registerer // if nil, metrics are not registered
	// OnOverrun, if set, is invoked (outside the cache's lock) the moment a
	// leaking episode begins — i.e. once per debounced overrun, not once per
	// evicted slot. internal/shifter wires this to its SIGNAL_OVERRUN
	// equivalent.
	OnOverrun func()
}

// Cache is the facade spec.md section 4.C describes.
type Cache struct {
	mu   sync.Mutex
	ring *slotring.Ring
	disk *diskoverflow.Store

	// diskCursor tracks an in-progress read from the disk overflow window
	// after a seek landed in the disk window rather than the ring; -1 means
	// "not reading from disk", i.e. Pop should consult the ring.
	diskCursor int64

	overrunActive bool
	onOverrun     func()
	metrics       *Metrics

	// diskSeeded tracks whether c.disk has been seeded to the ring's
	// absolute stream offset yet. Disk overflow only ever engages once the
	// ring is already full, so the first byte the disk store ever holds
	// sits at whatever the ring's high-water offset is at that moment, not
	// at disk offset 0; Seed aligns the store's own head bookkeeping to
	// that absolute offset so every later Heads() comparison against ring
	// offsets (HasOffset, Seek, BufferedRange, popFromDiskLocked) lives in
	// the same coordinate space.
	diskSeeded bool
}

// New constructs a Cache over a fresh ring of the given shape, optionally
// backed by disk overflow.
func New(cfg Config) *Cache {
	c := &Cache{
		ring:       slotring.New(cfg.NumSlots, cfg.SlotSize),
		disk:       cfg.Disk,
		diskCursor: -1,
		onOverrun:  cfg.OnOverrun,
	}
	if cfg.Registry != nil {
		c.metrics = NewMetrics(cfg.Registry)
	}
	return c
}

// Push appends p to the cache: into the ring while it has room, spilling to
// disk overflow if configured once the ring is full, otherwise overwriting
// the oldest retained data and signalling overrun (spec.md section 4.A/9,
// scenario 2: "push 40 bytes into a 32-byte no-disk cache").
func (c *Cache) Push(p []byte) (int, error) {
	c.mu.Lock()
	n, err, newOverrun := c.pushLocked(p)
	c.mu.Unlock()
	if newOverrun && c.onOverrun != nil {
		c.onOverrun()
	}
	return n, err
}

func (c *Cache) pushLocked(p []byte) (int, error, bool) {
	written := 0
	evicted := false
	newOverrun := false
	for len(p) > 0 {
		n, err := c.ring.Push(p)
		written += n
		p = p[n:]

		if err == nil {
			break
		}
		if !errors.Is(err, slotring.ErrNoSpace) {
			return written, err, newOverrun
		}
		if len(p) == 0 {
			break
		}
		if c.disk != nil && c.disk.Writable() {
			if !c.diskSeeded {
				_, hTotal := c.ring.BufferedRange()
				if err := c.disk.Seed(int64(hTotal)); err != nil {
					return written, err, newOverrun
				}
				c.diskSeeded = true
			}
			dn, derr := c.disk.Write(p)
			written += dn
			if derr != nil {
				return written, derr, newOverrun
			}
			break
		}
		if !c.ring.ForceEvictOldest() {
			return written, slotring.ErrNoSpace, newOverrun
		}
		evicted = true
		if !c.overrunActive {
			newOverrun = true
		}
		c.signalOverrunLocked()
		// Loop: retry the ring push now that the oldest slot is free.
	}
	// Only a push that never had to evict counts as a clean recovery; one
	// that merely reclaimed an already-released slot via the ring's own
	// recycle-on-tail path (no eviction) also clears it, matching spec.md
	// section 5's "not re-emitted until at least one successful push occurs".
	if !evicted {
		c.clearOverrunLocked()
	}
	c.metrics.observe(c)
	return written, nil, newOverrun
}

func (c *Cache) signalOverrunLocked() {
	if c.overrunActive {
		return
	}
	c.overrunActive = true
	c.metrics.incOverrun()
	log.Printf("tscache: overrun: ring full, no disk overflow configured, leaking oldest data")
}

func (c *Cache) clearOverrunLocked() {
	c.overrunActive = false
}

// Chunk is a borrowed view over popped bytes, from either the ring or the
// disk overflow store. Release must be called exactly once.
type Chunk struct {
	bytes        []byte
	streamOffset uint64
	discont      bool
	release      func()
}

func (ch *Chunk) Bytes() []byte        { return ch.bytes }
func (ch *Chunk) StreamOffset() uint64 { return ch.streamOffset }
func (ch *Chunk) Discont() bool        { return ch.discont }

// Release returns any underlying resources (a ring slot, an mmap'd disk
// window) to the cache. Safe to call once; a nil release is a no-op.
func (ch *Chunk) Release() {
	if ch == nil || ch.release == nil {
		return
	}
	ch.release()
	ch.release = nil
}

// Pop yields the next chunk of retained bytes in stream order, or ok=false
// if nothing is available yet. If the cache is currently serving a seek
// that landed in the disk overflow window, Pop reads sequentially from disk
// until the disk cursor reaches the disk store's write head, then falls
// back to ring.Pop transparently (spec.md section 4.C: "refill the
// ring from disk lazily on subsequent pops").
func (c *Cache) Pop(drain bool) (*Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.diskCursor >= 0 {
		if chunk, ok := c.popFromDiskLocked(); ok {
			return chunk, true
		}
		// Disk cursor has caught up (or disk is gone); resume from the ring.
		c.diskCursor = -1
	}

	ref, ok := c.ring.Pop(drain)
	if !ok {
		return nil, false
	}
	return &Chunk{
		bytes:        ref.Bytes(),
		streamOffset: ref.StreamOffset(),
		discont:      ref.Discont(),
		release:      ref.Release,
	}, true
}

func (c *Cache) popFromDiskLocked() (*Chunk, bool) {
	if c.disk == nil {
		return nil, false
	}
	_, _, writeHead := c.disk.Heads()
	if c.diskCursor >= writeHead {
		return nil, false
	}
	length := c.ring.SlotSize()
	if remaining := writeHead - c.diskCursor; uint64(length) > uint64(remaining) {
		length = int(remaining)
	}
	if length <= 0 {
		return nil, false
	}
	win, err := c.disk.ReadAt(c.diskCursor, length)
	if err != nil {
		log.Printf("tscache: disk read failed at offset %d: %v", c.diskCursor, err)
		return nil, false
	}
	offset := uint64(c.diskCursor)
	c.diskCursor += int64(length)
	return &Chunk{
		bytes:        win.Bytes(),
		streamOffset: offset,
		discont:      false,
		release:      func() { win.Release() },
	}, true
}

// Seek reconfigures the cache so the next Pop resumes at target, per
// spec.md section 4.C: in-ring offsets adjust the ring directly; other
// offsets within the disk overflow window [recycle head, write head) switch
// Pop into disk-read mode.
func (c *Cache) Seek(target uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring.HasOffset(target) {
		if c.ring.Seek(target) {
			c.diskCursor = -1
			return nil
		}
	}
	if c.disk != nil {
		recycle, _, write := c.disk.Heads()
		if int64(target) >= recycle && target < uint64(write) {
			c.diskCursor = int64(target)
			c.ring.MarkNeedDiscont()
			return nil
		}
	}
	return ErrSeekRejected{Target: target}
}

// HasOffset reports whether x is within the cache's currently retained
// window, in-ring or on-disk.
func (c *Cache) HasOffset(x uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring.HasOffset(x) {
		return true
	}
	if c.disk != nil {
		recycle, _, write := c.disk.Heads()
		return int64(x) >= recycle && x < uint64(write)
	}
	return false
}

// Fullness returns the ring's currently retained, pop-able byte count.
func (c *Cache) Fullness() uint64 {
	return c.ring.Fullness()
}

// BufferedRange returns (lowest retained offset, highest pushed offset)
// across both the ring and, if configured, the disk overflow window.
func (c *Cache) BufferedRange() (uint64, uint64) {
	lRing, hTotal := c.ring.BufferedRange()
	if c.disk == nil {
		return lRing, hTotal
	}
	recycle, _, write := c.disk.Heads()
	low := lRing
	if uint64(recycle) < low {
		low = uint64(recycle)
	}
	high := hTotal
	if uint64(write) > high {
		high = uint64(write)
	}
	return low, high
}

// Drain forwards to the ring's EOS drain (force-closes a trailing PART
// slot so residual bytes are pop-able).
func (c *Cache) Drain() {
	c.ring.Drain()
}
