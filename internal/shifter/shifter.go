// Package shifter implements the control-field state machine that sits
// between one producer pushing bytes and one consumer popping them back out
// through a Cache, adapted from original_source/src/gsttsshifter.c's
// gst_ts_shifter_push/_pop/_loop/_sink_event functions. Where the original
// coordinated a GStreamer pad task with a flow mutex and condition variable,
// this version coordinates a goroutine the same way: sync.Mutex + sync.Cond,
// not channels, so the flush/EOS/segment dance keeps the original's
// lock-drop-relock shape around the downstream push.
package shifter

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/snapetech/tsshift/internal/tscache"
)

// FlowResult mirrors the small sum type spec.md section 4.F assigns to
// srcresult/sinkresult.
type FlowResult int

const (
	FlowOK FlowResult = iota
	FlowEOS
	FlowFlushing
	FlowError
	FlowNotLinked
)

func (r FlowResult) String() string {
	switch r {
	case FlowOK:
		return "OK"
	case FlowEOS:
		return "EOS"
	case FlowFlushing:
		return "FLUSHING"
	case FlowError:
		return "ERROR"
	case FlowNotLinked:
		return "NOT_LINKED"
	default:
		return "UNKNOWN"
	}
}

// SegmentFlags mirrors GST_SEGMENT_FLAG_* bits relevant here.
type SegmentFlags uint8

const SegmentFlagReset SegmentFlags = 1 << 0

// Segment is the shifter's notion of the currently active output segment,
// always in byte units internally (spec.md: "segment — the currently active
// output segment (format BYTES internally)").
type Segment struct {
	Start uint64
	Rate  float64
	Flags SegmentFlags
}

// SeekType mirrors GST_SEEK_TYPE_{NONE,SET,END}.
type SeekType int

const (
	SeekNone SeekType = iota
	SeekSet
	SeekEnd
)

// SeekRequest is a seek already resolved to byte format; translating a TIME
// seek into this shape is internal/seektranslate's job.
type SeekRequest struct {
	Rate      float64
	StartType SeekType
	Start     int64
}

// Output is the consumer-side downstream: whatever pushes emitted buffers,
// segment/stream-start events and EOS onward. The only implementation in
// this repository is the test fake, which records into slices; cmd/tsshiftd
// does not start the consumer loop.
type Output interface {
	PushStreamStart() error
	PushSegment(seg Segment) error
	Push(data []byte, streamOffset uint64, discont bool) FlowResult
	PushEOS()
	PushFlushStart()
}

// Shifter is the pipeline element spec.md section 4.F describes.
type Shifter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pauseCond *sync.Cond
	cache     *tscache.Cache
	signals   chan<- Signal

	running bool

	srcResult  FlowResult
	sinkResult FlowResult

	isEOS             bool
	unexpected        bool
	needNewSegment    bool
	streamStartQueued bool

	curBytes uint64
	segment  Segment

	// isLeaking mirrors the producer-visible half of the original's
	// is_leaking bool. It is NOT protected by mu: the cache's OnOverrun
	// callback runs synchronously inside Cache.Push, which Push itself
	// calls without holding mu (to avoid re-entering a non-reentrant
	// mutex from the same goroutine), so a plain atomic keeps the two
	// writers (the callback and Push's own success path) race-free
	// without needing a second lock.
	isLeaking atomic.Bool
}

// New constructs a Shifter over cache. signals, if non-nil, receives
// overrun/recording transition notifications; sends are non-blocking so a
// slow or absent reader never stalls the producer or consumer.
func New(cache *tscache.Cache, signals chan<- Signal) *Shifter {
	s := &Shifter{
		cache:          cache,
		signals:        signals,
		needNewSegment: true,
	}
	s.cond = sync.NewCond(&s.mu)
	s.pauseCond = sync.NewCond(&s.mu)
	return s
}

// OnOverrun is wired into tscache.Config.OnOverrun; see New.
func (s *Shifter) OnOverrun() {
	if !s.isLeaking.Swap(true) {
		s.emit(Signal{Kind: SignalOverrun})
	}
}

func (s *Shifter) emit(sig Signal) {
	if s.signals == nil {
		return
	}
	select {
	case s.signals <- sig:
	default:
		log.Printf("shifter: signal channel full, dropping %v", sig.Kind)
	}
}

// Push is the producer-side sink: gst_ts_shifter_push / _chain collapsed
// into one call, since there is no separate buffer-mapping step for a plain
// byte slice.
func (s *Shifter) Push(data []byte) FlowResult {
	s.mu.Lock()
	if s.sinkResult != FlowOK {
		ret := s.sinkResult
		s.mu.Unlock()
		return ret
	}
	if s.isEOS {
		s.mu.Unlock()
		return FlowEOS
	}
	if s.unexpected {
		s.mu.Unlock()
		return FlowEOS
	}
	s.mu.Unlock()

	if _, err := s.cache.Push(data); err != nil {
		// The cache refused the write outright (e.g. it cannot evict enough
		// to make room even after trying). Treat this like the original's
		// leaking path: the bytes are dropped, the pipeline keeps running.
		log.Printf("shifter: dropping %d bytes, cache push failed: %v", len(data), err)
		return FlowOK
	}
	s.isLeaking.Store(false)

	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
	return FlowOK
}

// IsLeaking reports whether the cache is currently in a debounced overrun
// episode (oldest data being evicted to make room for this producer).
func (s *Shifter) IsLeaking() bool {
	return s.isLeaking.Load()
}

// Position returns cur_bytes: the stream offset most recently pushed
// downstream, for POSITION queries.
func (s *Shifter) Position() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}

// Buffering returns the cache's currently retained byte range, for
// BUFFERING queries.
func (s *Shifter) Buffering() (low, high uint64) {
	return s.cache.BufferedRange()
}

// Unexpected reports whether the sink is currently refusing buffers because
// downstream returned EOS/NOT_LINKED and no SEGMENT has arrived since.
func (s *Shifter) Unexpected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unexpected
}

// Start begins (or resumes, after a flush or seek) the consumer loop in its
// own goroutine, the Go equivalent of gst_pad_start_task. A second Start
// call while already running is a no-op.
func (s *Shifter) Start(out Output) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.loop(out)
}

// WaitPaused blocks until the consumer loop has exited (paused), the
// equivalent of gst_pad_pause_task's synchronous guarantee. Seek and
// FlushStart call this after signalling FLUSHING so they never race a
// still-running loop.
func (s *Shifter) WaitPaused() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		s.pauseCond.Wait()
	}
}

// loop is gst_ts_shifter_loop: repeatedly pop from the cache and push
// downstream until flushing, an unrecoverable push result, or EOS with an
// empty cache.
func (s *Shifter) loop(out Output) {
	s.mu.Lock()
	for {
		if s.srcResult != FlowOK {
			break
		}

		chunk, ok := s.cache.Pop(s.isEOS)
		if !ok {
			if s.isEOS {
				s.mu.Unlock()
				out.PushEOS()
				s.mu.Lock()
				break
			}
			s.cond.Wait()
			continue
		}

		ret := s.popAndPushLocked(out, chunk)
		s.srcResult = ret
		if ret != FlowOK {
			break
		}
	}
	s.running = false
	s.pauseCond.Broadcast()
	s.mu.Unlock()
}

// popAndPushLocked pushes one popped chunk downstream, matching
// gst_ts_shifter_pop's ordering: stream-start, then a new SEGMENT if
// need_newsegment, then the buffer itself. mu is held on entry; it is
// dropped around the downstream calls (mirroring FLOW_MUTEX_UNLOCK before
// gst_pad_push) and re-acquired before returning.
func (s *Shifter) popAndPushLocked(out Output, chunk *tscache.Chunk) FlowResult {
	defer chunk.Release()

	sendStreamStart := s.streamStartQueued
	sendSegment := s.needNewSegment
	if sendSegment {
		s.segment.Start = chunk.StreamOffset()
		s.segment.Flags |= SegmentFlagReset
	}
	seg := s.segment
	s.curBytes = chunk.StreamOffset() + uint64(len(chunk.Bytes()))

	s.mu.Unlock()

	if sendStreamStart {
		if err := out.PushStreamStart(); err != nil {
			s.mu.Lock()
			return FlowFlushing
		}
	}
	if sendSegment {
		if err := out.PushSegment(seg); err != nil {
			s.mu.Lock()
			return FlowFlushing
		}
	}
	ret := out.Push(chunk.Bytes(), chunk.StreamOffset(), chunk.Discont())

	s.mu.Lock()
	if sendStreamStart {
		s.streamStartQueued = false
	}
	if sendSegment {
		s.needNewSegment = false
	}

	if ret != FlowOK && s.srcResult == FlowFlushing {
		// A flush raced the push; flushing always wins.
		return FlowFlushing
	}
	if ret == FlowEOS {
		// Drain every remaining item rather than push it, then refuse
		// further sink input until a SEGMENT arrives, per
		// gst_ts_shifter_pop's EOS handling.
		for {
			next, ok := s.cache.Pop(s.isEOS)
			if !ok {
				break
			}
			next.Release()
		}
		s.unexpected = true
		return FlowOK
	}
	return ret
}

// OnSinkEOS is the EOS sink-event handler: sets is_eos and wakes the
// consumer so it drains the cache and then emits EOS downstream itself.
func (s *Shifter) OnSinkEOS() {
	s.mu.Lock()
	s.isEOS = true
	s.cond.Signal()
	s.mu.Unlock()
}

// OnSinkSegment is the upstream SEGMENT handler: it only clears the
// unexpected latch, matching gst_ts_shifter_sink_event's SEGMENT case.
func (s *Shifter) OnSinkSegment() {
	s.mu.Lock()
	s.unexpected = false
	s.mu.Unlock()
}

// OnStreamStart queues a stream-start event for re-emission before the next
// downstream buffer, matching gst_event_replace(&ts->stream_start_event, ...).
func (s *Shifter) OnStreamStart() {
	s.mu.Lock()
	s.streamStartQueued = true
	s.mu.Unlock()
}

// OnFlushStart forces both results to FLUSHING and wakes the consumer so it
// unwinds out of loop. Callers must follow with WaitPaused then OnFlushStop
// (or Seek, which does both) before pushing more data.
func (s *Shifter) OnFlushStart(out Output) {
	out.PushFlushStart()
	s.mu.Lock()
	s.srcResult = FlowFlushing
	s.sinkResult = FlowFlushing
	s.cond.Signal()
	s.mu.Unlock()
}

// OnFlushStop re-initializes the shifter's control state and restarts the
// consumer loop, matching the FLUSH_STOP branch of
// gst_ts_shifter_sink_event. Call WaitPaused first to be sure the previous
// loop has actually exited.
func (s *Shifter) OnFlushStop(out Output) {
	s.mu.Lock()
	s.streamStartQueued = false
	s.curBytes = 0
	s.srcResult = FlowOK
	s.sinkResult = FlowOK
	s.isEOS = false
	s.unexpected = false
	s.mu.Unlock()
	s.Start(out)
}

// Seek is gst_ts_shifter_handle_seek, minus the format translation (which
// internal/seektranslate performs before calling this): req.Start is
// already a byte offset. It flushes the running loop, reconfigures the
// cache to the new offset, and restarts the loop.
func (s *Shifter) Seek(out Output, req SeekRequest) error {
	offset, err := s.resolveOffset(req.StartType, req.Start)
	if err != nil {
		return err
	}
	if !s.cache.HasOffset(offset) {
		return ErrSeekRejected{Offset: offset}
	}

	s.mu.Lock()
	s.segment.Rate = req.Rate
	s.segment.Flags |= SegmentFlagReset
	s.mu.Unlock()

	s.OnFlushStart(out)
	s.WaitPaused()

	if err := s.cache.Seek(offset); err != nil {
		// Restart the loop anyway so a failed seek does not wedge playback.
		s.OnFlushStop(out)
		return err
	}

	s.mu.Lock()
	s.needNewSegment = true
	s.mu.Unlock()
	s.OnFlushStop(out)
	return nil
}

func (s *Shifter) resolveOffset(t SeekType, start int64) (uint64, error) {
	switch t {
	case SeekSet:
		return uint64(start), nil
	case SeekEnd:
		_, high := s.cache.BufferedRange()
		return uint64(int64(high) + start), nil
	default:
		return 0, ErrUnsupportedSeekType
	}
}
