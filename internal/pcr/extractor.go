// Package pcr scans raw (not necessarily packet-aligned) MPEG-TS bytes for
// Program Clock Reference samples on a configured PID and emits
// (byte_offset, time) pairs for the time/byte index. Adapted from the
// packet-resync and field-decode logic the teacher's ts_inspector.go uses to
// build per-PID diagnostics, generalized to the spec's emission policy.
package pcr

import "fmt"

// Legal MPEG-TS packet sizes (spec.md section 4.D).
var legalPacketSizes = [...]int{188, 192, 204, 208}

// MaxPCR is the value a 33-bit-base/9-bit-extension PCR wraps at, in 27 MHz
// units: (2^33 * 300) + (2^9 - 1)... but practically the base wraps at 2^33
// ticks of 90kHz and the combined 27MHz value wraps at 2^33*300.
const MaxPCR = (uint64(1) << 33) * 300

// wrapGraceWindow27MHz is "~2 seconds" in 27 MHz units, used to distinguish
// a genuine wrap (previous sample was near MaxPCR) from an unrelated
// discontinuity (spec.md section 4.D wrap handling).
const wrapGraceWindow27MHz = 2 * 27_000_000

// Sample is one extracted PCR observation.
type Sample struct {
	ByteOffset uint64
	PCR27MHz   uint64 // unwrapped, monotonic accumulator value
	RandomAccess bool
}

// Config selects which PID to track and how often to emit index entries.
type Config struct {
	PID uint16
	// DeltaNanos is the minimum PCR advance between emitted samples. If
	// DeltaIsRandomAccess is true, DeltaNanos is ignored and emission is
	// instead keyed on the packet's random_access_indicator bit (delta=-1
	// in spec.md's configuration surface).
	DeltaNanos          int64
	DeltaIsRandomAccess bool
}

// Extractor is stateful: it must see all bytes of a stream, in order, to
// correctly resync across packet boundaries and track PCR wraps.
type Extractor struct {
	cfg Config

	buf        []byte
	baseOffset uint64 // absolute byte offset of buf[0] in the stream

	havePrev   bool
	prevPCR27  uint64 // last raw (not unwrapped) 42-bit PCR value
	wrapCount  uint64

	haveEmitted  bool
	lastEmitted  uint64 // unwrapped PCR at last emission
	baseTimeSet  bool
	baseTimeNs   int64
	basePCR27    uint64

	onSample func(Sample)
}

// New returns an Extractor. onSample is invoked synchronously for every
// index-worthy sample (per the emission policy in spec.md section 4.D).
func New(cfg Config, onSample func(Sample)) *Extractor {
	return &Extractor{cfg: cfg, onSample: onSample}
}

// Feed processes p, which begins at absolute stream byte offset
// streamOffset. p need not be packet-aligned; Feed resyncs on 0x47 as
// needed and carries a partial trailing packet into the next call.
func (e *Extractor) Feed(streamOffset uint64, p []byte) {
	if len(p) == 0 || e.cfg.PID > 0x1FFF {
		return
	}
	if len(e.buf) == 0 {
		e.baseOffset = streamOffset
	} else if streamOffset != e.baseOffset+uint64(len(e.buf)) {
		// Non-contiguous feed: drop carry-over state, it no longer lines up.
		e.buf = e.buf[:0]
		e.baseOffset = streamOffset
	}
	e.buf = append(e.buf, p...)

	// Fast path: a buffer whose length lies in [188, 208] is treated as a
	// single packet, as happens when Feed is invoked from a packetizer
	// upstream that has already framed the buffer (spec.md section 4.D).
	if n := len(e.buf); n >= 188 && n <= 208 {
		e.tryPacket(e.buf, e.baseOffset)
		e.buf = e.buf[:0]
		return
	}

	consumed := 0
	for {
		n := len(e.buf) - consumed
		if n < 188 {
			break
		}
		rest := e.buf[consumed:]
		if rest[0] != 0x47 {
			skip := indexByte47(rest[1:])
			if skip < 0 {
				break
			}
			consumed += skip + 1
			continue
		}
		size, checkable, ok := validatedPacketSize(rest)
		if !checkable {
			// Not enough trailing bytes at any legal size to confirm a
			// next sync yet; hold this candidate for the next Feed call.
			break
		}
		if !ok {
			consumed++
			continue
		}
		e.tryPacket(rest[:size], e.baseOffset+uint64(consumed))
		consumed += size
	}
	if consumed > 0 {
		remaining := append([]byte(nil), e.buf[consumed:]...)
		e.baseOffset += uint64(consumed)
		e.buf = remaining
	}
	// Cap unbounded growth from a stream that never resyncs.
	if len(e.buf) > 4*208 {
		drop := len(e.buf) - 208
		e.baseOffset += uint64(drop)
		e.buf = append([]byte(nil), e.buf[drop:]...)
	}
}

func isLegalSize(n int) bool {
	for _, sz := range legalPacketSizes {
		if n == sz {
			return true
		}
	}
	return false
}

func indexByte47(b []byte) int {
	for i, c := range b {
		if c == 0x47 {
			return i
		}
	}
	return -1
}

// validatedPacketSize finds which legal packet size has another 0x47 sync
// byte at the next packet boundary, validating the candidate sync found at
// rest[0] (spec.md section 4.D: "accepted only when a valid next-sync is
// found").
// validatedPacketSize returns (size, checkable, ok). checkable is false if
// rest is too short to confirm a next sync at any legal size yet (the
// caller should stop and wait for more data). ok is true only once a legal
// size's next byte is confirmed to be 0x47.
func validatedPacketSize(rest []byte) (int, bool, bool) {
	anyCheckable := false
	for _, sz := range legalPacketSizes {
		if len(rest) <= sz {
			continue
		}
		anyCheckable = true
		if rest[sz] == 0x47 {
			return sz, true, true
		}
	}
	return 0, anyCheckable, false
}

func (e *Extractor) tryPacket(pkt []byte, offset uint64) {
	if len(pkt) < 188 || pkt[0] != 0x47 {
		return
	}
	pid := (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
	if pid != e.cfg.PID {
		return
	}
	afc := (pkt[3] >> 4) & 0x03
	hasAdapt := afc == 2 || afc == 3
	if !hasAdapt || len(pkt) < 5 {
		return
	}
	alen := int(pkt[4])
	if alen <= 0 || 5+alen > len(pkt) {
		return
	}
	flags := pkt[5]
	pcrPresent := flags&0x10 != 0
	if !pcrPresent || alen < 7 {
		return
	}
	pcrField := pkt[6:12]
	raw, ok := decodePCRField(pcrField)
	if !ok {
		return
	}
	randomAccess := flags&0x40 != 0
	e.observe(offset, raw, randomAccess)
}

// decodePCRField decodes the 48-bit (6-byte) PCR field into a raw 42-bit
// (33-bit base * 300 + 9-bit extension) value in 27 MHz units.
func decodePCRField(b []byte) (uint64, bool) {
	if len(b) < 6 {
		return 0, false
	}
	base := (uint64(b[0]) << 25) |
		(uint64(b[1]) << 17) |
		(uint64(b[2]) << 9) |
		(uint64(b[3]) << 1) |
		(uint64(b[4]) >> 7)
	ext := (uint64(b[4]&0x01) << 8) | uint64(b[5])
	if ext > 299 {
		return 0, false
	}
	return base*300 + ext, true
}

// EncodePCRField is the inverse of decodePCRField, used by internal/pcr's
// synthetic fixtures and by the round-trip property in spec.md section 8
// (encode(decode(x)) == x for any syntactically valid field).
func EncodePCRField(raw uint64) [6]byte {
	base := raw / 300
	ext := raw % 300
	var b [6]byte
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte((base&1)<<7) | 0x7E | byte(ext>>8)
	b[5] = byte(ext)
	return b
}

func (e *Extractor) observe(offset, raw uint64, randomAccess bool) {
	if e.havePrev && raw < e.prevPCR27 {
		if e.prevPCR27 > MaxPCR-wrapGraceWindow27MHz {
			e.wrapCount++
		}
		// else: a plain discontinuity. We resynchronize using the unwrapped
		// accumulator as-is; the next delta computed from `unwrapped` below
		// will simply show a jump, which is the best an offset-keyed index
		// can represent without extra side-channel info.
	}
	e.prevPCR27 = raw
	e.havePrev = true

	unwrapped := e.wrapCount*MaxPCR + raw

	if !e.baseTimeSet {
		e.baseTimeSet = true
		e.basePCR27 = unwrapped
		e.baseTimeNs = 0
		e.emit(offset, unwrapped, randomAccess)
		return
	}

	if e.cfg.DeltaIsRandomAccess {
		if randomAccess {
			e.emit(offset, unwrapped, randomAccess)
		}
		return
	}

	deltaNanos := e.cfg.DeltaNanos
	if deltaNanos <= 0 {
		deltaNanos = 500_000_000
	}
	elapsedSincePrevEmit := pcr27ToNanos(unwrapped - e.lastEmitted)
	if !e.haveEmitted || elapsedSincePrevEmit >= deltaNanos {
		e.emit(offset, unwrapped, randomAccess)
	}
}

func (e *Extractor) emit(offset, unwrapped uint64, randomAccess bool) {
	e.haveEmitted = true
	e.lastEmitted = unwrapped
	if e.onSample != nil {
		e.onSample(Sample{ByteOffset: offset, PCR27MHz: unwrapped, RandomAccess: randomAccess})
	}
}

// TimeNanos converts an unwrapped 27 MHz PCR value (relative to the first
// observed sample) to a time.Duration-compatible nanosecond count using
// exact fraction arithmetic (spec.md section 4.D): ns = pcr27 * 1000 / 27.
func (e *Extractor) TimeNanos(unwrapped uint64) int64 {
	rel := unwrapped - e.basePCR27
	return pcr27ToNanos(rel)
}

func pcr27ToNanos(pcr27 uint64) int64 {
	// 27,000,000 ticks/sec -> ns = ticks * 1000 / 27, done in two steps to
	// avoid overflow for any realistic delta (deltas are bounded to a few
	// seconds' worth of PCR by the emission policy).
	return int64(pcr27/27) * 1000 + int64(pcr27%27)*1000/27
}

func (e *Extractor) String() string {
	return fmt.Sprintf("pcr.Extractor{pid=0x%04X wraps=%d}", e.cfg.PID, e.wrapCount)
}
