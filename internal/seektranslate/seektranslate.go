// Package seektranslate rewrites seek and segment events between TIME and
// BYTES format using a tsindex.Index, adapted from
// original_source/src/gsttsseeker.c's gst_ts_seeker_transform_seek_event /
// gst_ts_seeker_transform_segment_event. Upstream (application-facing) seeks
// arrive in TIME and must become BYTES for internal/shifter; downstream
// segments the shifter emits are in BYTES and get rewritten back to TIME for
// whatever is consuming presentation timestamps.
package seektranslate

import (
	"time"

	"github.com/snapetech/tsshift/internal/tsindex"
)

// NoStop mirrors GST_CLOCK_TIME_NONE doing double duty in the original as
// both "no stop position given" and "time could not be determined": any
// caller comparing against it gets the same "unknown" treatment either way.
const NoStop time.Duration = -1

// SeekType mirrors GST_SEEK_TYPE_{NONE,SET,END}.
type SeekType int

const (
	SeekNone SeekType = iota
	SeekSet
	SeekEnd
)

// TimeSeekRequest is a seek as the application issues it.
type TimeSeekRequest struct {
	Rate      float64
	StartType SeekType
	Start     time.Duration
	StopType  SeekType
	Stop      time.Duration
}

// BytesSeekRequest is the same seek rewritten into byte offsets, ready to
// hand to shifter.Seek (via shifter.SeekRequest, built from Start/StartType).
type BytesSeekRequest struct {
	Rate      float64
	StartType SeekType
	Start     int64
	StopType  SeekType
	Stop      int64
}

// TranslateSeek rewrites req from TIME into BYTES, per spec: only forward
// playback is supported, and a NONE-typed endpoint passes through
// untouched. Each SET/END endpoint is looked up with BEFORE in the index;
// a missing index or an endpoint with no covering entry rejects the whole
// seek (gst_ts_seeker_transform_seek_event does the same per-event, but
// since this isn't split into two independent pad events here, either
// endpoint failing fails the request).
func TranslateSeek(ix *tsindex.Index, req TimeSeekRequest) (BytesSeekRequest, error) {
	if req.Rate < 0 {
		return BytesSeekRequest{}, ErrReverseNotSupported
	}
	if ix == nil || ix.Len() == 0 {
		return BytesSeekRequest{}, ErrNoIndex
	}

	out := BytesSeekRequest{Rate: req.Rate}

	start, startType, err := translateOffset(ix, req.StartType, req.Start)
	if err != nil {
		return BytesSeekRequest{}, err
	}
	out.Start, out.StartType = start, startType

	stop, stopType, err := translateOffset(ix, req.StopType, req.Stop)
	if err != nil {
		return BytesSeekRequest{}, err
	}
	out.Stop, out.StopType = stop, stopType

	return out, nil
}

// translateOffset is gst_ts_seeker_transform_offset: NONE passes through
// unchanged; SET/END resolve to an absolute TIME position (END is relative
// to the last indexed time) which is then looked up BEFORE in the index
// and becomes a SET-typed BYTES offset.
func translateOffset(ix *tsindex.Index, t SeekType, value time.Duration) (int64, SeekType, error) {
	if t == SeekNone {
		return int64(value), SeekNone, nil
	}

	pos := value
	if t == SeekEnd {
		last, ok := latestIndexedTime(ix)
		if !ok {
			return 0, SeekNone, ErrSeekRejected{Reason: "no indexed time near the live edge"}
		}
		pos = last + value
	}

	entry, ok := ix.GetAssocEntry(tsindex.MethodBefore, tsindex.FlagNone, tsindex.FormatTime, int64(pos))
	if !ok {
		return 0, SeekNone, ErrSeekRejected{Reason: "no index entry before requested time"}
	}
	return entry.ByteOffset, SeekSet, nil
}

// Segment is a BYTES output segment rewritten into TIME.
type Segment struct {
	Start time.Duration
	Stop  time.Duration
	Rate  float64
}

// BytesSegmentFlags mirrors the subset of GST_SEGMENT_FLAG_* this package
// cares about.
type BytesSegmentFlags uint8

const SegmentFlagReset BytesSegmentFlags = 1 << 0

// BytesSegment is the shifter's outgoing segment, always BYTES internally.
type BytesSegment struct {
	Start int64
	Stop  int64 // -1 means "no stop"
	Rate  float64
	Flags BytesSegmentFlags
}

// TranslateSegment rewrites seg from BYTES into TIME, per spec: only
// flushing (RESET-flagged) segments are supported; others are reported as
// not translated so the caller can forward the original BYTES segment
// unchanged, matching gst_ts_seeker_transform_segment_event's early return
// when GST_SEGMENT_FLAG_RESET is absent.
func TranslateSegment(ix *tsindex.Index, seg BytesSegment) (Segment, bool) {
	if seg.Flags&SegmentFlagReset == 0 {
		return Segment{}, false
	}
	if ix == nil {
		return Segment{}, false
	}

	out := Segment{Rate: seg.Rate, Stop: NoStop}
	out.Start = bytesToTime(ix, seg.Start)
	if seg.Stop >= 0 {
		out.Stop = bytesToTime(ix, seg.Stop)
	}
	return out, true
}

// bytesToTime is gst_ts_seeker_bytes_to_stream_time: BEFORE lookup in
// BYTES, falling back to zero only for offset 0 (the very start of the
// stream, which legitimately predates any index entry); any other miss
// reports NoStop ("unknown"), matching the original's warn-and-continue
// behavior rather than aborting the whole segment.
func bytesToTime(ix *tsindex.Index, offset int64) time.Duration {
	entry, ok := ix.GetAssocEntry(tsindex.MethodBefore, tsindex.FlagNone, tsindex.FormatBytes, offset)
	if !ok {
		if offset == 0 {
			return 0
		}
		return NoStop
	}
	return time.Duration(entry.TimeNanos)
}

// Duration answers a DURATION query in TIME, per spec: the latest indexed
// time. totalBytes is the stream's current byte length (the live edge);
// the original queried this from the downstream peer pad rather than the
// index itself and backed off one megabyte before looking it up, since the
// index frequently lags just behind the live edge by less than that
// (gst_ts_seeker_get_last_time); the same back-off is kept here.
func Duration(ix *tsindex.Index, totalBytes int64) (time.Duration, bool) {
	if ix == nil || ix.Len() == 0 {
		return 0, false
	}
	probe := totalBytes - 1_000_000
	if probe < 0 {
		probe = 0
	}
	entry, ok := ix.GetAssocEntry(tsindex.MethodBefore, tsindex.FlagNone, tsindex.FormatBytes, probe)
	if !ok {
		return 0, false
	}
	return time.Duration(entry.TimeNanos), true
}

func latestIndexedTime(ix *tsindex.Index) (time.Duration, bool) {
	// The index has no direct notion of "total bytes received" (that lives
	// in the cache); approximate the live edge with the largest byte
	// offset any entry has seen so far, which Duration then backs off from
	// exactly like a real peer-queried byte length would.
	entry, ok := ix.GetAssocEntry(tsindex.MethodBefore, tsindex.FlagNone, tsindex.FormatBytes, int64(^uint64(0)>>1))
	if !ok {
		return 0, false
	}
	return Duration(ix, entry.ByteOffset+1)
}

// Seeking answers a SEEKING query in TIME: this element always advertises
// seekability, matching gst_ts_seeker_query's unconditional TRUE.
func Seeking() bool {
	return true
}
