package seektranslate

import (
	"testing"
	"time"

	"github.com/snapetech/tsshift/internal/tsindex"
)

func buildIndex() *tsindex.Index {
	ix := tsindex.New()
	ix.Add(tsindex.Entry{TimeNanos: 0, ByteOffset: 0, Flags: tsindex.FlagKeyUnit})
	ix.Add(tsindex.Entry{TimeNanos: int64(500 * time.Millisecond), ByteOffset: 1000, Flags: tsindex.FlagDeltaUnit})
	ix.Add(tsindex.Entry{TimeNanos: int64(1 * time.Second), ByteOffset: 2000, Flags: tsindex.FlagKeyUnit})
	ix.Add(tsindex.Entry{TimeNanos: int64(1500 * time.Millisecond), ByteOffset: 3000, Flags: tsindex.FlagDeltaUnit})
	return ix
}

func TestTranslateSeekSetLooksUpBefore(t *testing.T) {
	ix := buildIndex()
	req := TimeSeekRequest{Rate: 1, StartType: SeekSet, Start: 700 * time.Millisecond, StopType: SeekNone}
	out, err := TranslateSeek(ix, req)
	if err != nil {
		t.Fatalf("TranslateSeek: %v", err)
	}
	if out.StartType != SeekSet || out.Start != 1000 {
		t.Fatalf("start = (%v, %d), want (SeekSet, 1000)", out.StartType, out.Start)
	}
	if out.StopType != SeekNone {
		t.Fatalf("stop type = %v, want SeekNone (passthrough)", out.StopType)
	}
}

func TestTranslateSeekRejectsReversePlayback(t *testing.T) {
	ix := buildIndex()
	_, err := TranslateSeek(ix, TimeSeekRequest{Rate: -1, StartType: SeekSet, Start: 0})
	if err != ErrReverseNotSupported {
		t.Fatalf("err = %v, want ErrReverseNotSupported", err)
	}
}

func TestTranslateSeekRejectsMissingIndex(t *testing.T) {
	_, err := TranslateSeek(tsindex.New(), TimeSeekRequest{Rate: 1, StartType: SeekSet, Start: 0})
	if err != ErrNoIndex {
		t.Fatalf("err = %v, want ErrNoIndex", err)
	}
}

func TestTranslateSeekRejectsTimeBeforeFirstEntry(t *testing.T) {
	ix := tsindex.New()
	ix.Add(tsindex.Entry{TimeNanos: int64(5 * time.Second), ByteOffset: 5000, Flags: tsindex.FlagKeyUnit})
	_, err := TranslateSeek(ix, TimeSeekRequest{Rate: 1, StartType: SeekSet, Start: time.Second})
	if err == nil {
		t.Fatal("expected a seek before the first indexed time to be rejected")
	}
}

func TestTranslateSegmentRequiresResetFlag(t *testing.T) {
	ix := buildIndex()
	_, ok := TranslateSegment(ix, BytesSegment{Start: 1000, Stop: -1})
	if ok {
		t.Fatal("expected a non-flushing segment to be reported as untranslated")
	}
}

func TestTranslateSegmentConvertsBytesToTime(t *testing.T) {
	ix := buildIndex()
	seg, ok := TranslateSegment(ix, BytesSegment{Start: 1000, Stop: 3000, Flags: SegmentFlagReset})
	if !ok {
		t.Fatal("expected a flushing segment to translate")
	}
	if seg.Start != 500*time.Millisecond {
		t.Fatalf("start = %v, want 500ms", seg.Start)
	}
	if seg.Stop != 1500*time.Millisecond {
		t.Fatalf("stop = %v, want 1500ms", seg.Stop)
	}
}

func TestTranslateSegmentStartZeroWithNoPriorEntryIsZero(t *testing.T) {
	ix := tsindex.New()
	ix.Add(tsindex.Entry{TimeNanos: int64(time.Second), ByteOffset: 1000, Flags: tsindex.FlagKeyUnit})
	seg, ok := TranslateSegment(ix, BytesSegment{Start: 0, Stop: -1, Flags: SegmentFlagReset})
	if !ok {
		t.Fatal("expected translation to succeed")
	}
	if seg.Start != 0 {
		t.Fatalf("start = %v, want 0", seg.Start)
	}
	if seg.Stop != NoStop {
		t.Fatalf("stop = %v, want NoStop (none given)", seg.Stop)
	}
}

func TestDurationBacksOffOneMegabyteFromLiveEdge(t *testing.T) {
	ix := tsindex.New()
	ix.Add(tsindex.Entry{TimeNanos: 0, ByteOffset: 0, Flags: tsindex.FlagKeyUnit})
	ix.Add(tsindex.Entry{TimeNanos: int64(10 * time.Second), ByteOffset: 10_000_000, Flags: tsindex.FlagKeyUnit})
	d, ok := Duration(ix, 10_000_500)
	if !ok {
		t.Fatal("expected a duration")
	}
	if d != 0 {
		t.Fatalf("duration = %v, want the entry before the 1MB back-off (time 0)", d)
	}
}

func TestDurationEmptyIndexReturnsNotOK(t *testing.T) {
	if _, ok := Duration(tsindex.New(), 1000); ok {
		t.Fatal("expected no duration for an empty index")
	}
}

func TestSeekingAlwaysTrue(t *testing.T) {
	if !Seeking() {
		t.Fatal("expected Seeking() to always report true")
	}
}
