// Package tsindex maintains the ordered TIME<->BYTES association index used
// to translate seeks, adapted from the original GstTSIndex/GstTSMemIndex
// association tree (original_source/src/tsmemindex.c): each entry pairs a
// stream byte offset with the presentation time observed at that offset,
// carrying flags describing whether it is a safe random-access point.
package tsindex

import "sort"

// Format selects which side of an Entry's pair GetAssocEntry searches on.
type Format int

const (
	FormatTime Format = iota
	FormatBytes
)

// Flags mirrors GstTSIndexAssociationFlags.
type Flags uint32

const (
	FlagNone     Flags = 0
	FlagKeyUnit  Flags = 1 << 0
	FlagDeltaUnit Flags = 1 << 1
)

// Method mirrors GstTSIndexLookupMethod.
type Method int

const (
	MethodExact Method = iota
	MethodBefore
	MethodAfter
)

// Entry is one TIME<->BYTES association.
type Entry struct {
	TimeNanos  int64
	ByteOffset int64
	Flags      Flags
}

// Index is an append-only (seeks never mutate prior entries) ordered set of
// Entry, queryable by either side of the pair. It does no locking of its
// own: a writer running concurrently with readers needs synchronization
// supplied by the caller.
type Index struct {
	// byTime and byBytes both reference the same Entry values, each kept
	// sorted on its own key so GetAssocEntry can binary search either side
	// without scanning, matching the original's per-format GTree.
	byTime  []*Entry
	byBytes []*Entry
}

// New returns an empty Index.
func New() *Index {
	return &Index{}
}

// Add inserts a new association. Entries must arrive in monotonically
// non-decreasing ByteOffset order (the producer side of the cache never
// walks backward), so insertion is an append plus a cheap tail-sorted
// correction for TimeNanos if a PCR discontinuity ever makes time regress
// locally.
func (ix *Index) Add(e Entry) {
	entry := &Entry{TimeNanos: e.TimeNanos, ByteOffset: e.ByteOffset, Flags: e.Flags}

	ix.byBytes = insertSorted(ix.byBytes, entry, func(a *Entry) int64 { return a.ByteOffset })
	ix.byTime = insertSorted(ix.byTime, entry, func(a *Entry) int64 { return a.TimeNanos })
}

func insertSorted(s []*Entry, entry *Entry, key func(*Entry) int64) []*Entry {
	v := key(entry)
	i := sort.Search(len(s), func(i int) bool { return key(s[i]) >= v })
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = entry
	return s
}

// Len returns the number of entries held.
func (ix *Index) Len() int { return len(ix.byBytes) }

func (ix *Index) slice(format Format) []*Entry {
	if format == FormatTime {
		return ix.byTime
	}
	return ix.byBytes
}

func key(format Format) func(*Entry) int64 {
	if format == FormatTime {
		return func(e *Entry) int64 { return e.TimeNanos }
	}
	return func(e *Entry) int64 { return e.ByteOffset }
}

// GetAssocEntry finds the entry whose value on the given format side
// matches value under method, filtered to entries whose Flags are a
// superset of flags (flags == FlagNone matches anything). Semantics follow
// the original gst_ts_memindex_get_assoc_entry: MethodExact requires an
// exact value match; MethodBefore/MethodAfter fall back to the nearest
// lower/higher entry when no exact match exists, then widen the search
// along the sorted order if the nearest candidate doesn't carry the
// required flags.
func (ix *Index) GetAssocEntry(method Method, flags Flags, format Format, value int64) (Entry, bool) {
	s := ix.slice(format)
	k := key(format)
	if len(s) == 0 {
		return Entry{}, false
	}

	i := sort.Search(len(s), func(i int) bool { return k(s[i]) >= value })

	var idx int
	switch method {
	case MethodExact:
		if i < len(s) && k(s[i]) == value {
			idx = i
		} else {
			return Entry{}, false
		}
	case MethodBefore:
		if i < len(s) && k(s[i]) == value {
			idx = i
		} else if i > 0 {
			idx = i - 1
		} else {
			return Entry{}, false
		}
	case MethodAfter:
		if i < len(s) && k(s[i]) == value {
			idx = i
		} else if i < len(s) {
			idx = i
		} else {
			return Entry{}, false
		}
	default:
		return Entry{}, false
	}

	if flags != FlagNone && s[idx].Flags&flags != flags {
		if method == MethodExact {
			return Entry{}, false
		}
		found, ok := widen(s, idx, method, flags)
		if !ok {
			return Entry{}, false
		}
		return *found, true
	}
	return *s[idx], true
}

// widen walks away from idx in the direction method implies (BEFORE moves
// toward lower indices, AFTER toward higher) until it finds an entry whose
// Flags satisfy flags, mirroring the original's list-walk fallback.
func widen(s []*Entry, idx int, method Method, flags Flags) (*Entry, bool) {
	switch method {
	case MethodBefore:
		for i := idx; i >= 0; i-- {
			if s[i].Flags&flags == flags {
				return s[i], true
			}
		}
	case MethodAfter:
		for i := idx; i < len(s); i++ {
			if s[i].Flags&flags == flags {
				return s[i], true
			}
		}
	}
	return nil, false
}
