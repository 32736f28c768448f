package opsserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/snapetech/tsshift/internal/tscache"
)

// StreamHandler serves GET /stream by seeking cache to the byte offset named
// in an incoming Range header and copying retained chunks to the response,
// adapted from internal/gateway/gateway.go's Proxy but reading from the
// ring buffer instead of round-tripping to an origin.
type StreamHandler struct {
	Cache *tscache.Cache
}

// NewStreamHandler returns a StreamHandler over cache.
func NewStreamHandler(cache *tscache.Cache) *StreamHandler {
	return &StreamHandler{Cache: cache}
}

func (s *StreamHandler) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *StreamHandler) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	offset, hasRange, err := parseRangeOffset(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if hasRange {
		if !s.Cache.HasOffset(offset) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", bufferedUpperBound(s.Cache)))
			http.Error(w, "requested offset is no longer retained", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if err := s.Cache.Seek(offset); err != nil {
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Accept-Ranges", "bytes")
	if hasRange {
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodHead {
		return
	}

	flusher, _ := w.(http.Flusher)
	first := hasRange
	for {
		chunk, ok := s.Cache.Pop(false)
		if !ok {
			return
		}
		data := chunk.Bytes()
		if first {
			// Seek is slot-granular: the slot containing offset may start
			// before it, so trim the leading bytes this first chunk only.
			if lead := offset - chunk.StreamOffset(); lead > 0 && lead <= uint64(len(data)) {
				data = data[lead:]
			}
			first = false
		}
		_, writeErr := w.Write(data)
		chunk.Release()
		if writeErr != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func bufferedUpperBound(c *tscache.Cache) uint64 {
	_, hi := c.BufferedRange()
	return hi
}

// parseRangeOffset parses a "bytes=N-" Range header into its starting
// offset. Only the start position is used, matching live-stream semantics:
// there is no fixed end, only a moving write cursor. An end position
// ("bytes=N-M") is accepted but ignored; suffix ranges ("bytes=-N") are
// rejected.
func parseRangeOffset(header string) (offset uint64, hasRange bool, err error) {
	if header == "" {
		return 0, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, false, fmt.Errorf("unsupported Range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, false, fmt.Errorf("malformed Range header")
	}
	startStr := spec[:dash]
	if startStr == "" {
		return 0, false, fmt.Errorf("suffix ranges are not supported")
	}
	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed Range start: %w", err)
	}
	return start, true, nil
}
