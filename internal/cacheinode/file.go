//go:build linux
// +build linux

package cacheinode

import (
	"context"
	"log"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/snapetech/tsshift/internal/tscache"
)

// readyPollInterval/readyPollDeadline bound how long Read waits for an
// offset to become retained before giving up, the same shape as vodfs's
// tryProgressiveRead poll loop (there: waiting on a growing .partial file;
// here: waiting on the ring's write cursor to reach off).
const (
	readyPollInterval = 100 * time.Millisecond
	readyPollDeadline = 2 * time.Second
)

// StreamNode exposes the cache's retained byte window as a single regular
// file; Read translates a FUSE offset into Cache.Seek+Pop the way
// vodfs.VirtualFileNode.Read translates one into a materialized path read.
type StreamNode struct {
	fs.Inode
	Cache *tscache.Cache
}

var _ fs.NodeGetattrer = (*StreamNode)(nil)
var _ fs.NodeOpener = (*StreamNode)(nil)
var _ fs.NodeReader = (*StreamNode)(nil)

// Getattr reports the live edge as the file's current size. Like vodfs, size
// grows out from under readers; FOPEN_DIRECT_IO (set in Open) keeps the
// kernel from trusting a stale cached size across reads.
func (n *StreamNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	_, high := n.Cache.BufferedRange()
	out.Size = high
	out.Mode = fuse.S_IFREG | 0444
	out.SetTimes(nil, &time.Time{}, nil)
	return 0
}

func (n *StreamNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *StreamNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	offset := uint64(off)
	if !n.waitForOffset(ctx, offset) {
		low, _ := n.Cache.BufferedRange()
		if offset < low {
			log.Printf("cacheinode: read off=%d no longer retained (low=%d)", off, low)
			return nil, syscall.ENXIO
		}
		// Still within the future/live edge but not written yet; report a
		// short read rather than blocking the FUSE request indefinitely.
		return fuse.ReadResultData(dest[:0]), 0
	}

	if err := n.Cache.Seek(offset); err != nil {
		log.Printf("cacheinode: seek off=%d failed: %v", off, err)
		return nil, syscall.ENXIO
	}

	filled, _ := n.readInto(dest, offset)
	return fuse.ReadResultData(dest[:filled]), 0
}

// waitForOffset polls Cache.HasOffset the way vodfs's tryProgressiveRead
// polls os.Stat on a growing .partial file, so a reader that asks for bytes
// just ahead of the write cursor gets them once they land instead of an
// immediate short read.
func (n *StreamNode) waitForOffset(ctx context.Context, offset uint64) bool {
	if n.Cache.HasOffset(offset) {
		return true
	}
	deadline := time.Now().Add(readyPollDeadline)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyPollInterval):
		}
		if n.Cache.HasOffset(offset) {
			return true
		}
	}
	return false
}

// readInto fills dest from consecutive Pop'd chunks starting at offset,
// trimming the leading bytes of the first chunk the same way
// opsserver.StreamHandler does (Seek is slot-granular; Pop returns whole
// slots from their own start).
func (n *StreamNode) readInto(dest []byte, offset uint64) (int, bool) {
	filled := 0
	first := true
	for filled < len(dest) {
		chunk, ok := n.Cache.Pop(false)
		if !ok {
			break
		}
		data := chunk.Bytes()
		if first {
			if lead := offset - chunk.StreamOffset(); lead > 0 && lead <= uint64(len(data)) {
				data = data[lead:]
			}
			first = false
		}
		copied := copy(dest[filled:], data)
		chunk.Release()
		filled += copied
		if copied < len(data) {
			// dest is full; the remainder of this chunk is lost since
			// Pop already advanced past it. Acceptable for a streaming
			// reader sized to its own chunk buffer (mirrors ingest's own
			// fixed ChunkSize reads), but callers with small dest buffers
			// should size them to the cache's slot size.
			break
		}
	}
	return filled, filled > 0
}
