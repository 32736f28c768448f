//go:build linux
// +build linux

package cacheinode

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/snapetech/tsshift/internal/tscache"
)

// FileName is the single file cacheinode exposes at its mount point.
const FileName = "live.ts"

// Root is the filesystem root, mirroring vodfs.Root's shape but with a
// single fixed entry instead of a Movies/TV catalog tree.
type Root struct {
	fs.Inode
	Cache *tscache.Cache
}

var _ fs.NodeLookuper = (*Root)(nil)
var _ fs.NodeReaddirer = (*Root)(nil)

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name != FileName {
		return nil, syscall.ENOENT
	}
	node := &StreamNode{Cache: r.Cache}
	ch := r.NewInode(ctx, node, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  inoFromString("cacheinode:" + FileName),
	})
	out.Mode = fuse.S_IFREG | 0444
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	return ch, 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return &rootDirStream{}, 0
}

// rootDirStream lists the mount's sole entry, mirroring vodfs's hand-rolled
// fs.DirStream implementations (movieDirStream/seriesDirStream) rather than
// a library helper.
type rootDirStream struct {
	done bool
}

var _ fs.DirStream = (*rootDirStream)(nil)

func (s *rootDirStream) HasNext() bool {
	return !s.done
}

func (s *rootDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	s.done = true
	return fuse.DirEntry{
		Name: FileName,
		Mode: fuse.S_IFREG,
		Ino:  inoFromString("cacheinode:" + FileName),
	}, 0
}

func (s *rootDirStream) Close() {}
