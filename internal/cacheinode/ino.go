// Package cacheinode exposes the time-shift cache's retained window as a
// single FUSE file, adapted from internal/vodfs: the same Root/Node split
// and stable-inode scheme, but with the catalog-driven directory tree and
// materializer replaced by one file backed directly by tscache.Cache.Seek/
// Pop.
package cacheinode

import "hash/fnv"

// inoFromString derives a stable inode number from a path-like key, the way
// vodfs.inoFromString does, so repeated lookups of the same name agree on
// one inode.
func inoFromString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
