//go:build !linux
// +build !linux

package cacheinode

import (
	"context"
	"fmt"

	"github.com/snapetech/tsshift/internal/tscache"
)

// Mount is unavailable on non-Linux builds because cacheinode depends on
// go-fuse.
func Mount(mountPoint string, cache *tscache.Cache, allowOther bool) error {
	return fmt.Errorf("cacheinode mount is only supported on linux builds")
}

// MountBackground is unavailable on non-Linux builds because cacheinode
// depends on go-fuse.
func MountBackground(_ context.Context, mountPoint string, cache *tscache.Cache, allowOther bool) (func(), error) {
	return nil, fmt.Errorf("cacheinode mount is only supported on linux builds")
}
