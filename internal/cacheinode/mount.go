//go:build linux
// +build linux

package cacheinode

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/snapetech/tsshift/internal/tscache"
)

// Mount mounts cacheinode at mountPoint over cache, blocking until the
// process receives SIGINT/SIGTERM, mirroring vodfs.Mount.
func Mount(mountPoint string, cache *tscache.Cache, allowOther bool) error {
	root := &Root{Cache: cache}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      false,
			AllowOther: allowOther,
		},
	}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Println("cacheinode: unmounting...")
		_ = server.Unmount()
	}()

	server.Wait()
	stop()
	return nil
}

// MountBackground mounts cacheinode without blocking; call the returned
// func, or cancel ctx, to unmount. Mirrors vodfs.MountBackground.
func MountBackground(ctx context.Context, mountPoint string, cache *tscache.Cache, allowOther bool) (unmount func(), err error) {
	root := &Root{Cache: cache}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      false,
			AllowOther: allowOther,
		},
	}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = server.Unmount()
	}()

	return func() { _ = server.Unmount() }, nil
}
